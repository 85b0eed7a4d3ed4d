package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/opensource-finance/kestrel/internal/domain"
	_ "modernc.org/sqlite"
)

const (
	defaultSQLitePath   = "./kestrel.db"
	defaultPostgresDB   = "kestrel"
	defaultPostgresPort = 5432
	pingTimeout         = 5 * time.Second
)

// sqlitePragmas are applied to every pooled connection.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// open resolves the driver's DSN, opens the pool and verifies it answers.
func open(cfg domain.RepositoryConfig) (*sql.DB, error) {
	var driverName, dsn string
	switch cfg.Driver {
	case "sqlite":
		var err error
		if dsn, err = sqliteDSN(cfg.SQLitePath); err != nil {
			return nil, err
		}
		driverName = "sqlite"
	case "postgres":
		dsn = postgresDSN(cfg)
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	// An in-memory SQLite database lives and dies with its connection.
	if cfg.Driver == "sqlite" && isMemory(cfg.SQLitePath) {
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", cfg.Driver, err)
	}
	return db, nil
}

// sqliteDSN builds a modernc.org/sqlite DSN, creating the parent directory
// of a file database.
func sqliteDSN(path string) (string, error) {
	if path == "" {
		path = defaultSQLitePath
	}

	pragmas := make([]string, 0, len(sqlitePragmas))
	for _, p := range sqlitePragmas {
		if isMemory(path) && strings.HasPrefix(p, "journal_mode") {
			continue
		}
		pragmas = append(pragmas, "_pragma="+p)
	}
	query := strings.Join(pragmas, "&")

	if isMemory(path) {
		return "file::memory:?" + query, nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return "file:" + path + "?" + query, nil
}

func isMemory(path string) bool {
	return path == ":memory:"
}

// postgresDSN builds a lib/pq URL. Credentials are escaped so passwords may
// contain any character.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = defaultPostgresPort
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = defaultPostgresDB
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + dbname,
		RawQuery: url.Values{
			"sslmode":          {sslmode},
			"application_name": {"kestrel"},
		}.Encode(),
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	return u.String()
}
