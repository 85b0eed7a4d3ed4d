package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"
)

// migration is one forward-only schema step. Applied steps are recorded in
// schema_migrations with a checksum; editing an applied step is an error.
type migration struct {
	version int
	name    string
	sql     string
}

func (m migration) checksum() string {
	sum := sha256.Sum256([]byte(m.sql))
	return hex.EncodeToString(sum[:])
}

// Column types are valid in both SQLite and PostgreSQL.
var migrations = []migration{
	{1, "statements", `
CREATE TABLE IF NOT EXISTS statements (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    period_start TIMESTAMP NOT NULL,
    period_end TIMESTAMP NOT NULL,
    transaction_count INTEGER NOT NULL,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_statements_account ON statements(account_id);
`},
	{2, "verdicts", `
CREATE TABLE IF NOT EXISTS verdicts (
    id TEXT PRIMARY KEY,
    statement_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    category TEXT NOT NULL,
    overall_score REAL NOT NULL,
    heuristic_degraded INTEGER NOT NULL DEFAULT 0,
    evaluated_at TIMESTAMP NOT NULL,
    payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verdicts_statement ON verdicts(statement_id);
CREATE INDEX IF NOT EXISTS idx_verdicts_account ON verdicts(account_id, evaluated_at);
`},
	{3, "narrative_rules", `
CREATE TABLE IF NOT EXISTS narrative_rules (
    id TEXT NOT NULL,
    version TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    expression TEXT NOT NULL,
    severity REAL NOT NULL,
    enabled INTEGER NOT NULL,
    saved_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, version)
);
`},
}

const migrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    checksum TEXT NOT NULL,
    applied_at TIMESTAMP NOT NULL
)`

// migrate applies pending migrations in order, each in its own transaction.
func (r *SQLRepository) migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, migrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := r.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if sum, ok := applied[m.version]; ok {
			if sum != m.checksum() {
				return fmt.Errorf("migration %04d_%s changed after it was applied", m.version, m.name)
			}
			continue
		}
		if err := r.apply(ctx, m); err != nil {
			return fmt.Errorf("migration %04d_%s: %w", m.version, m.name, err)
		}
		slog.Debug("applied migration", "version", m.version, "name", m.name)
	}
	return nil
}

func (r *SQLRepository) appliedMigrations(ctx context.Context) (map[int]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]string)
	for rows.Next() {
		var version int
		var sum string
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, err
		}
		applied[version] = sum
	}
	return applied, rows.Err()
}

func (r *SQLRepository) apply(ctx context.Context, m migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		r.rebind(`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`),
		m.version, m.name, m.checksum(), time.Now().UTC(),
	); err != nil {
		return err
	}
	return tx.Commit()
}
