// Package domain holds the statement, finding and verdict types shared by
// every Kestrel component, plus configuration and infrastructure contracts.
package domain

import (
	"context"
	"time"
)

// Repository persists statements, verdicts and narrative rules. Lookups of
// unknown IDs return an error wrapping the store's not-found sentinel.
type Repository interface {
	SaveStatement(ctx context.Context, stmt *Statement) error
	GetStatement(ctx context.Context, statementID string) (*Statement, error)

	// SaveVerdict fails if the verdict ID already exists.
	SaveVerdict(ctx context.Context, verdict *FraudVerdict) error
	GetVerdict(ctx context.Context, verdictID string) (*FraudVerdict, error)
	ListVerdicts(ctx context.Context, q VerdictQuery) ([]*FraudVerdict, error)

	// Rules are versioned by semantic version; reads return the highest
	// enabled version of each rule.
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)

	Ping(ctx context.Context) error
	Close() error
}

// VerdictQuery selects one account's verdicts, newest first.
type VerdictQuery struct {
	AccountID string

	// MinCategory keeps verdicts in this band or a worse one. Empty keeps all.
	MinCategory Category

	// Limit of non-positive means the store default.
	Limit int
}

// RepositoryConfig selects and tunes the store.
type RepositoryConfig struct {
	Driver string `json:"driver"` // "sqlite" or "postgres"

	SQLitePath string `json:"sqlitePath"` // ":memory:" for a throwaway store

	PostgresHost     string `json:"postgresHost"`
	PostgresPort     int    `json:"postgresPort"`
	PostgresUser     string `json:"postgresUser"`
	PostgresPassword string `json:"-"`
	PostgresDB       string `json:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode"`

	MaxOpenConns    int           `json:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`
}
