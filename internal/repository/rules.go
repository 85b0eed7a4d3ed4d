package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"golang.org/x/mod/semver"
)

const defaultRuleVersion = "1.0.0"

const ruleColumns = `id, version, name, description, expression, severity, enabled`

// SaveRuleConfig upserts one version of a rule. Versions are semantic
// versions without the leading "v"; an empty version is 1.0.0.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule ID is required", ErrInvalidInput)
	}
	if rule.Expression == "" {
		return fmt.Errorf("%w: rule %s has no expression", ErrInvalidInput, rule.ID)
	}
	version := rule.Version
	if version == "" {
		version = defaultRuleVersion
	}
	if !semver.IsValid("v" + version) {
		return fmt.Errorf("%w: rule %s version %q is not a semantic version", ErrInvalidInput, rule.ID, version)
	}

	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO narrative_rules (`+ruleColumns+`, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			severity = excluded.severity,
			enabled = excluded.enabled,
			saved_at = excluded.saved_at`),
		rule.ID, version, rule.Name, rule.Description,
		rule.Expression, rule.Severity, boolInt(rule.Enabled), time.Now().UTC(),
	)
	return err
}

// GetRuleConfig returns the highest enabled version of ruleID.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, ruleID string) (*domain.RuleConfig, error) {
	rows, err := r.db.QueryContext(ctx,
		r.rebind(`SELECT `+ruleColumns+` FROM narrative_rules WHERE id = ? AND enabled = 1`), ruleID)
	if err != nil {
		return nil, err
	}
	latest, err := scanLatest(rows)
	if err != nil {
		return nil, err
	}
	if len(latest) == 0 {
		return nil, fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}
	return latest[0], nil
}

// ListRuleConfigs returns the highest enabled version of every rule, ordered
// by rule ID.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM narrative_rules WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return scanLatest(rows)
}

// scanLatest reads rows ordered by id and keeps the highest version of each
// ID. It closes rows.
func scanLatest(rows *sql.Rows) ([]*domain.RuleConfig, error) {
	defer rows.Close()

	var out []*domain.RuleConfig
	for rows.Next() {
		cfg := new(domain.RuleConfig)
		var enabled int
		if err := rows.Scan(&cfg.ID, &cfg.Version, &cfg.Name, &cfg.Description,
			&cfg.Expression, &cfg.Severity, &enabled); err != nil {
			return nil, err
		}
		cfg.Enabled = enabled == 1

		n := len(out)
		switch {
		case n > 0 && out[n-1].ID == cfg.ID:
			if semver.Compare("v"+cfg.Version, "v"+out[n-1].Version) > 0 {
				out[n-1] = cfg
			}
		default:
			out = append(out, cfg)
		}
	}
	return out, rows.Err()
}
