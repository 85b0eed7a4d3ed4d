package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveVerdict inserts v. Verdicts are never updated, so a duplicate ID fails.
func (r *SQLRepository) SaveVerdict(ctx context.Context, v *domain.FraudVerdict) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("%w: verdict ID is required", ErrInvalidInput)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode verdict %s: %w", v.ID, err)
	}

	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO verdicts (id, statement_id, account_id, category, overall_score, heuristic_degraded, evaluated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		v.ID, v.StatementID, v.AccountID, string(v.Category), v.OverallScore,
		boolInt(v.HeuristicScore.Degraded), v.EvaluatedAt.UTC(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert verdict %s: %w", v.ID, err)
	}
	return nil
}

func (r *SQLRepository) GetVerdict(ctx context.Context, verdictID string) (*domain.FraudVerdict, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT payload FROM verdicts WHERE id = ?`), verdictID).Scan(&payload)
	if err != nil {
		return nil, lookupErr(err, "verdict", verdictID)
	}
	return decodeVerdict(payload)
}

// ListVerdicts returns the account's verdicts newest first, optionally only
// those at or above q.MinCategory.
func (r *SQLRepository) ListVerdicts(ctx context.Context, q domain.VerdictQuery) ([]*domain.FraudVerdict, error) {
	if q.AccountID == "" {
		return nil, fmt.Errorf("%w: account ID is required", ErrInvalidInput)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var where strings.Builder
	args := []any{q.AccountID}
	where.WriteString("account_id = ?")
	if q.MinCategory != "" {
		bands := q.MinCategory.AtLeast()
		if len(bands) == 0 {
			return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidInput, q.MinCategory)
		}
		where.WriteString(" AND category IN (" + placeholders(len(bands)) + ")")
		for _, c := range bands {
			args = append(args, string(c))
		}
	}
	args = append(args, limit)

	query := "SELECT payload FROM verdicts WHERE " + where.String() + " ORDER BY evaluated_at DESC, id LIMIT ?"
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var verdicts []*domain.FraudVerdict
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		v, err := decodeVerdict(payload)
		if err != nil {
			return nil, err
		}
		verdicts = append(verdicts, v)
	}
	return verdicts, rows.Err()
}

func decodeVerdict(payload string) (*domain.FraudVerdict, error) {
	v := new(domain.FraudVerdict)
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	return v, nil
}
