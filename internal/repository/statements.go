package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveStatement stores stmt as JSON. Saving an existing ID replaces it.
func (r *SQLRepository) SaveStatement(ctx context.Context, stmt *domain.Statement) error {
	if stmt == nil || stmt.ID == "" {
		return fmt.Errorf("%w: statement ID is required", ErrInvalidInput)
	}
	payload, err := json.Marshal(stmt)
	if err != nil {
		return fmt.Errorf("encode statement %s: %w", stmt.ID, err)
	}

	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO statements (id, account_id, period_start, period_end, transaction_count, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			period_start = excluded.period_start,
			period_end = excluded.period_end,
			transaction_count = excluded.transaction_count,
			payload = excluded.payload`),
		stmt.ID, stmt.AccountID,
		stmt.PeriodStart.UTC(), stmt.PeriodEnd.UTC(),
		len(stmt.Transactions), string(payload), time.Now().UTC(),
	)
	return err
}

func (r *SQLRepository) GetStatement(ctx context.Context, statementID string) (*domain.Statement, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT payload FROM statements WHERE id = ?`), statementID).Scan(&payload)
	if err != nil {
		return nil, lookupErr(err, "statement", statementID)
	}

	stmt := new(domain.Statement)
	if err := json.Unmarshal([]byte(payload), stmt); err != nil {
		return nil, fmt.Errorf("decode statement %s: %w", statementID, err)
	}
	return stmt, nil
}
