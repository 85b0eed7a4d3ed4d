// Package heuristic adapts a statement and its findings into a bounded summary
// for the external scoring service and normalizes the answer.
package heuristic

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Limits bounds the size of a Summary.
type Limits struct {
	MaxSamples         int
	MaxNotableFindings int
}

// LimitsFrom returns the summary bounds configured for the heuristic client.
func LimitsFrom(cfg domain.HeuristicConfig) Limits {
	return Limits{MaxSamples: cfg.MaxSamples, MaxNotableFindings: cfg.MaxNotableFindings}
}

// Summary is the request body sent to the scoring service.
// It never carries raw document bytes.
type Summary struct {
	AccountPeriod       AccountPeriod        `json:"account_period"`
	TransactionCount    int                  `json:"transaction_count"`
	NotableFindings     []NotableFinding     `json:"notable_findings"`
	SampledTransactions []SampledTransaction `json:"sampled_transactions"`
}

// AccountPeriod identifies the account and statement period.
type AccountPeriod struct {
	AccountID      string `json:"account_id"`
	Currency       string `json:"currency,omitempty"`
	Start          string `json:"start"`
	End            string `json:"end"`
	OpeningBalance string `json:"opening_balance"`
	ClosingBalance string `json:"closing_balance,omitempty"`
}

// NotableFinding is a compact rendering of an anomaly or integrity finding.
type NotableFinding struct {
	Source      string  `json:"source"` // anomaly or integrity
	Kind        string  `json:"kind"`
	Severity    float64 `json:"severity,omitempty"`
	Result      string  `json:"result,omitempty"`
	Explanation string  `json:"explanation"`
}

// SampledTransaction is one transaction line as shown to the service.
type SampledTransaction struct {
	Index        int    `json:"index"`
	Date         string `json:"date"`
	Description  string `json:"description"`
	Amount       string `json:"amount"`
	BalanceAfter string `json:"balance_after,omitempty"`
}

// Summarize builds the bounded summary. Transactions referenced by findings
// are sampled first, the rest of the budget is filled with evenly spaced lines.
func Summarize(stmt *domain.Statement, anomalies []domain.AnomalyFinding, integrity []domain.IntegrityFinding, limits Limits) Summary {
	s := Summary{
		AccountPeriod: AccountPeriod{
			AccountID:      stmt.AccountID,
			Currency:       stmt.Currency,
			Start:          stmt.PeriodStart.Format(time.DateOnly),
			End:            stmt.PeriodEnd.Format(time.DateOnly),
			OpeningBalance: stmt.OpeningBalance.Decimal.StringFixed(2),
		},
		TransactionCount:    len(stmt.Transactions),
		NotableFindings:     []NotableFinding{},
		SampledTransactions: []SampledTransaction{},
	}
	if stmt.ClosingBalance.Valid {
		s.AccountPeriod.ClosingBalance = stmt.ClosingBalance.Decimal.StringFixed(2)
	}

	for _, f := range integrity {
		if f.Result == domain.ResultPass {
			continue
		}
		s.NotableFindings = append(s.NotableFindings, NotableFinding{
			Source:      "integrity",
			Kind:        string(f.Check),
			Result:      string(f.Result),
			Explanation: f.Evidence,
		})
	}
	for _, f := range anomalies {
		s.NotableFindings = append(s.NotableFindings, NotableFinding{
			Source:      "anomaly",
			Kind:        string(f.Kind),
			Severity:    f.Severity,
			Explanation: f.Evidence.Explanation,
		})
	}
	if limits.MaxNotableFindings > 0 && len(s.NotableFindings) > limits.MaxNotableFindings {
		s.NotableFindings = s.NotableFindings[:limits.MaxNotableFindings]
	}

	for _, i := range sampleIndexes(len(stmt.Transactions), anomalies, limits.MaxSamples) {
		tx := stmt.Transactions[i]
		st := SampledTransaction{
			Index:       i,
			Date:        tx.Day().Format(time.DateOnly),
			Description: tx.Description,
			Amount:      tx.Amount.StringFixed(2),
		}
		if tx.BalanceAfter.Valid {
			st.BalanceAfter = tx.BalanceAfter.Decimal.StringFixed(2)
		}
		s.SampledTransactions = append(s.SampledTransactions, st)
	}

	return s
}

// sampleIndexes returns at most limit ascending transaction indexes.
func sampleIndexes(n int, anomalies []domain.AnomalyFinding, limit int) []int {
	if limit <= 0 || n == 0 {
		return nil
	}
	limit = min(limit, n)

	chosen := make(map[int]bool, limit)
	picked := make([]int, 0, limit)
	pick := func(i int) {
		if i >= 0 && i < n && !chosen[i] && len(picked) < limit {
			chosen[i] = true
			picked = append(picked, i)
		}
	}

	for _, f := range anomalies {
		for _, i := range f.Evidence.TransactionIndexes {
			pick(i)
		}
	}

	if remaining := limit - len(picked); remaining > 0 {
		step := float64(n) / float64(remaining)
		for k := 0; k < remaining; k++ {
			pick(int(float64(k) * step))
		}
		// Collisions with referenced lines leave gaps; fill them in order.
		for i := 0; i < n && len(picked) < limit; i++ {
			pick(i)
		}
	}

	slices.Sort(picked)
	return picked
}

// Key returns a stable content hash of the summary, used as a cache key.
func (s Summary) Key() string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
