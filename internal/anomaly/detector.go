// Package anomaly scores statement transactions against their baseline.
// Every check is deterministic and free of side effects.
package anomaly

import (
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/baseline"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// RuleEvaluator produces rule-match findings for a statement.
// Implemented by rules.Engine.
type RuleEvaluator interface {
	EvaluateStatement(stmt *domain.Statement) []domain.AnomalyFinding
}

// Detector runs the statistical checks over a statement.
type Detector struct {
	cfg   domain.DetectionConfig
	rules RuleEvaluator
}

// NewDetector creates a detector. rules may be nil.
func NewDetector(cfg domain.DetectionConfig, rules RuleEvaluator) *Detector {
	return &Detector{cfg: cfg, rules: rules}
}

// Detect returns the anomaly findings for stmt in detection order:
// amount outliers, duplicates, balance discontinuities, frequency spikes,
// digit distribution, round-number bias, channel dominance, out-of-period
// lines, rule matches.
func (d *Detector) Detect(stmt *domain.Statement, b *baseline.Baseline) []domain.AnomalyFinding {
	var findings []domain.AnomalyFinding

	findings = append(findings, d.amountOutliers(stmt, b)...)
	findings = append(findings, d.duplicates(stmt)...)
	findings = append(findings, d.balanceDiscontinuities(stmt, b)...)
	findings = append(findings, d.frequencySpikes(stmt, b)...)
	if f, ok := d.digitDeviation(b); ok {
		findings = append(findings, f)
	}
	if f, ok := d.roundNumberBias(stmt, b); ok {
		findings = append(findings, f)
	}
	if f, ok := d.channelDominance(stmt); ok {
		findings = append(findings, f)
	}
	if f, ok := d.outOfPeriod(stmt); ok {
		findings = append(findings, f)
	}
	if d.rules != nil {
		findings = append(findings, d.rules.EvaluateStatement(stmt)...)
	}

	return findings
}

// amountOutliers flags transactions more than OutlierStdDevs away from the
// leave-one-out mean. Severity is 0.5 at the threshold and saturates at twice it.
func (d *Detector) amountOutliers(stmt *domain.Statement, b *baseline.Baseline) []domain.AnomalyFinding {
	var findings []domain.AnomalyFinding
	k := d.cfg.OutlierStdDevs

	for i, tx := range stmt.Transactions {
		z := b.ZScore(i)
		if z <= k {
			continue
		}
		mean, std, _ := b.LeaveOneOut(i)
		findings = append(findings, domain.AnomalyFinding{
			Kind:     domain.AnomalyAmountOutlier,
			Severity: clamp01(z/(2*k)) * b.Damping,
			Evidence: domain.Evidence{
				TransactionIndexes: []int{i},
				Explanation: fmt.Sprintf("amount %s is %.1f standard deviations from the mean %.2f (sd %.2f) of the other transactions",
					tx.Amount.StringFixed(2), z, mean, std),
			},
		})
	}
	return findings
}

// duplicates groups identical (date, amount, description) lines. With a
// positive DuplicateWindow, occurrences further apart than the window start a
// new group.
func (d *Detector) duplicates(stmt *domain.Statement) []domain.AnomalyFinding {
	var order []string
	groups := make(map[string][][]int)

	for i, tx := range stmt.Transactions {
		key := tx.Day().Format(time.DateOnly) + "|" + tx.Amount.String() + "|" + normalizeDescription(tx.Description)
		clusters, seen := groups[key]
		if !seen {
			order = append(order, key)
			groups[key] = [][]int{{i}}
			continue
		}
		last := clusters[len(clusters)-1]
		if d.cfg.DuplicateWindow > 0 && i-last[len(last)-1] > d.cfg.DuplicateWindow {
			groups[key] = append(clusters, []int{i})
			continue
		}
		clusters[len(clusters)-1] = append(last, i)
	}

	var findings []domain.AnomalyFinding
	for _, key := range order {
		for _, idx := range groups[key] {
			if len(idx) < 2 {
				continue
			}
			tx := stmt.Transactions[idx[0]]
			findings = append(findings, domain.AnomalyFinding{
				Kind:     domain.AnomalyDuplicate,
				Severity: clamp01(float64(len(idx)-1) * d.cfg.DuplicateSeverityStep),
				Count:    len(idx),
				Evidence: domain.Evidence{
					TransactionIndexes: idx,
					Explanation: fmt.Sprintf("%q for %s on %s appears %d times",
						tx.Description, tx.Amount.StringFixed(2), tx.Day().Format(time.DateOnly), len(idx)),
				},
			})
		}
	}
	return findings
}

// balanceDiscontinuities compares each printed balance with the ladder rung
// expected from the previous balance. Severity is always 1.0 and never damped.
func (d *Detector) balanceDiscontinuities(stmt *domain.Statement, b *baseline.Baseline) []domain.AnomalyFinding {
	var findings []domain.AnomalyFinding
	eps := d.cfg.BalanceEpsilon

	for i, tx := range stmt.Transactions {
		if !tx.BalanceAfter.Valid {
			continue
		}
		expected := b.BalanceLadder[i]
		if tx.BalanceAfter.Decimal.Sub(expected).Abs().GreaterThan(eps) {
			findings = append(findings, domain.AnomalyFinding{
				Kind:     domain.AnomalyBalanceDiscontinuity,
				Severity: 1.0,
				Evidence: domain.Evidence{
					TransactionIndexes: []int{i},
					Explanation: fmt.Sprintf("printed balance %s does not follow from previous balance plus amount (expected %s)",
						tx.BalanceAfter.Decimal.StringFixed(2), expected.StringFixed(2)),
				},
			})
		}
	}

	if stmt.ClosingBalance.Valid && stmt.ClosingBalance.Decimal.Sub(b.ExpectedClosing).Abs().GreaterThan(eps) {
		var idx []int
		if n := len(stmt.Transactions); n > 0 {
			idx = []int{n - 1}
		}
		findings = append(findings, domain.AnomalyFinding{
			Kind:     domain.AnomalyBalanceDiscontinuity,
			Severity: 1.0,
			Evidence: domain.Evidence{
				TransactionIndexes: idx,
				Explanation: fmt.Sprintf("reported closing balance %s does not match computed closing balance %s",
					stmt.ClosingBalance.Decimal.StringFixed(2), b.ExpectedClosing.StringFixed(2)),
			},
		})
	}

	return findings
}

// outOfPeriod reports transactions dated outside the stated period.
func (d *Detector) outOfPeriod(stmt *domain.Statement) (domain.AnomalyFinding, bool) {
	var idx []int
	for i, tx := range stmt.Transactions {
		if !stmt.Contains(tx.Date) {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return domain.AnomalyFinding{}, false
	}
	return domain.AnomalyFinding{
		Kind:     domain.AnomalyOutOfPeriod,
		Severity: d.cfg.OutOfPeriodSeverity,
		Count:    len(idx),
		Evidence: domain.Evidence{
			TransactionIndexes: idx,
			Explanation: fmt.Sprintf("%d transactions dated outside the stated period %s to %s",
				len(idx), stmt.PeriodStart.Format(time.DateOnly), stmt.PeriodEnd.Format(time.DateOnly)),
		},
	}, true
}

func normalizeDescription(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
