package anomaly

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/baseline"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// frequencySpikes flags calendar days whose transaction count exceeds
// FrequencyMultiplier times the expected daily rate.
func (d *Detector) frequencySpikes(stmt *domain.Statement, b *baseline.Baseline) []domain.AnomalyFinding {
	threshold := d.cfg.FrequencyMultiplier * b.ExpectedPerDay
	if threshold <= 0 {
		return nil
	}

	var days []time.Time
	buckets := make(map[time.Time][]int)
	for i, tx := range stmt.Transactions {
		day := tx.Day()
		if _, ok := buckets[day]; !ok {
			days = append(days, day)
		}
		buckets[day] = append(buckets[day], i)
	}

	var findings []domain.AnomalyFinding
	for _, day := range days {
		idx := buckets[day]
		count := float64(len(idx))
		if count <= threshold || len(idx) < d.cfg.FrequencyMinBucket {
			continue
		}
		findings = append(findings, domain.AnomalyFinding{
			Kind:     domain.AnomalyFrequencySpike,
			Severity: clamp01(count/(2*threshold)) * b.Damping,
			Count:    len(idx),
			Evidence: domain.Evidence{
				TransactionIndexes: idx,
				Explanation: fmt.Sprintf("%d transactions on %s against an expected %.2f per day",
					len(idx), day.Format(time.DateOnly), b.ExpectedPerDay),
			},
		})
	}
	return findings
}

// digitDeviation runs a chi-square goodness-of-fit test of leading digits
// against Benford's law. Statements below DigitMinTransactions are skipped.
func (d *Detector) digitDeviation(b *baseline.Baseline) (domain.AnomalyFinding, bool) {
	if !DigitCheckApplies(b, d.cfg) {
		return domain.AnomalyFinding{}, false
	}

	chi := ChiSquare(b)
	if chi <= d.cfg.DigitChiSquareThreshold {
		return domain.AnomalyFinding{}, false
	}
	return domain.AnomalyFinding{
		Kind:     domain.AnomalyDigitDeviation,
		Severity: clamp01(chi / (2 * d.cfg.DigitChiSquareThreshold)),
		Count:    b.DigitSamples,
		Evidence: domain.Evidence{
			Explanation: fmt.Sprintf("leading-digit distribution of %d amounts deviates from Benford's law (chi-square %.2f, threshold %.2f)",
				b.DigitSamples, chi, d.cfg.DigitChiSquareThreshold),
		},
	}, true
}

// DigitCheckApplies reports whether the statement has enough amounts for the
// leading-digit test to be meaningful.
func DigitCheckApplies(b *baseline.Baseline, cfg domain.DetectionConfig) bool {
	return b.Count >= cfg.DigitMinTransactions && b.DigitSamples > 0
}

// ChiSquare returns the chi-square statistic of the observed leading digits
// against the expected distribution (8 degrees of freedom).
func ChiSquare(b *baseline.Baseline) float64 {
	n := float64(b.DigitSamples)
	var chi float64
	for i, expectedShare := range b.BenfordExpected {
		expected := n * expectedShare
		if expected == 0 {
			continue
		}
		diff := float64(b.LeadingDigits[i]) - expected
		chi += diff * diff / expected
	}
	return chi
}

// roundNumberBias flags statements where an unusual share of non-zero amounts
// are exact multiples of RoundUnit.
func (d *Detector) roundNumberBias(stmt *domain.Statement, b *baseline.Baseline) (domain.AnomalyFinding, bool) {
	if b.Count < d.cfg.RoundMinTransactions || !d.cfg.RoundUnit.IsPositive() {
		return domain.AnomalyFinding{}, false
	}

	var idx []int
	nonZero := 0
	for i, tx := range stmt.Transactions {
		if tx.Amount.IsZero() {
			continue
		}
		nonZero++
		if tx.Amount.Abs().Mod(d.cfg.RoundUnit).IsZero() {
			idx = append(idx, i)
		}
	}
	if nonZero == 0 {
		return domain.AnomalyFinding{}, false
	}

	share := float64(len(idx)) / float64(nonZero)
	if share <= d.cfg.RoundShareThreshold {
		return domain.AnomalyFinding{}, false
	}
	return domain.AnomalyFinding{
		Kind:     domain.AnomalyRoundNumberBias,
		Severity: clamp01(share / (2 * d.cfg.RoundShareThreshold)),
		Count:    len(idx),
		Evidence: domain.Evidence{
			TransactionIndexes: idx,
			Explanation: fmt.Sprintf("%d of %d amounts (%.0f%%) are multiples of %s",
				len(idx), nonZero, math.Round(share*100), d.cfg.RoundUnit.String()),
		},
	}, true
}

// channelDominance flags a statement where one payment channel carries more
// than ChannelDominanceShare of the lines that name a channel. Channels
// compare case-insensitively; lines without one are ignored.
func (d *Detector) channelDominance(stmt *domain.Statement) (domain.AnomalyFinding, bool) {
	lines := make(map[string][]int)
	var order []string
	total := 0
	for i, tx := range stmt.Transactions {
		ch := strings.ToUpper(strings.TrimSpace(tx.Channel))
		if ch == "" {
			continue
		}
		if _, seen := lines[ch]; !seen {
			order = append(order, ch)
		}
		lines[ch] = append(lines[ch], i)
		total++
	}
	if total == 0 || total < d.cfg.ChannelMinTransactions {
		return domain.AnomalyFinding{}, false
	}

	var dominant string
	for _, ch := range order {
		if len(lines[ch]) > len(lines[dominant]) {
			dominant = ch
		}
	}
	idx := lines[dominant]
	share := float64(len(idx)) / float64(total)
	if share <= d.cfg.ChannelDominanceShare {
		return domain.AnomalyFinding{}, false
	}
	return domain.AnomalyFinding{
		Kind:     domain.AnomalyChannelDominance,
		Severity: clamp01(share / (2 * d.cfg.ChannelDominanceShare)),
		Count:    len(idx),
		Evidence: domain.Evidence{
			TransactionIndexes: idx,
			Explanation: fmt.Sprintf("channel %s carries %d of %d channelled transactions (%.0f%%)",
				dominant, len(idx), total, math.Round(share*100)),
		},
	}, true
}
