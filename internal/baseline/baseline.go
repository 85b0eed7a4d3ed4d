// Package baseline builds the per-statement statistical expectation model
// that the anomaly detector judges transactions against.
package baseline

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// minStdDev keeps z-scores finite when every amount is identical.
const minStdDev = 0.01

// Baseline is derived from a statement's own transactions. It is read-only
// once built and safe to share between goroutines.
type Baseline struct {
	// Count is the number of transactions.
	Count int

	// Amount distribution over transaction magnitudes.
	MeanAmount   float64
	StdDevAmount float64

	// Frequency expectation over the stated period.
	PeriodDays     int
	ExpectedPerDay float64

	// Leading-digit model. BenfordExpected[d-1] is the expected share of
	// leading digit d; LeadingDigits[d-1] is the observed count.
	BenfordExpected [9]float64
	LeadingDigits   [9]int
	DigitSamples    int

	// BalanceLadder[i] is the balance expected after transaction i: the
	// previous printed balance (or the previous rung when none was printed,
	// starting from the opening balance) plus the transaction amount.
	BalanceLadder   []decimal.Decimal
	ExpectedClosing decimal.Decimal

	// LowConfidence is set when the statement has fewer transactions than
	// the configured minimum; Damping then scales amount and frequency severities.
	LowConfidence bool
	Damping       float64

	magnitudes    []float64
	sum, sumSq    float64
	stdFloorRatio float64
}

// Build derives a Baseline from a statement. It is a pure function of its inputs.
func Build(stmt *domain.Statement, cfg domain.DetectionConfig) *Baseline {
	n := len(stmt.Transactions)
	b := &Baseline{
		Count:           n,
		PeriodDays:      stmt.PeriodDays(),
		BenfordExpected: BenfordDistribution(),
		BalanceLadder:   make([]decimal.Decimal, n),
		Damping:         1.0,
		magnitudes:      make([]float64, n),
		stdFloorRatio:   cfg.StdDevFloorRatio,
	}

	running := stmt.OpeningBalance.Decimal
	for i, tx := range stmt.Transactions {
		m := tx.Magnitude()
		b.magnitudes[i] = m
		b.sum += m
		b.sumSq += m * m

		if d := LeadingDigit(tx.Amount); d > 0 {
			b.LeadingDigits[d-1]++
			b.DigitSamples++
		}

		expected := running.Add(tx.Amount)
		b.BalanceLadder[i] = expected
		if tx.BalanceAfter.Valid {
			running = tx.BalanceAfter.Decimal
		} else {
			running = expected
		}
	}
	b.ExpectedClosing = running

	if n > 0 {
		b.MeanAmount = b.sum / float64(n)
		b.StdDevAmount = math.Sqrt(math.Max(0, b.sumSq/float64(n)-b.MeanAmount*b.MeanAmount))
	}
	b.ExpectedPerDay = float64(n) / float64(b.PeriodDays)

	if cfg.MinTransactions > 0 && n < cfg.MinTransactions {
		b.LowConfidence = true
		b.Damping = float64(n) / float64(cfg.MinTransactions)
	}

	return b
}

// minLeaveOneOutOthers is the fewest other magnitudes that give a spread.
const minLeaveOneOutOthers = 2

// LeaveOneOut returns the mean and effective standard deviation of every
// magnitude except the one at index i, so a single extreme transaction cannot
// inflate its own baseline. With a single other magnitude there is no spread
// to leave out from, so the whole-sample mean and deviation are returned.
// ok is false when fewer than two transactions exist.
func (b *Baseline) LeaveOneOut(i int) (mean, stdDev float64, ok bool) {
	if b.Count < 2 || i < 0 || i >= b.Count {
		return 0, 0, false
	}
	if b.Count-1 < minLeaveOneOutOthers {
		return b.MeanAmount, b.effectiveStdDev(b.MeanAmount, b.StdDevAmount), true
	}
	x := b.magnitudes[i]
	n := float64(b.Count - 1)
	mean = (b.sum - x) / n
	variance := (b.sumSq-x*x)/n - mean*mean
	stdDev = math.Sqrt(math.Max(0, variance))
	return mean, b.effectiveStdDev(mean, stdDev), true
}

// ZScore returns how many standard deviations transaction i lies from the
// leave-one-out baseline.
func (b *Baseline) ZScore(i int) float64 {
	mean, std, ok := b.LeaveOneOut(i)
	if !ok {
		return 0
	}
	return math.Abs(b.magnitudes[i]-mean) / std
}

func (b *Baseline) effectiveStdDev(mean, std float64) float64 {
	floor := math.Max(b.stdFloorRatio*math.Abs(mean), minStdDev)
	return math.Max(std, floor)
}

// BenfordDistribution returns the expected leading-digit shares log10(1+1/d).
func BenfordDistribution() [9]float64 {
	var dist [9]float64
	for d := 1; d <= 9; d++ {
		dist[d-1] = math.Log10(1 + 1/float64(d))
	}
	return dist
}

// LeadingDigit returns the first significant digit of |amount|, or 0 for zero.
func LeadingDigit(amount decimal.Decimal) int {
	for _, r := range amount.Abs().String() {
		if r >= '1' && r <= '9' {
			return int(r - '0')
		}
	}
	return 0
}
