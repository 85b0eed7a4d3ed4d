// Package verdict combines anomaly, integrity and heuristic signals into a
// FraudVerdict.
package verdict

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Aggregator applies the weighting policy. It performs no I/O.
type Aggregator struct {
	cfg domain.AggregationConfig
}

// NewAggregator creates an aggregator with the given policy.
func NewAggregator(cfg domain.AggregationConfig) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// Input contains all data needed for a verdict. The caller supplies the
// verdict ID and evaluation time so that Aggregate stays deterministic.
type Input struct {
	VerdictID   string
	StatementID string
	AccountID   string
	EvaluatedAt time.Time

	Anomalies []domain.AnomalyFinding
	Integrity []domain.IntegrityFinding
	Heuristic domain.HeuristicScore

	// Data-quality flags carried into the confidence note.
	LowConfidenceBaseline bool
	DigitCheckSkipped     bool
}

// Aggregate builds the verdict. Finding slices are copied so the verdict
// shares no memory with the caller.
func (a *Aggregator) Aggregate(in Input) *domain.FraudVerdict {
	statistical := a.StatisticalScore(in.Anomalies)
	integrity := IntegrityScore(in.Integrity)
	weights := a.Weights(in.Heuristic.Degraded)

	heuristic := 0.0
	if !in.Heuristic.Degraded {
		heuristic = clamp01(in.Heuristic.Confidence)
	}

	overall := clamp01(weights.Statistical*statistical + weights.Integrity*integrity + weights.Heuristic*heuristic)

	anomalies := slices.Clone(in.Anomalies)
	for i := range anomalies {
		anomalies[i].Evidence.TransactionIndexes = slices.Clone(anomalies[i].Evidence.TransactionIndexes)
	}

	return &domain.FraudVerdict{
		ID:                    in.VerdictID,
		StatementID:           in.StatementID,
		AccountID:             in.AccountID,
		OverallScore:          overall,
		StatisticalScore:      statistical,
		IntegrityScore:        integrity,
		Category:              a.Categorize(overall),
		AnomalyFindings:       anomalies,
		IntegrityFindings:     slices.Clone(in.Integrity),
		HeuristicScore:        in.Heuristic,
		Weights:               weights,
		LowConfidenceBaseline: in.LowConfidenceBaseline,
		ConfidenceNote:        confidenceNote(in),
		EvaluatedAt:           in.EvaluatedAt,
	}
}

// StatisticalScore combines anomaly severities as a weighted noisy-OR:
// 1 - prod(1 - w_kind * severity). Any balance discontinuity forces 1.0.
func (a *Aggregator) StatisticalScore(findings []domain.AnomalyFinding) float64 {
	miss := 1.0
	for _, f := range findings {
		if f.Kind == domain.AnomalyBalanceDiscontinuity {
			return 1.0
		}
		miss *= 1 - clamp01(a.kindWeight(f.Kind)*f.Severity)
	}
	return clamp01(1 - miss)
}

func (a *Aggregator) kindWeight(kind domain.AnomalyKind) float64 {
	if w, ok := a.cfg.KindWeights[kind]; ok {
		return w
	}
	return 1.0
}

// IntegrityScore is 1.0 if any check failed, else 0. Inconclusive checks
// contribute nothing.
func IntegrityScore(findings []domain.IntegrityFinding) float64 {
	for _, f := range findings {
		if f.Failed() {
			return 1.0
		}
	}
	return 0
}

// Weights returns the channel weights to apply. When the heuristic channel is
// degraded its weight is dropped and the other two are renormalised to sum to 1.
func (a *Aggregator) Weights(heuristicDegraded bool) domain.ChannelWeights {
	w := domain.ChannelWeights{
		Statistical: a.cfg.StatisticalWeight,
		Integrity:   a.cfg.IntegrityWeight,
		Heuristic:   a.cfg.HeuristicWeight,
	}
	if !heuristicDegraded {
		return w
	}

	remaining := w.Statistical + w.Integrity
	if remaining <= 0 {
		return domain.ChannelWeights{Statistical: 0.5, Integrity: 0.5}
	}
	return domain.ChannelWeights{
		Statistical: w.Statistical / remaining,
		Integrity:   w.Integrity / remaining,
	}
}

// Categorize maps a score to its band. Higher scores never map to a lower category.
func (a *Aggregator) Categorize(score float64) domain.Category {
	switch {
	case score >= a.cfg.FraudulentAt:
		return domain.CategoryFraudulent
	case score >= a.cfg.SuspiciousAt:
		return domain.CategorySuspicious
	default:
		return domain.CategoryClean
	}
}

func confidenceNote(in Input) string {
	var notes []string

	if in.Heuristic.Degraded {
		notes = append(notes, fmt.Sprintf("heuristic score degraded (%s); weights renormalised over statistical and integrity channels",
			in.Heuristic.Rationale))
	}

	var inconclusive []string
	for _, f := range in.Integrity {
		if f.Result == domain.ResultInconclusive {
			inconclusive = append(inconclusive, string(f.Check))
		}
	}
	if len(inconclusive) > 0 {
		notes = append(notes, "integrity checks inconclusive: "+strings.Join(inconclusive, ", "))
	}

	if in.LowConfidenceBaseline {
		notes = append(notes, "baseline is low-confidence; amount and frequency severities damped")
	}
	if in.DigitCheckSkipped {
		notes = append(notes, "leading-digit check skipped for too few transactions")
	}

	return strings.Join(notes, "; ")
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
