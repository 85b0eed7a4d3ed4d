package domain

import (
	"time"
)

// Category is the verdict band. Categories are ordered: clean < suspicious < fraudulent.
type Category string

const (
	CategoryClean      Category = "clean"
	CategorySuspicious Category = "suspicious"
	CategoryFraudulent Category = "fraudulent"
)

// Rank returns the ordinal of the category, used for ordering comparisons.
func (c Category) Rank() int {
	switch c {
	case CategoryClean:
		return 0
	case CategorySuspicious:
		return 1
	case CategoryFraudulent:
		return 2
	default:
		return -1
	}
}

// AtLeast lists the known categories ranked at or above c, mildest first.
// An unknown category yields nil.
func (c Category) AtLeast() []Category {
	if c.Rank() < 0 {
		return nil
	}
	var out []Category
	for _, k := range []Category{CategoryClean, CategorySuspicious, CategoryFraudulent} {
		if k.Rank() >= c.Rank() {
			out = append(out, k)
		}
	}
	return out
}

// HeuristicScore is the normalized answer of the external scoring service.
type HeuristicScore struct {
	Confidence float64 `json:"confidence"` // 0.0 - 1.0
	Rationale  string  `json:"rationale"`

	// Degraded is true when the score was synthesized by the fallback path
	// rather than returned by the live service.
	Degraded bool `json:"degraded"`
}

// ChannelWeights are the weights actually applied to each scoring channel.
type ChannelWeights struct {
	Statistical float64 `json:"statistical"`
	Integrity   float64 `json:"integrity"`
	Heuristic   float64 `json:"heuristic"`
}

// FraudVerdict is the final decision for one statement.
// It is built once by the aggregator and never mutated afterwards.
type FraudVerdict struct {
	ID          string `json:"id"`
	StatementID string `json:"statementId"`
	AccountID   string `json:"accountId"`

	OverallScore     float64  `json:"overallScore"`
	StatisticalScore float64  `json:"statisticalScore"`
	IntegrityScore   float64  `json:"integrityScore"`
	Category         Category `json:"category"`

	// Findings in detection order.
	AnomalyFindings   []AnomalyFinding   `json:"anomalyFindings"`
	IntegrityFindings []IntegrityFinding `json:"integrityFindings"`

	HeuristicScore HeuristicScore `json:"heuristicScore"`
	Weights        ChannelWeights `json:"weights"`

	LowConfidenceBaseline bool `json:"lowConfidenceBaseline,omitempty"`

	// ConfidenceNote is present whenever an input signal was degraded or inconclusive.
	ConfidenceNote string `json:"confidenceNote,omitempty"`

	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// Reasons returns a human-readable line per non-trivial finding.
func (v *FraudVerdict) Reasons() []string {
	var reasons []string
	for _, f := range v.AnomalyFindings {
		if f.Severity > 0 {
			reasons = append(reasons, string(f.Kind)+": "+f.Evidence.Explanation)
		}
	}
	for _, f := range v.IntegrityFindings {
		if f.Failed() {
			reasons = append(reasons, string(f.Check)+": "+f.Evidence)
		}
	}
	return reasons
}
