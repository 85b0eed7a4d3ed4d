package verdict

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func passing() []domain.IntegrityFinding {
	return []domain.IntegrityFinding{
		{Check: domain.CheckMetadataInconsistency, Result: domain.ResultPass},
		{Check: domain.CheckRevisionAnomaly, Result: domain.ResultPass},
		{Check: domain.CheckStructuralChecksum, Result: domain.ResultPass},
		{Check: domain.CheckFontEncoding, Result: domain.ResultPass},
	}
}

func live(c float64) domain.HeuristicScore {
	return domain.HeuristicScore{Confidence: c, Rationale: "model review"}
}

func newAggregator() *Aggregator {
	return NewAggregator(domain.DefaultConfig().Aggregation)
}

func TestAggregate(t *testing.T) {
	agg := newAggregator()
	evaluatedAt := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("CleanStatement", func(t *testing.T) {
		v := agg.Aggregate(Input{
			VerdictID:   "v-1",
			StatementID: "s-1",
			AccountID:   "a-1",
			EvaluatedAt: evaluatedAt,
			Integrity:   passing(),
			Heuristic:   live(0.05),
		})

		if v.Category != domain.CategoryClean {
			t.Errorf("expected clean, got %s", v.Category)
		}
		if v.IntegrityScore != 0 || v.StatisticalScore != 0 {
			t.Errorf("expected zero channel scores, got stat=%.2f integrity=%.2f", v.StatisticalScore, v.IntegrityScore)
		}
		if v.ConfidenceNote != "" {
			t.Errorf("expected no confidence note, got %q", v.ConfidenceNote)
		}
		if v.ID != "v-1" || v.StatementID != "s-1" || v.AccountID != "a-1" || !v.EvaluatedAt.Equal(evaluatedAt) {
			t.Errorf("identity fields not carried: %+v", v)
		}
	})

	t.Run("LargeOutlier", func(t *testing.T) {
		anomalies := []domain.AnomalyFinding{{Kind: domain.AnomalyAmountOutlier, Severity: 1.0}}

		for _, h := range []domain.HeuristicScore{live(0.1), {Degraded: true}} {
			v := agg.Aggregate(Input{Anomalies: anomalies, Integrity: passing(), Heuristic: h})
			if v.StatisticalScore < 0.9 {
				t.Errorf("expected statistical score >= 0.9, got %.2f", v.StatisticalScore)
			}
			if v.Category == domain.CategoryClean {
				t.Errorf("outlier statement must not be clean (score %.2f)", v.OverallScore)
			}
		}
	})

	t.Run("BalanceHardOverride", func(t *testing.T) {
		v := agg.Aggregate(Input{
			Anomalies: []domain.AnomalyFinding{
				{Kind: domain.AnomalyRoundNumberBias, Severity: 0.1},
				{Kind: domain.AnomalyBalanceDiscontinuity, Severity: 1.0},
			},
			Integrity: passing(),
			Heuristic: live(0),
		})
		if v.StatisticalScore != 1.0 {
			t.Errorf("expected statistical score 1.0, got %.2f", v.StatisticalScore)
		}
	})

	t.Run("IntegrityFailure", func(t *testing.T) {
		integrity := passing()
		integrity[1].Result = domain.ResultFail
		v := agg.Aggregate(Input{Integrity: integrity, Heuristic: live(0)})
		if v.IntegrityScore != 1.0 {
			t.Errorf("expected integrity score 1.0, got %.2f", v.IntegrityScore)
		}
		if math.Abs(v.OverallScore-0.3) > 1e-9 {
			t.Errorf("expected overall 0.3, got %.4f", v.OverallScore)
		}
		if v.Category != domain.CategorySuspicious {
			t.Errorf("expected suspicious, got %s", v.Category)
		}
	})

	t.Run("InconclusiveContributesNothing", func(t *testing.T) {
		integrity := passing()
		integrity[2].Result = domain.ResultInconclusive
		v := agg.Aggregate(Input{Integrity: integrity, Heuristic: live(0)})
		if v.IntegrityScore != 0 {
			t.Errorf("expected integrity score 0, got %.2f", v.IntegrityScore)
		}
		if !strings.Contains(v.ConfidenceNote, "structural-checksum-mismatch") {
			t.Errorf("expected inconclusive check in note, got %q", v.ConfidenceNote)
		}
	})

	t.Run("DegradedHeuristicRenormalises", func(t *testing.T) {
		integrity := passing()
		integrity[0].Result = domain.ResultFail
		v := agg.Aggregate(Input{
			Integrity: integrity,
			Heuristic: domain.HeuristicScore{Degraded: true, Rationale: "heuristic scoring service unavailable: timeout"},
		})

		w := v.Weights
		if w.Heuristic != 0 {
			t.Errorf("expected heuristic weight 0, got %.2f", w.Heuristic)
		}
		if math.Abs(w.Statistical+w.Integrity-1) > 1e-9 {
			t.Errorf("expected weights to sum to 1, got %.4f", w.Statistical+w.Integrity)
		}
		if math.Abs(v.OverallScore-0.375) > 1e-9 {
			t.Errorf("expected overall 0.375, got %.4f", v.OverallScore)
		}
		if !strings.Contains(v.ConfidenceNote, "degraded") {
			t.Errorf("expected degraded note, got %q", v.ConfidenceNote)
		}
	})

	t.Run("DataQualityNotes", func(t *testing.T) {
		v := agg.Aggregate(Input{
			Integrity:             passing(),
			Heuristic:             live(0),
			LowConfidenceBaseline: true,
			DigitCheckSkipped:     true,
		})
		if !v.LowConfidenceBaseline {
			t.Error("expected low-confidence flag")
		}
		if !strings.Contains(v.ConfidenceNote, "low-confidence") || !strings.Contains(v.ConfidenceNote, "leading-digit") {
			t.Errorf("unexpected note %q", v.ConfidenceNote)
		}
	})
}

func TestDuplicateCountRaisesScore(t *testing.T) {
	agg := newAggregator()
	twice := agg.StatisticalScore([]domain.AnomalyFinding{{Kind: domain.AnomalyDuplicate, Severity: 0.25, Count: 2}})
	thrice := agg.StatisticalScore([]domain.AnomalyFinding{{Kind: domain.AnomalyDuplicate, Severity: 0.5, Count: 3}})

	if twice <= 0 {
		t.Errorf("expected nonzero score for a duplicate pair, got %.2f", twice)
	}
	if thrice <= twice {
		t.Errorf("expected three occurrences (%.2f) to score above two (%.2f)", thrice, twice)
	}
}

func TestNoisyOrStaysBounded(t *testing.T) {
	agg := newAggregator()
	var findings []domain.AnomalyFinding
	for range 50 {
		findings = append(findings, domain.AnomalyFinding{Kind: domain.AnomalyAmountOutlier, Severity: 0.9})
	}
	if s := agg.StatisticalScore(findings); s < 0 || s > 1 {
		t.Errorf("score out of bounds: %.4f", s)
	}
}

func TestCategoryMonotonic(t *testing.T) {
	agg := newAggregator()
	prev := -1
	for i := 0; i <= 1000; i++ {
		score := float64(i) / 1000
		rank := agg.Categorize(score).Rank()
		if rank < prev {
			t.Fatalf("category rank decreased at score %.3f", score)
		}
		prev = rank
	}

	if agg.Categorize(0.2999) != domain.CategoryClean ||
		agg.Categorize(0.3) != domain.CategorySuspicious ||
		agg.Categorize(0.6999) != domain.CategorySuspicious ||
		agg.Categorize(0.7) != domain.CategoryFraudulent {
		t.Error("default bands not applied")
	}
}

func TestOverallScoreBounds(t *testing.T) {
	cfg := domain.DefaultConfig().Aggregation
	cfg.StatisticalWeight, cfg.IntegrityWeight, cfg.HeuristicWeight = 0.9, 0.9, 0.9
	agg := NewAggregator(cfg)

	integrity := passing()
	integrity[3].Result = domain.ResultFail
	for _, sev := range []float64{0, 0.3, 1} {
		for _, h := range []float64{0, 0.5, 1} {
			v := agg.Aggregate(Input{
				Anomalies: []domain.AnomalyFinding{{Kind: domain.AnomalyFrequencySpike, Severity: sev}},
				Integrity: integrity,
				Heuristic: live(h),
			})
			if v.OverallScore < 0 || v.OverallScore > 1 {
				t.Errorf("overall score out of bounds: %.4f", v.OverallScore)
			}
		}
	}
}

func TestVerdictIsDetachedFromInput(t *testing.T) {
	agg := newAggregator()
	anomalies := []domain.AnomalyFinding{{
		Kind:     domain.AnomalyDuplicate,
		Severity: 0.5,
		Evidence: domain.Evidence{TransactionIndexes: []int{1, 2, 3}},
	}}
	integrity := passing()

	v := agg.Aggregate(Input{Anomalies: anomalies, Integrity: integrity, Heuristic: live(0)})

	anomalies[0].Severity = 0
	anomalies[0].Evidence.TransactionIndexes[0] = 99
	integrity[0].Result = domain.ResultFail

	if v.AnomalyFindings[0].Severity != 0.5 || v.AnomalyFindings[0].Evidence.TransactionIndexes[0] != 1 {
		t.Error("verdict anomaly findings changed with caller's slice")
	}
	if v.IntegrityFindings[0].Result != domain.ResultPass {
		t.Error("verdict integrity findings changed with caller's slice")
	}
}

func TestAggregateDeterministic(t *testing.T) {
	agg := newAggregator()
	in := Input{
		VerdictID: "v-9",
		Anomalies: []domain.AnomalyFinding{
			{Kind: domain.AnomalyFrequencySpike, Severity: 0.4},
			{Kind: domain.AnomalyRuleMatch, Severity: 0.6},
		},
		Integrity: passing(),
		Heuristic: live(0.35),
	}
	first := agg.Aggregate(in)
	for range 10 {
		if got := agg.Aggregate(in); got.OverallScore != first.OverallScore || got.Category != first.Category {
			t.Fatalf("non-deterministic verdict: %.6f vs %.6f", got.OverallScore, first.OverallScore)
		}
	}
}
