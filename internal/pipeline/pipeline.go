// Package pipeline wires the scoring components into a per-statement
// evaluation and a bounded-concurrency batch runner.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/baseline"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/heuristic"
	"github.com/opensource-finance/kestrel/internal/integrity"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/verdict"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kestrel-pipeline")

// Deps are the collaborators of a Pipeline. Only Scorer is required;
// nil Repository, Bus and Metrics disable persistence, publishing and metrics.
type Deps struct {
	Rules      anomaly.RuleEvaluator
	Scorer     heuristic.Scorer
	Repository domain.Repository
	Bus        domain.EventBus
	Metrics    *metrics.Recorder

	// Clock and NewID default to time.Now and uuid.NewString.
	Clock func() time.Time
	NewID func() string
}

// Pipeline evaluates statements.
type Pipeline struct {
	cfg        *domain.Config
	detector   *anomaly.Detector
	validator  *integrity.Validator
	aggregator *verdict.Aggregator
	deps       Deps
}

// New creates a pipeline for cfg.
func New(cfg *domain.Config, deps Deps) *Pipeline {
	if deps.Scorer == nil {
		deps.Scorer = heuristic.Disabled{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &Pipeline{
		cfg:        cfg,
		detector:   anomaly.NewDetector(cfg.Detection, deps.Rules),
		validator:  integrity.NewValidator(cfg.Integrity),
		aggregator: verdict.NewAggregator(cfg.Aggregation),
		deps:       deps,
	}
}

// Evaluate scores one statement. The only error is a malformed statement;
// heuristic, persistence and publishing failures never fail the evaluation.
// A statement without an ID is scored under a generated one; the caller's
// statement is never modified.
func (p *Pipeline) Evaluate(ctx context.Context, stmt *domain.Statement) (*domain.FraudVerdict, error) {
	start := p.deps.Clock()

	ctx, span := tracer.Start(ctx, "pipeline.Evaluate")
	defer span.End()

	if err := stmt.Validate(); err != nil {
		p.deps.Metrics.ObserveMalformed()
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed statement")
		return nil, err
	}
	if stmt.ID == "" {
		named := *stmt
		named.ID = p.deps.NewID()
		stmt = &named
	}
	span.SetAttributes(
		attribute.String("statement.id", stmt.ID),
		attribute.String("account.id", stmt.AccountID),
		attribute.Int("statement.transactions", len(stmt.Transactions)),
	)

	b := baseline.Build(stmt, p.cfg.Detection)
	anomalies := p.detector.Detect(stmt, b)
	integrityFindings := p.validator.Validate(stmt)

	summary := heuristic.Summarize(stmt, anomalies, integrityFindings, heuristic.LimitsFrom(p.cfg.Heuristic))
	score := p.scoreHeuristic(ctx, summary)

	v := p.aggregator.Aggregate(verdict.Input{
		VerdictID:             p.deps.NewID(),
		StatementID:           stmt.ID,
		AccountID:             stmt.AccountID,
		EvaluatedAt:           p.deps.Clock().UTC(),
		Anomalies:             anomalies,
		Integrity:             integrityFindings,
		Heuristic:             score,
		LowConfidenceBaseline: b.LowConfidence,
		DigitCheckSkipped:     !anomaly.DigitCheckApplies(b, p.cfg.Detection),
	})

	span.SetAttributes(
		attribute.String("verdict.category", string(v.Category)),
		attribute.Float64("verdict.score", v.OverallScore),
		attribute.Bool("heuristic.degraded", score.Degraded),
	)

	elapsed := p.deps.Clock().Sub(start)
	p.deps.Metrics.ObserveVerdict(v, elapsed)

	// Persistence and events outlive a cancelled request.
	detached := context.WithoutCancel(ctx)
	p.persist(detached, stmt, v)
	p.publish(detached, v)

	slog.Info("statement evaluated",
		"statement_id", stmt.ID,
		"account_id", stmt.AccountID,
		"category", v.Category,
		"score", v.OverallScore,
		"findings", len(v.AnomalyFindings),
		"heuristic_degraded", score.Degraded,
		"duration_ms", elapsed.Milliseconds(),
	)

	return v, nil
}

// Decode reads and validates one JSON statement, counting rejections in the
// malformed-statement metric.
func (p *Pipeline) Decode(r io.Reader) (*domain.Statement, error) {
	stmt, err := domain.DecodeStatement(r)
	if err != nil {
		p.deps.Metrics.ObserveMalformed()
		return nil, err
	}
	return stmt, nil
}

func (p *Pipeline) scoreHeuristic(ctx context.Context, summary heuristic.Summary) domain.HeuristicScore {
	ctx, span := tracer.Start(ctx, "heuristic.Score", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	score := p.deps.Scorer.Score(ctx, summary)
	span.SetAttributes(attribute.Bool("heuristic.degraded", score.Degraded))
	return score
}

func (p *Pipeline) persist(ctx context.Context, stmt *domain.Statement, v *domain.FraudVerdict) {
	if p.deps.Repository == nil || !p.cfg.Pipeline.PersistVerdicts {
		return
	}
	if err := p.deps.Repository.SaveStatement(ctx, stmt); err != nil {
		slog.Error("failed to save statement",
			"statement_id", stmt.ID,
			"error", err,
		)
	}
	if err := p.deps.Repository.SaveVerdict(ctx, v); err != nil {
		slog.Error("failed to save verdict",
			"statement_id", stmt.ID,
			"verdict_id", v.ID,
			"error", err,
		)
	}
}

func (p *Pipeline) publish(ctx context.Context, v *domain.FraudVerdict) {
	if p.deps.Bus == nil || !p.cfg.Pipeline.PublishVerdicts {
		return
	}
	topics := []string{domain.TopicVerdict}
	if v.Category == domain.CategoryFraudulent {
		topics = append(topics, domain.TopicAlert)
	}
	if err := bus.PublishJSON(ctx, p.deps.Bus, v, topics...); err != nil {
		slog.Error("failed to publish verdict",
			"verdict_id", v.ID,
			"category", v.Category,
			"error", err,
		)
	}
}

// BatchResult is the outcome for one statement of a batch, in input order.
// Exactly one of Verdict and Err is set.
type BatchResult struct {
	Index       int                  `json:"index"`
	StatementID string               `json:"statementId,omitempty"`
	Verdict     *domain.FraudVerdict `json:"verdict,omitempty"`
	Error       string               `json:"error,omitempty"`
	Err         error                `json:"-"`
}

// EvaluateBatch scores statements concurrently, at most Pipeline.Concurrency
// at a time. A malformed statement yields a per-item error and never aborts the
// batch. Cancelling ctx makes pending heuristic calls resolve degraded, so every
// well-formed statement still gets a verdict.
func (p *Pipeline) EvaluateBatch(ctx context.Context, stmts []*domain.Statement) []BatchResult {
	ctx, span := tracer.Start(ctx, "pipeline.EvaluateBatch",
		trace.WithAttributes(attribute.Int("batch.size", len(stmts))))
	defer span.End()

	results := make([]BatchResult, len(stmts))

	concurrency := p.cfg.Pipeline.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, stmt := range stmts {
		wg.Add(1)
		go func(idx int, s *domain.Statement) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			res := BatchResult{Index: idx}
			v, err := p.Evaluate(ctx, s)
			if err != nil {
				res.Err = err
				res.Error = err.Error()
				if s != nil {
					res.StatementID = s.ID
				}
			} else {
				res.Verdict = v
				res.StatementID = v.StatementID
			}
			results[idx] = res
		}(i, stmt)
	}

	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("batch.failed", failed))
	slog.Info("batch evaluated",
		"statements", len(stmts),
		"failed", failed,
	)

	return results
}
