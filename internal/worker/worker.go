// Package worker evaluates statements published to the event bus.
package worker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Evaluator scores one statement. *pipeline.Pipeline satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, stmt *domain.Statement) (*domain.FraudVerdict, error)
}

// Config sizes the worker pool.
type Config struct {
	// WorkerCount bounds how many statements are evaluated at once.
	WorkerCount int
}

// Worker evaluates statements from TopicStatementIngested on a fixed pool of
// goroutines. The Evaluator persists and publishes the verdicts.
type Worker struct {
	bus       domain.EventBus
	evaluator Evaluator

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan *domain.Message
	quit   chan struct{}
	pool   sync.WaitGroup

	mu   sync.Mutex
	subs []domain.Subscription

	processed atomic.Int64
	malformed atomic.Int64
	failed    atomic.Int64
}

func NewWorker(bus domain.EventBus, evaluator Evaluator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		evaluator: evaluator,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(chan *domain.Message),
		quit:      make(chan struct{}),
	}
}

// Start launches the pool and subscribes to ingested statements.
func (w *Worker) Start(cfg Config) error {
	size := max(cfg.WorkerCount, 1)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicStatementIngested, w.enqueue)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.subs = append(w.subs, sub)
	w.mu.Unlock()

	for range size {
		w.pool.Add(1)
		go w.run()
	}

	slog.Info("statement worker started", "topic", domain.TopicStatementIngested, "pool_size", size)
	return nil
}

// enqueue hands msg to an idle pool goroutine. It blocks while all of them
// are busy, so a slow pool holds back the subscription.
func (w *Worker) enqueue(ctx context.Context, msg *domain.Message) error {
	select {
	case w.jobs <- msg:
		return nil
	case <-w.quit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run() {
	defer w.pool.Done()
	for {
		select {
		case <-w.quit:
			return
		case msg := <-w.jobs:
			w.process(msg)
		}
	}
}

// process decodes and evaluates one message. Log lines carry the request and
// trace IDs of the publishing HTTP call, when known.
func (w *Worker) process(msg *domain.Message) {
	log := slog.With(
		"message_id", msg.ID,
		"request_id", msg.Metadata[domain.MetaRequestID],
		"trace_id", msg.Metadata[domain.MetaTraceID],
	)

	stmt, err := domain.DecodeStatement(bytes.NewReader(msg.Payload))
	if err != nil {
		w.malformed.Add(1)
		log.Warn("rejected malformed statement", "error", err)
		return
	}
	log = log.With("statement_id", stmt.ID)

	verdict, err := w.evaluator.Evaluate(w.ctx, stmt)
	switch {
	case errors.Is(err, domain.ErrMalformedStatement):
		w.malformed.Add(1)
		log.Warn("rejected malformed statement", "error", err)
	case err != nil:
		w.failed.Add(1)
		log.Error("statement evaluation failed", "error", err)
	default:
		w.processed.Add(1)
		log.Debug("statement processed", "verdict_id", verdict.ID, "category", verdict.Category)
	}
}

// Stop unsubscribes, lets running evaluations finish and stops the pool.
// A stopped Worker cannot be restarted.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}

	select {
	case <-w.quit:
	default:
		close(w.quit)
	}
	w.pool.Wait()
	w.cancel()

	s := w.Stats()
	slog.Info("statement worker stopped", "processed", s.Processed, "malformed", s.Malformed, "failed", s.Failed)
	return nil
}

// Stats is a point-in-time view of a Worker.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Malformed         int64    `json:"malformed"`
	Failed            int64    `json:"failed"`
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subs))
	for i, sub := range w.subs {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: len(topics),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Malformed:         w.malformed.Load(),
		Failed:            w.failed.Load(),
	}
}
