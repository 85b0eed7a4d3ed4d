package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/heuristic"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// app is the wired server. Closers run in reverse order of construction.
type app struct {
	server  *api.Server
	worker  *worker.Worker
	closers []func() error
}

func newApp(ctx context.Context, cfg *domain.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("repository: %w", err)
	}
	a.closers = append(a.closers, repo.Close)

	scoreCache, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	a.closers = append(a.closers, scoreCache.Close)

	eventBus, err := bus.New(cfg.EventBus)
	if err != nil {
		return nil, fmt.Errorf("event bus: %w", err)
	}
	a.closers = append(a.closers, eventBus.Close)

	engine, err := rules.NewEngine(cfg.Pipeline.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("rule engine: %w", err)
	}
	if err := loadRules(ctx, repo, engine); err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	scorer, err := heuristic.NewScorer(ctx, cfg.Heuristic, scoreCache, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("heuristic scorer: %w", err)
	}

	recorder := metrics.New()
	watch(recorder, scoreCache, eventBus)

	p := pipeline.New(cfg, pipeline.Deps{
		Rules:      engine,
		Scorer:     scorer,
		Repository: repo,
		Bus:        eventBus,
		Metrics:    recorder,
	})

	a.worker = worker.NewWorker(eventBus, p)
	if err := a.worker.Start(worker.Config{WorkerCount: cfg.Pipeline.Concurrency}); err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}

	handler := api.NewHandler(p, repo, scoreCache, eventBus, engine, Version)
	a.server = api.NewServer(cfg.Server, handler, recorder.Handler())

	slog.Info("components ready",
		"rules", engine.RulesCount(),
		"workers", cfg.Pipeline.Concurrency,
	)
	return a, nil
}

// watch exports cache and bus counters when the backends keep them.
func watch(recorder *metrics.Recorder, c domain.Cache, b domain.EventBus) {
	if o, ok := c.(cache.Observable); ok {
		if err := recorder.WatchCache(o.Stats); err != nil {
			slog.Warn("score cache metrics unavailable", "error", err)
		}
	}
	if o, ok := b.(bus.Observable); ok {
		if err := recorder.WatchBus(o.Stats); err != nil {
			slog.Warn("event bus metrics unavailable", "error", err)
		}
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// loadRules loads stored narrative rules into the engine. An empty store is
// seeded with the built-in suspicious narrative rule.
func loadRules(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	stored, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list stored rules, using the built-in rule", "error", err)
		return engine.LoadRule(domain.SuspiciousNarrativeRule())
	}
	if len(stored) > 0 {
		return engine.LoadRules(stored)
	}

	seed := domain.SuspiciousNarrativeRule()
	if err := repo.SaveRuleConfig(ctx, seed); err != nil {
		slog.Warn("failed to seed default rule", "id", seed.ID, "error", err)
	} else {
		slog.Info("seeded default rule", "id", seed.ID)
	}
	return engine.LoadRule(seed)
}
