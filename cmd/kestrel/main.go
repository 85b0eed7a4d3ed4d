// Kestrel - Bank statement fraud scoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Set through -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to a JSON config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath, os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Logging, os.Stdout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("kestrel stopped", "error", err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then stops the API before the worker so
// queued statements finish scoring.
func run(ctx context.Context, cfg *domain.Config) error {
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"heuristic", cfg.Heuristic.Provider,
	)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ln, err := net.Listen("tcp", a.server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.server.Addr(), err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.Serve(ln) }()

	slog.Info("kestrel is ready", "addr", ln.Addr().String())
	printBanner(os.Stdout, cfg, ln.Addr().String())

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server did not shut down cleanly", "error", err)
	}
	if err := a.worker.Stop(); err != nil {
		slog.Error("failed to stop async worker", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

// loadConfig resolves configuration in order: tier defaults, config file,
// KESTREL_* environment variables.
func loadConfig(path string, getenv func(string) string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if getenv("KESTREL_TIER") == string(domain.TierPro) {
		cfg = domain.ProConfig()
	}

	if path != "" {
		loaded, err := domain.LoadConfigFile(path, cfg)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	if getenv("KESTREL_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds a JSON logger, or a text logger when format is "text".
// Unknown levels fall back to info.
func newLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

var endpoints = [][2]string{
	{"POST /statements/evaluate", "score a statement"},
	{"POST /statements/batch", "score a batch of statements"},
	{"POST /statements/ingest", "queue a statement for async scoring"},
	{"GET  /statements/{id}", "stored statement"},
	{"GET  /verdicts/{id}", "stored verdict"},
	{"GET  /accounts/{accountId}/verdicts", "an account's verdicts (?limit, ?minCategory)"},
	{"GET  /rules", "loaded narrative rules"},
	{"POST /rules", "store a narrative rule"},
	{"POST /rules/reload", "reload rules from the store"},
	{"GET  /health /ready /metrics", ""},
}

func printBanner(w io.Writer, cfg *domain.Config, addr string) {
	heuristicProvider := cfg.Heuristic.Provider
	if heuristicProvider == "" {
		heuristicProvider = "none"
	}

	fmt.Fprintf(w, "\n  KESTREL %s  bank statement fraud scoring\n\n", Version)
	fmt.Fprintf(w, "  tier       %s\n", cfg.Tier)
	fmt.Fprintf(w, "  heuristic  %s\n", heuristicProvider)
	fmt.Fprintf(w, "  listening  http://%s\n\n", addr)
	for _, e := range endpoints {
		if e[1] == "" {
			fmt.Fprintf(w, "    %s\n", e[0])
			continue
		}
		fmt.Fprintf(w, "    %-38s %s\n", e[0], e[1])
	}
	fmt.Fprintln(w)
}
