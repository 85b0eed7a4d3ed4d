// Kestrel - Bank statement fraud scoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command kestrel-score scores statement files offline.
//
// Usage:
//
//	kestrel-score [-config cfg.json] [-labels labels.csv] [-json] statements/ one.json ...
//
// Each file holds one statement object or an array of them. Directories are
// scanned for *.json files. With -labels, verdicts are compared against a
// CSV of statement_id,label rows (label "1", "fraud" or "fraudulent" marks a
// known fraudulent statement) and detection metrics are printed.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/heuristic"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// input is one decoded statement, or the error that prevented decoding.
type input struct {
	Source    string
	Statement *domain.Statement
	Err       error
}

// Metrics tracks scoring results against known labels.
type Metrics struct {
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int

	Unlabelled int
	Errors     int
	Categories map[domain.Category]int
	Degraded   int
}

func main() {
	configPath := flag.String("config", "", "Path to a JSON config file")
	labelsPath := flag.String("labels", "", "CSV of statement_id,label for detection metrics")
	jsonOut := flag.Bool("json", false, "Write one verdict per line as JSON instead of a table")
	verbose := flag.Bool("verbose", false, "Log pipeline activity to stderr")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: kestrel-score [flags] <file-or-dir>...")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		flag.PrintDefaults()
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := domain.DefaultConfig()
	if *configPath != "" {
		loaded, err := domain.LoadConfigFile(*configPath, cfg)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		fatal(fmt.Errorf("invalid configuration: %w", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inputs, err := loadInputs(flag.Args())
	if err != nil {
		fatal(err)
	}

	var labels map[string]bool
	if *labelsPath != "" {
		if labels, err = readLabels(*labelsPath); err != nil {
			fatal(err)
		}
	}

	p, closeFn, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		fatal(err)
	}
	defer closeFn()

	start := time.Now()
	results := score(ctx, p, inputs)
	duration := time.Since(start)

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	if *jsonOut {
		writeJSONLines(out, results)
		return
	}

	m := tally(results, labels)
	printTable(out, results)
	printSummary(out, m, len(results), duration, labels != nil)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "kestrel-score: %v\n", err)
	os.Exit(1)
}

// buildPipeline wires an in-process pipeline without persistence or events.
func buildPipeline(ctx context.Context, cfg *domain.Config, logger *slog.Logger) (*pipeline.Pipeline, func(), error) {
	engine, err := rules.NewEngine(cfg.Pipeline.Concurrency)
	if err != nil {
		return nil, nil, err
	}
	if err := engine.LoadRule(domain.SuspiciousNarrativeRule()); err != nil {
		return nil, nil, err
	}

	scoreCache, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, nil, err
	}

	scorer, err := heuristic.NewScorer(ctx, cfg.Heuristic, scoreCache, logger)
	if err != nil {
		scoreCache.Close()
		return nil, nil, err
	}

	p := pipeline.New(cfg, pipeline.Deps{Rules: engine, Scorer: scorer})
	return p, func() { scoreCache.Close() }, nil
}

type scored struct {
	Source string
	pipeline.BatchResult
}

func score(ctx context.Context, p *pipeline.Pipeline, inputs []input) []scored {
	var stmts []*domain.Statement
	var owners []int
	results := make([]scored, len(inputs))

	for i, in := range inputs {
		results[i] = scored{Source: in.Source, BatchResult: pipeline.BatchResult{Index: i}}
		if in.Err != nil {
			results[i].Err = in.Err
			results[i].Error = in.Err.Error()
			continue
		}
		stmts = append(stmts, in.Statement)
		owners = append(owners, i)
	}

	for j, r := range p.EvaluateBatch(ctx, stmts) {
		i := owners[j]
		r.Index = i
		results[i].BatchResult = r
	}
	return results
}

// loadInputs expands directories and decodes every statement in the given
// paths. A file that cannot be read is an error; a statement that cannot be
// decoded is reported per input.
func loadInputs(paths []string) ([]input, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(path, "*.json"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}

	var inputs []input
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, decodeFile(file, data)...)
	}
	return inputs, nil
}

func decodeFile(name string, data []byte) []input {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("[")) {
		stmt, err := domain.DecodeStatement(bytes.NewReader(trimmed))
		return []input{{Source: name, Statement: stmt, Err: err}}
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return []input{{Source: name, Err: fmt.Errorf("%w: %w", domain.ErrMalformedStatement, err)}}
	}

	inputs := make([]input, len(raws))
	for i, raw := range raws {
		stmt, err := domain.DecodeStatement(bytes.NewReader(raw))
		inputs[i] = input{Source: fmt.Sprintf("%s[%d]", name, i), Statement: stmt, Err: err}
	}
	return inputs
}

// readLabels parses statement_id,label rows. A header row is skipped when
// its first cell is "statement_id".
func readLabels(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	labels := make(map[string]bool)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read labels: %w", err)
		}
		if len(record) < 2 || strings.EqualFold(record[0], "statement_id") {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(record[1])) {
		case "1", "true", "fraud", "fraudulent":
			labels[strings.TrimSpace(record[0])] = true
		default:
			labels[strings.TrimSpace(record[0])] = false
		}
	}
	return labels, nil
}

// tally builds the confusion matrix. Any verdict other than clean counts as
// a positive prediction.
func tally(results []scored, labels map[string]bool) *Metrics {
	m := &Metrics{Categories: make(map[domain.Category]int)}

	for _, r := range results {
		if r.Verdict == nil {
			m.Errors++
			continue
		}
		m.Categories[r.Verdict.Category]++
		if r.Verdict.HeuristicScore.Degraded {
			m.Degraded++
		}

		actual, ok := labels[r.Verdict.StatementID]
		if !ok {
			m.Unlabelled++
			continue
		}

		predicted := r.Verdict.Category != domain.CategoryClean
		switch {
		case predicted && actual:
			m.TruePositives++
		case predicted && !actual:
			m.FalsePositives++
		case !predicted && !actual:
			m.TrueNegatives++
		default:
			m.FalseNegatives++
		}
	}
	return m
}

func writeJSONLines(w io.Writer, results []scored) {
	enc := json.NewEncoder(w)
	for _, r := range results {
		enc.Encode(struct {
			Source string `json:"source"`
			pipeline.BatchResult
		}{r.Source, r.BatchResult})
	}
}

func printTable(w io.Writer, results []scored) {
	fmt.Fprintf(w, "%-32s %-12s %7s %7s %7s %7s\n", "STATEMENT", "CATEGORY", "SCORE", "STAT", "INTEG", "HEUR")
	for _, r := range results {
		if r.Verdict == nil {
			fmt.Fprintf(w, "%-32s %-12s %s\n", truncate(r.Source, 32), "error", r.Error)
			continue
		}
		v := r.Verdict
		heur := fmt.Sprintf("%.2f", v.HeuristicScore.Confidence)
		if v.HeuristicScore.Degraded {
			heur = "n/a"
		}
		fmt.Fprintf(w, "%-32s %-12s %7.3f %7.3f %7.3f %7s\n",
			truncate(v.StatementID, 32), v.Category, v.OverallScore, v.StatisticalScore, v.IntegrityScore, heur)
	}
}

func printSummary(w io.Writer, m *Metrics, total int, duration time.Duration, labelled bool) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Scored %d statements in %v (%d errors, %d degraded heuristic)\n",
		total, duration.Round(time.Millisecond), m.Errors, m.Degraded)
	for _, c := range []domain.Category{domain.CategoryClean, domain.CategorySuspicious, domain.CategoryFraudulent} {
		fmt.Fprintf(w, "  %-12s %d\n", c, m.Categories[c])
	}

	if !labelled {
		return
	}

	precision := ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	recall := ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Confusion matrix (flagged = suspicious or fraudulent)")
	fmt.Fprintf(w, "                 flagged    clean\n")
	fmt.Fprintf(w, "  fraudulent   %8d %8d\n", m.TruePositives, m.FalseNegatives)
	fmt.Fprintf(w, "  genuine      %8d %8d\n", m.FalsePositives, m.TrueNegatives)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Precision:  %.4f\n", precision)
	fmt.Fprintf(w, "  Recall:     %.4f\n", recall)
	fmt.Fprintf(w, "  F1-Score:   %.4f\n", f1)
	if m.Unlabelled > 0 {
		fmt.Fprintf(w, "  Unlabelled: %d\n", m.Unlabelled)
	}
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}
