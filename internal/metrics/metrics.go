// Package metrics exposes Prometheus instruments for the scoring pipeline.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kestrel"

// Recorder holds the pipeline metrics on a private registry.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	verdicts  *prometheus.CounterVec
	findings  *prometheus.CounterVec
	heuristic *prometheus.CounterVec
	malformed prometheus.Counter
	latency   prometheus.Histogram
}

// New creates a Recorder with Go runtime and process collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Verdicts produced, by category.",
		}, []string{"category"}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomaly_findings_total",
			Help:      "Anomaly findings emitted, by kind.",
		}, []string{"kind"}),
		heuristic: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heuristic_scores_total",
			Help:      "Heuristic scores, by outcome (live or degraded).",
		}, []string{"outcome"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_statements_total",
			Help:      "Statements rejected as malformed.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Time to evaluate one statement.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
	}

	r.registry.MustRegister(
		r.verdicts, r.findings, r.heuristic, r.malformed, r.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveVerdict records a completed evaluation.
func (r *Recorder) ObserveVerdict(v *domain.FraudVerdict, elapsed time.Duration) {
	if r == nil || v == nil {
		return
	}
	r.verdicts.WithLabelValues(string(v.Category)).Inc()
	for _, f := range v.AnomalyFindings {
		r.findings.WithLabelValues(string(f.Kind)).Inc()
	}
	outcome := "live"
	if v.HeuristicScore.Degraded {
		outcome = "degraded"
	}
	r.heuristic.WithLabelValues(outcome).Inc()
	r.latency.Observe(elapsed.Seconds())
}

// ObserveMalformed records a rejected statement.
func (r *Recorder) ObserveMalformed() {
	if r == nil {
		return
	}
	r.malformed.Inc()
}

// WatchCache exposes the score cache's lookup counters and occupancy. The
// stats func is read on every scrape. Watching a second cache fails with a
// registration error.
func (r *Recorder) WatchCache(stats func() cache.Stats) error {
	if r == nil {
		return nil
	}
	return errors.Join(
		r.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "score_cache",
			Name:      "hits_total",
			Help:      "Heuristic score cache hits.",
		}, func() float64 { return float64(stats().Hits) })),
		r.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "score_cache",
			Name:      "misses_total",
			Help:      "Heuristic score cache misses.",
		}, func() float64 { return float64(stats().Misses) })),
		r.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "score_cache",
			Name:      "entries",
			Help:      "Entries held in process by the score cache.",
		}, func() float64 { return float64(stats().Entries) })),
	)
}

// WatchBus exposes event bus message counts by outcome.
func (r *Recorder) WatchBus(stats func() bus.Stats) error {
	if r == nil {
		return nil
	}
	outcomes := map[string]func(bus.Stats) uint64{
		"published": func(s bus.Stats) uint64 { return s.Published },
		"delivered": func(s bus.Stats) uint64 { return s.Delivered },
		"dropped":   func(s bus.Stats) uint64 { return s.Dropped },
		"failed":    func(s bus.Stats) uint64 { return s.Failed },
	}
	var errs []error
	for outcome, pick := range outcomes {
		errs = append(errs, r.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "bus",
			Name:        "messages_total",
			Help:        "Event bus messages, by outcome.",
			ConstLabels: prometheus.Labels{"outcome": outcome},
		}, func() float64 { return float64(pick(stats())) })))
	}
	return errors.Join(errs...)
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
