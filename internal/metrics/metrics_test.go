package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, r *Recorder, name, label, value string) float64 {
	t.Helper()
	families, err := r.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
			if label == "" {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestObserveVerdict(t *testing.T) {
	r := New()
	v := &domain.FraudVerdict{
		Category: domain.CategorySuspicious,
		AnomalyFindings: []domain.AnomalyFinding{
			{Kind: domain.AnomalyDuplicate},
			{Kind: domain.AnomalyDuplicate},
			{Kind: domain.AnomalyAmountOutlier},
		},
		HeuristicScore: domain.HeuristicScore{Degraded: true},
	}

	r.ObserveVerdict(v, 15*time.Millisecond)
	r.ObserveVerdict(v, 5*time.Millisecond)
	r.ObserveMalformed()

	assert.Equal(t, 2.0, counterValue(t, r, "kestrel_verdicts_total", "category", "suspicious"))
	assert.Equal(t, 4.0, counterValue(t, r, "kestrel_anomaly_findings_total", "kind", "duplicate-transaction"))
	assert.Equal(t, 2.0, counterValue(t, r, "kestrel_heuristic_scores_total", "outcome", "degraded"))
	assert.Equal(t, 1.0, counterValue(t, r, "kestrel_malformed_statements_total", "", ""))
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveVerdict(&domain.FraudVerdict{}, time.Second)
		r.ObserveMalformed()
	})
}

func TestHandler(t *testing.T) {
	r := New()
	r.ObserveVerdict(&domain.FraudVerdict{Category: domain.CategoryClean}, time.Millisecond)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `kestrel_verdicts_total{category="clean"} 1`)
	assert.Contains(t, string(body), "kestrel_evaluation_duration_seconds_bucket")
}

func TestWatchCache(t *testing.T) {
	r := New()
	c := cache.NewLRUCache(10)
	require.NoError(t, r.WatchCache(c.Stats))

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	_, _, _ = c.Get(ctx, "k")
	_, _, _ = c.Get(ctx, "k")
	_, _, _ = c.Get(ctx, "absent")

	assert.Equal(t, 2.0, counterValue(t, r, "kestrel_score_cache_hits_total", "", ""))
	assert.Equal(t, 1.0, counterValue(t, r, "kestrel_score_cache_misses_total", "", ""))

	families, err := r.Registry().Gather()
	require.NoError(t, err)
	var entries float64
	for _, mf := range families {
		if mf.GetName() == "kestrel_score_cache_entries" {
			entries = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 1.0, entries)

	assert.Error(t, r.WatchCache(c.Stats), "second cache must not register")

	var nilRecorder *Recorder
	assert.NoError(t, nilRecorder.WatchCache(c.Stats))
}

func TestWatchBus(t *testing.T) {
	r := New()
	b := bus.NewChannelBus(10)
	defer b.Close()
	require.NoError(t, r.WatchBus(b.Stats))

	ctx := context.Background()
	done := make(chan struct{})
	_, err := b.Subscribe(ctx, "metrics.topic", func(context.Context, *domain.Message) error {
		close(done)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "metrics.topic", []byte("x")))
	<-done

	assert.Equal(t, 1.0, counterValue(t, r, "kestrel_bus_messages_total", "outcome", "published"))
	assert.Equal(t, 1.0, counterValue(t, r, "kestrel_bus_messages_total", "outcome", "delivered"))
	assert.Equal(t, 0.0, counterValue(t, r, "kestrel_bus_messages_total", "outcome", "dropped"))
}
