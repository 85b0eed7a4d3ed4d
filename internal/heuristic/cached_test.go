package heuristic

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *mapCache) Ping(context.Context) error { return nil }
func (c *mapCache) Close() error               { return nil }

type countingScorer struct {
	calls atomic.Int32
	score domain.HeuristicScore
}

func (s *countingScorer) Score(context.Context, Summary) domain.HeuristicScore {
	s.calls.Add(1)
	return s.score
}

func TestCachedScorer(t *testing.T) {
	summary := Summarize(sampleStatement(6), nil, nil, Limits{MaxSamples: 6})
	ctx := context.Background()

	t.Run("live scores are reused", func(t *testing.T) {
		inner := &countingScorer{score: domain.HeuristicScore{Confidence: 0.3, Rationale: "ok"}}
		cache := newMapCache()
		s := NewCachedScorer(inner, cache, time.Hour, testLogger())

		first := s.Score(ctx, summary)
		second := s.Score(ctx, summary)

		assert.Equal(t, first, second)
		assert.EqualValues(t, 1, inner.calls.Load())
		require.Len(t, cache.data, 1)
		for key := range cache.data {
			assert.Equal(t, cacheKeyPrefix+summary.Key(), key)
		}
	})

	t.Run("degraded scores are not cached", func(t *testing.T) {
		inner := &countingScorer{score: Degraded("timeout")}
		cache := newMapCache()
		s := NewCachedScorer(inner, cache, time.Hour, testLogger())

		s.Score(ctx, summary)
		s.Score(ctx, summary)

		assert.EqualValues(t, 2, inner.calls.Load())
		assert.Empty(t, cache.data)
	})

	t.Run("unreadable entries are recomputed", func(t *testing.T) {
		inner := &countingScorer{score: domain.HeuristicScore{Confidence: 0.4, Rationale: "fresh"}}
		cache := newMapCache()
		cache.data[cacheKeyPrefix+summary.Key()] = []byte("{")
		s := NewCachedScorer(inner, cache, time.Hour, testLogger())

		got := s.Score(ctx, summary)

		assert.Equal(t, "fresh", got.Rationale)
		assert.EqualValues(t, 1, inner.calls.Load())
	})
}
