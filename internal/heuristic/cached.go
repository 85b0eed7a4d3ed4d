package heuristic

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const cacheKeyPrefix = "heuristic:"

// CachedScorer memoizes live scores by summary content. Degraded scores are
// never cached so a recovered service is consulted again.
type CachedScorer struct {
	inner  Scorer
	cache  domain.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedScorer wraps inner with cache.
func NewCachedScorer(inner Scorer, cache domain.Cache, ttl time.Duration, logger *slog.Logger) *CachedScorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedScorer{inner: inner, cache: cache, ttl: ttl, logger: logger}
}

// Score implements Scorer.
func (s *CachedScorer) Score(ctx context.Context, summary Summary) domain.HeuristicScore {
	key := cacheKeyPrefix + summary.Key()

	data, hit, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("heuristic cache read failed", "error", err)
	}
	if hit {
		var cached domain.HeuristicScore
		if err := json.Unmarshal(data, &cached); err == nil {
			return cached
		}
		s.logger.Warn("discarding unreadable cached score", "key", key)
	}

	score := s.inner.Score(ctx, summary)
	if score.Degraded {
		return score
	}

	if data, err := json.Marshal(score); err == nil {
		if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
			s.logger.Warn("heuristic cache write failed", "error", err)
		}
	}
	return score
}
