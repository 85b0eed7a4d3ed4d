package heuristic

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// NewScorer builds the Scorer selected by cfg.Provider. cache may be nil.
func NewScorer(ctx context.Context, cfg domain.HeuristicConfig, cache domain.Cache, logger *slog.Logger) (Scorer, error) {
	var transport Transport
	switch cfg.Provider {
	case "", "none":
		return Disabled{}, nil
	case "http":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("heuristic provider http requires an endpoint")
		}
		transport = NewHTTPTransport(cfg.Endpoint, cfg.APIKey, nil)
	case "gemini":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("heuristic provider gemini requires an API key")
		}
		gt, err := NewGeminiTransport(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		transport = gt
	default:
		return nil, fmt.Errorf("unsupported heuristic provider: %s", cfg.Provider)
	}

	var scorer Scorer = NewClient(transport, cfg, logger)
	if cfg.CacheEnabled && cache != nil {
		scorer = NewCachedScorer(scorer, cache, time.Duration(cfg.CacheTTLSecs)*time.Second, logger)
	}
	return scorer, nil
}
