package cache

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New builds the cache named by cfg.Type.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "", domain.CacheMemory:
		return NewLRUCache(cfg.MaxEntries), nil
	case domain.CacheRedis:
		return NewRedisCache(cfg)
	case domain.CacheTiered:
		far, err := NewRedisCache(cfg)
		if err != nil {
			return nil, err
		}
		return NewTieredCache(NewLRUCache(cfg.MaxEntries), far, cfg.NearTTL()), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}
