package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultNearTTL = 5 * time.Minute

// TieredCache consults an in-process LRU before a shared far cache and copies
// far hits into the near tier for at most nearTTL.
type TieredCache struct {
	near    *LRUCache
	far     domain.Cache
	nearTTL time.Duration
	lookups lookups
}

// NewTieredCache layers near over far. A non-positive nearTTL means five minutes.
func NewTieredCache(near *LRUCache, far domain.Cache, nearTTL time.Duration) *TieredCache {
	if nearTTL <= 0 {
		nearTTL = defaultNearTTL
	}
	return &TieredCache{near: near, far: far, nearTTL: nearTTL}
}

func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if value, ok, err := c.near.Get(ctx, key); err != nil || ok {
		if ok {
			c.lookups.record(true)
		}
		return value, ok, err
	}

	value, ok, err := c.far.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	c.lookups.record(ok)
	if ok {
		_ = c.near.Set(ctx, key, value, c.nearTTL)
	}
	return value, ok, nil
}

// Set always fills the near tier, even when the far write fails.
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	nearTTL := c.nearTTL
	if ttl > 0 {
		nearTTL = min(nearTTL, ttl)
	}
	if err := c.near.Set(ctx, key, value, nearTTL); err != nil {
		return err
	}
	return c.far.Set(ctx, key, value, ttl)
}

func (c *TieredCache) Delete(ctx context.Context, key string) error {
	return errors.Join(c.near.Delete(ctx, key), c.far.Delete(ctx, key))
}

func (c *TieredCache) Ping(ctx context.Context) error {
	if err := c.far.Ping(ctx); err != nil {
		return fmt.Errorf("far tier: %w", err)
	}
	return nil
}

func (c *TieredCache) Close() error {
	return errors.Join(c.near.Close(), c.far.Close())
}

// Stats counts a lookup once, whichever tier answered it.
func (c *TieredCache) Stats() Stats {
	s := c.lookups.snapshot()
	near := c.near.Stats()
	s.Entries, s.Capacity = near.Entries, near.Capacity
	return s
}
