package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisAddr   = "localhost:6379"
	defaultRedisPrefix = "kestrel:"
	redisConnectWait   = 5 * time.Second
)

// RedisCache shares scores between Kestrel nodes. Keys are namespaced by a
// configurable prefix so several deployments can share one Redis.
type RedisCache struct {
	client  *redis.Client
	prefix  string
	lookups lookups
}

// NewRedisCache connects to cfg.RedisAddr and fails if Redis does not answer.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	if opts.Addr == "" {
		opts.Addr = defaultRedisAddr
	}
	if t := cfg.RedisTimeout(); t > 0 {
		opts.DialTimeout = t
		opts.ReadTimeout = t
		opts.WriteTimeout = t
	}

	c := newRedisCache(redis.NewClient(opts), cfg.RedisKeyPrefix)

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectWait)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		_ = c.client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return c, nil
}

func newRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(k string) string { return c.prefix + k }

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, errEmptyKey
	}
	value, err := c.client.Get(ctx, c.key(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		c.lookups.record(false)
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	c.lookups.record(true)
	return value, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errEmptyKey
	}
	// go-redis treats zero as no expiry and negative as KEEPTTL.
	ttl = max(ttl, 0)
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Stats() Stats {
	return c.lookups.snapshot()
}
