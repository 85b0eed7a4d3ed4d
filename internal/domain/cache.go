package domain

import (
	"context"
	"time"
)

// Cache stores heuristic scores keyed by summary digest.
type Cache interface {
	// Get reports whether key holds a live value.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key. A non-positive ttl keeps it until evicted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheTiered = "tiered"
)

// CacheConfig selects and sizes the score cache.
//
// A tiered cache answers from an in-process LRU first and falls back to Redis,
// so near entries live no longer than NearTTLSecs even when the far copy does.
type CacheConfig struct {
	Type string `json:"type"`

	MaxEntries  int `json:"maxEntries"`
	NearTTLSecs int `json:"nearTtlSecs"`

	RedisAddr      string `json:"redisAddr"`
	RedisPassword  string `json:"-"`
	RedisDB        int    `json:"redisDb"`
	RedisKeyPrefix string `json:"redisKeyPrefix"`
	RedisTimeoutMs int    `json:"redisTimeoutMs"`
}

// NearTTL is the lifetime of in-process copies in a tiered cache.
func (c CacheConfig) NearTTL() time.Duration {
	return time.Duration(c.NearTTLSecs) * time.Second
}

// RedisTimeout bounds dial, read and write on the Redis connection.
func (c CacheConfig) RedisTimeout() time.Duration {
	return time.Duration(c.RedisTimeoutMs) * time.Millisecond
}
