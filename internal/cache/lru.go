// Package cache memoizes heuristic scores in process, in Redis, or both.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

const defaultMaxEntries = 10000

var errEmptyKey = errors.New("cache key is required")

// LRUCache is a bounded in-process cache. Expired entries are dropped when
// they are looked up or pushed out by newer ones.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	index    map[string]*list.Element
	recency  *list.List // front is most recently used
	clock    func() time.Time
	lookups  lookups
}

type slot struct {
	key      string
	value    []byte
	deadline time.Time
}

func (s *slot) liveAt(now time.Time) bool {
	return s.deadline.IsZero() || now.Before(s.deadline)
}

// NewLRUCache holds at most capacity entries; non-positive means the default.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = defaultMaxEntries
	}
	return &LRUCache{
		capacity: capacity,
		index:    make(map[string]*list.Element, capacity),
		recency:  list.New(),
		clock:    time.Now,
	}
}

func (c *LRUCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, errEmptyKey
	}

	c.mu.Lock()
	value, ok := c.lookup(key)
	c.mu.Unlock()

	c.lookups.record(ok)
	return value, ok, nil
}

func (c *LRUCache) lookup(key string) ([]byte, bool) {
	el, ok := c.index[key]
	if !ok {
		return nil, false
	}
	s := el.Value.(*slot)
	if !s.liveAt(c.clock()) {
		c.drop(el)
		return nil, false
	}
	c.recency.MoveToFront(el)
	return s.value, true
}

func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errEmptyKey
	}

	var deadline time.Time
	if ttl > 0 {
		deadline = c.clock().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		s := el.Value.(*slot)
		s.value, s.deadline = value, deadline
		c.recency.MoveToFront(el)
		return nil
	}

	c.index[key] = c.recency.PushFront(&slot{key: key, value: value, deadline: deadline})
	for c.recency.Len() > c.capacity {
		c.drop(c.recency.Back())
	}
	return nil
}

func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.drop(el)
	}
	return nil
}

func (c *LRUCache) Ping(context.Context) error { return nil }

// Close discards every entry. The cache stays usable.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.index)
	c.recency.Init()
	return nil
}

// Len counts stored entries, including expired ones not yet dropped.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len()
}

func (c *LRUCache) Stats() Stats {
	s := c.lookups.snapshot()
	s.Entries = c.Len()
	s.Capacity = c.capacity
	return s
}

func (c *LRUCache) drop(el *list.Element) {
	delete(c.index, c.recency.Remove(el).(*slot).key)
}
