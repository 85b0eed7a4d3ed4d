package cache

import "sync/atomic"

// Stats is a point-in-time view of a cache. Entries and Capacity describe the
// in-process tier and stay zero for a Redis-only cache.
type Stats struct {
	Hits     uint64
	Misses   uint64
	Entries  int
	Capacity int
}

// HitRatio is hits over lookups, or zero before the first lookup.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Observable is implemented by every cache in this package.
type Observable interface {
	Stats() Stats
}

type lookups struct {
	hits   atomic.Uint64
	misses atomic.Uint64
}

func (l *lookups) record(hit bool) {
	if hit {
		l.hits.Add(1)
		return
	}
	l.misses.Add(1)
}

func (l *lookups) snapshot() Stats {
	return Stats{Hits: l.hits.Load(), Misses: l.misses.Load()}
}
