package engine

import (
	"sync"
	"time"
)

type sampleKey struct {
	entity string
	ts     int64
}

// DedupeCache drops samples already seen for the same entity and timestamp,
// as happens on broker redelivery.
type DedupeCache struct {
	mu    sync.Mutex
	items map[sampleKey]time.Time
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[sampleKey]time.Time)}
}

func (d *DedupeCache) Seen(entity string, ts time.Time, now time.Time, ttl time.Duration) bool {
	key := sampleKey{entity: entity, ts: ts.UnixNano()}
	d.mu.Lock()
	defer d.mu.Unlock()
	if seen, ok := d.items[key]; ok && now.Sub(seen) <= ttl {
		return true
	}
	d.items[key] = now
	if len(d.items) > 10000 {
		for k, seen := range d.items {
			if now.Sub(seen) > ttl {
				delete(d.items, k)
			}
		}
	}
	return false
}

func (d *DedupeCache) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = make(map[sampleKey]time.Time)
}
