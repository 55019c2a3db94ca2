/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

type cacheEntry[K comparable, V any] struct {
	key         K
	value       V
	refreshedAt time.Time
}

// Stats is a snapshot of the cache usage counters.
// Hits, Misses, Evictions, and Expirations grow monotonically until ResetStats is called.
// An expired entry discovered on access or during a periodic cleanup
// is counted as an expiration, not as an eviction.
type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
	Size        int
	Capacity    int
}

// LRUCache represents an LRU cache with TTL-based expiration, usage statistics, and Prometheus metrics.
type LRUCache[K comparable, V any] struct {
	maxEntries int
	ttl        time.Duration

	mu      sync.Mutex
	lruList *list.List
	entries map[K]*list.Element // map of cache entries, value is a lruList element

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64

	metricsCollector MetricsCollector
}

// Options represents options for the cache.
type Options struct {
	// TTL is the time-to-live for the cache entries.
	// Zero means entries never expire.
	// Please note that expired entries are not removed immediately,
	// but only when they are accessed or during periodic cleanup (see RunPeriodicCleanup).
	TTL time.Duration
}

// New creates a new LRUCache with the provided maximum number of entries and metrics collector.
func New[K comparable, V any](maxEntries int, metricsCollector MetricsCollector) (*LRUCache[K, V], error) {
	return NewWithOpts[K, V](maxEntries, metricsCollector, Options{})
}

// NewWithOpts creates a new LRUCache with the provided maximum number of entries, metrics collector, and options.
// Metrics collector is used to collect statistics about cache usage.
// It can be nil, in this case, metrics will be disabled.
func NewWithOpts[K comparable, V any](maxEntries int, metricsCollector MetricsCollector, opts Options) (*LRUCache[K, V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries must be greater than 0")
	}
	if opts.TTL < 0 {
		return nil, fmt.Errorf("ttl must be greater or equal to 0 (no expiration)")
	}
	if metricsCollector == nil {
		metricsCollector = disabledMetrics{}
	}

	return &LRUCache[K, V]{
		maxEntries:       maxEntries,
		ttl:              opts.TTL,
		lruList:          list.New(),
		entries:          make(map[K]*list.Element),
		metricsCollector: metricsCollector,
	}, nil
}

// Get returns a value from the cache by the provided key.
// A found entry is promoted to the most-recently-used position.
// An entry whose age exceeds the TTL is removed and reported as absent.
func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, found := c.entries[key]
	if !found {
		c.misses.Inc()
		c.metricsCollector.IncMisses()
		return value, false
	}
	entry := elem.Value.(*cacheEntry[K, V])
	if c.expired(entry, time.Now()) {
		c.lruList.Remove(elem)
		delete(c.entries, key)
		c.expirations.Inc()
		c.misses.Inc()
		c.metricsCollector.AddExpirations(1)
		c.metricsCollector.IncMisses()
		c.metricsCollector.SetAmount(len(c.entries))
		return value, false
	}
	c.lruList.MoveToFront(elem)
	c.hits.Inc()
	c.metricsCollector.IncHits()
	return entry.value, true
}

// Set adds a value to the cache with the provided key.
// If the key already exists, its value is updated, its timestamp is reset,
// and the entry is promoted to the most-recently-used position.
// If the cache is full, the least-recently-used entry is evicted.
func (c *LRUCache[K, V]) Set(key K, value V) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value = &cacheEntry[K, V]{key: key, value: value, refreshedAt: now}
		return
	}
	c.addNew(key, value, now)
}

// GetOrAdd returns a value from the cache by the provided key.
// If the key does not exist, the value is obtained from the provider and added to the cache.
func (c *LRUCache[K, V]) GetOrAdd(key K, valueProvider func() V) (value V, exists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if elem, found := c.entries[key]; found {
		entry := elem.Value.(*cacheEntry[K, V])
		if !c.expired(entry, now) {
			c.lruList.MoveToFront(elem)
			c.hits.Inc()
			c.metricsCollector.IncHits()
			return entry.value, true
		}
		c.lruList.Remove(elem)
		delete(c.entries, key)
		c.expirations.Inc()
		c.metricsCollector.AddExpirations(1)
	}
	c.misses.Inc()
	c.metricsCollector.IncMisses()
	value = valueProvider()
	c.addNew(key, value, now)
	return value, false
}

// Remove removes a value from the cache by the provided key.
func (c *LRUCache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false
	}

	c.lruList.Remove(elem)
	delete(c.entries, key)
	c.metricsCollector.SetAmount(len(c.entries))
	return true
}

// Purge clears the cache.
// Statistics counters are a separate concern and are not reset (see ResetStats).
// Removed entries are not counted as evictions.
func (c *LRUCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metricsCollector.SetAmount(0)
	c.entries = make(map[K]*list.Element)
	c.lruList.Init()
}

// Resize changes the cache size and returns the number of evicted entries.
func (c *LRUCache[K, V]) Resize(size int) (evicted int) {
	if size <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.maxEntries = size
	evicted = len(c.entries) - size
	if evicted <= 0 {
		return 0
	}
	for i := 0; i < evicted; i++ {
		_ = c.removeOldest()
	}
	c.evictions.Add(int64(evicted))
	c.metricsCollector.SetAmount(len(c.entries))
	c.metricsCollector.AddEvictions(evicted)
	return evicted
}

// Len returns the number of items in the cache, including entries that are expired but not yet removed.
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache usage counters.
func (c *LRUCache[K, V]) Stats() Stats {
	c.mu.Lock()
	size, capacity := len(c.entries), c.maxEntries
	c.mu.Unlock()
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Size:        size,
		Capacity:    capacity,
	}
}

// ResetStats resets the cache usage counters. Entries are not affected.
func (c *LRUCache[K, V]) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
	c.expirations.Store(0)
}

func (c *LRUCache[K, V]) expired(entry *cacheEntry[K, V], now time.Time) bool {
	return c.ttl > 0 && now.Sub(entry.refreshedAt) >= c.ttl
}

func (c *LRUCache[K, V]) addNew(key K, value V, now time.Time) {
	c.entries[key] = c.lruList.PushFront(&cacheEntry[K, V]{key: key, value: value, refreshedAt: now})
	if len(c.entries) <= c.maxEntries {
		c.metricsCollector.SetAmount(len(c.entries))
		return
	}
	if evictedEntry := c.removeOldest(); evictedEntry != nil {
		c.evictions.Inc()
		c.metricsCollector.AddEvictions(1)
	}
	c.metricsCollector.SetAmount(len(c.entries))
}

func (c *LRUCache[K, V]) removeOldest() *cacheEntry[K, V] {
	elem := c.lruList.Back()
	if elem == nil {
		return nil
	}
	c.lruList.Remove(elem)
	entry := elem.Value.(*cacheEntry[K, V])
	delete(c.entries, entry.key)
	return entry
}

// RunPeriodicCleanup runs a cycle of periodic cleanup of expired entries.
// It bounds the staleness of entries that are never read again to one cleanup interval.
// Entries without expiration time are not affected.
// It's supposed to be run in a separate goroutine.
func (c *LRUCache[K, V]) RunPeriodicCleanup(ctx context.Context, cleanupInterval time.Duration) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			expired := 0
			for key, elem := range c.entries {
				if c.expired(elem.Value.(*cacheEntry[K, V]), now) {
					c.lruList.Remove(elem)
					delete(c.entries, key)
					expired++
				}
			}
			if expired > 0 {
				c.expirations.Add(int64(expired))
				c.metricsCollector.AddExpirations(expired)
			}
			c.metricsCollector.SetAmount(len(c.entries))
			c.mu.Unlock()
		}
	}
}
