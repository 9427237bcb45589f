// Package cache provides an in-memory LRU cache with per-entry expiry.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// entry holds bookkeeping for one cached value.
type entry[K comparable, V any] struct {
	key       K
	value     V
	createdAt time.Time
	expiresAt time.Time
}

// Cache is a thread-safe LRU cache. Entries older than the configured TTL
// are treated as missing and removed on access.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	lru   *list.List // front = most recent
	items map[K]*list.Element
	stats *StatsCollector
	now   func() time.Time
}

// New creates a cache from cfg. A nil cfg uses DefaultConfig.
func New[K comparable, V any](cfg *Config) *Cache[K, V] {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	capacity := cfg.MaxEntries
	if capacity <= 0 {
		capacity = DefaultConfig().MaxEntries
	}
	c := &Cache[K, V]{
		cap:   capacity,
		ttl:   cfg.TTL,
		lru:   list.New(),
		items: make(map[K]*list.Element, capacity),
		now:   time.Now,
	}
	if cfg.EnableStats {
		c.stats = NewStatsCollector()
	}
	return c
}

// Get returns the cached value for key.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	ele, ok := c.items[key]
	if !ok {
		c.recordMiss()
		return zero, false
	}

	e := ele.Value.(*entry[K, V])
	if c.expired(e) {
		c.removeElement(ele)
		if c.stats != nil {
			c.stats.RecordExpiration()
		}
		c.recordMiss()
		return zero, false
	}

	c.lru.MoveToFront(ele)
	if c.stats != nil {
		c.stats.RecordHit()
	}
	return e.value, true
}

// Put inserts or replaces the value for key.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = now.Add(c.ttl)
	}

	if ele, ok := c.items[key]; ok {
		e := ele.Value.(*entry[K, V])
		e.value = value
		e.createdAt = now
		e.expiresAt = expiresAt
		c.lru.MoveToFront(ele)
		return
	}

	ele := c.lru.PushFront(&entry[K, V]{key: key, value: value, createdAt: now, expiresAt: expiresAt})
	c.items[key] = ele

	if len(c.items) > c.cap {
		c.evictOldest()
	}
	c.updateSize()
}

// Delete removes key from the cache.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ele, ok := c.items[key]; ok {
		c.removeElement(ele)
	}
}

// Clear empties the cache.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Init()
	c.items = make(map[K]*list.Element, c.cap)
	c.updateSize()
}

// Len returns the number of cached entries, including expired ones not yet removed.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns cache statistics. It returns the zero value when stats are disabled.
func (c *Cache[K, V]) Stats() Stats {
	if c.stats == nil {
		return Stats{}
	}
	return c.stats.GetStats()
}

func (c *Cache[K, V]) expired(e *entry[K, V]) bool {
	return !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt)
}

// evictOldest removes the LRU element (caller holds the lock).
func (c *Cache[K, V]) evictOldest() {
	ele := c.lru.Back()
	if ele == nil {
		return
	}
	c.removeElement(ele)
	if c.stats != nil {
		c.stats.RecordEviction()
	}
}

func (c *Cache[K, V]) removeElement(ele *list.Element) {
	c.lru.Remove(ele)
	delete(c.items, ele.Value.(*entry[K, V]).key)
	c.updateSize()
}

func (c *Cache[K, V]) recordMiss() {
	if c.stats != nil {
		c.stats.RecordMiss()
	}
}

func (c *Cache[K, V]) updateSize() {
	if c.stats != nil {
		c.stats.UpdateSize(int64(len(c.items)))
	}
}

// Key hashes the parts into a cache key. Parts are separated so that
// ("ab", "c") and ("a", "bc") produce different keys.
func Key(parts ...string) uint64 {
	return xxhash.Sum64String(strings.Join(parts, "\x00"))
}
