// Package cache memoizes terminal decisions by idempotency key. Lookup is
// exact-match only: fuzzy reuse could hand a materially different
// transaction someone else's decision. Entries expire by TTL; the engine
// treats every cache failure as a miss.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/Aidin1998/sentinex/pkg/metrics"
	"github.com/Aidin1998/sentinex/pkg/models"
)

// Cache is the result cache contract.
type Cache interface {
	// Get returns the live decision stored under key, if any.
	Get(ctx context.Context, key string) (*models.Decision, bool, error)
	// Put stores a decision under key for ttl.
	Put(ctx context.Context, key string, d *models.Decision, ttl time.Duration) error
}

type memoryEntry struct {
	decision  models.Decision
	expiresAt time.Time
}

// MemoryCache is the in-process backend: a bounded map with lazy TTL expiry
// on read. On overflow the entry closest to expiry is evicted; unexpired
// entries are never dropped under memory pressure alone.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]memoryEntry
	maxEntries int
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewMemoryCache creates a memory cache bounded to maxEntries; zero or
// negative means unbounded.
func NewMemoryCache(maxEntries int, m *metrics.Metrics) *MemoryCache {
	if m == nil {
		m = metrics.NewNop()
	}
	return &MemoryCache{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
		metrics:    m,
		now:        time.Now,
	}
}

// Get returns a copy of the stored decision so callers can annotate it
// without mutating cache state. Expired entries are removed on read.
func (c *MemoryCache) Get(_ context.Context, key string) (*models.Decision, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.metrics.CacheMisses.WithLabelValues("memory").Inc()
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		// Re-check: a Put may have refreshed the entry meanwhile.
		if current, still := c.entries[key]; still && c.now().After(current.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		c.metrics.CacheMisses.WithLabelValues("memory").Inc()
		return nil, false, nil
	}

	decision := entry.decision
	c.metrics.CacheHits.WithLabelValues("memory").Inc()
	return &decision, true, nil
}

// Put stores the decision under key. A write race on the same key keeps
// the later write; both derive from identical inputs, so either is valid.
func (c *MemoryCache) Put(_ context.Context, key string, d *models.Decision, ttl time.Duration) error {
	if d == nil || ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictClosestToExpiryLocked()
	}
	c.entries[key] = memoryEntry{decision: *d, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) evictClosestToExpiryLocked() {
	var victim string
	var earliest time.Time
	for key, entry := range c.entries {
		if victim == "" || entry.expiresAt.Before(earliest) {
			victim = key
			earliest = entry.expiresAt
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}

// Len reports the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
