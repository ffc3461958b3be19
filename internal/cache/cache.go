package cache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/util"
)

// evictFraction is the share of entries dropped when an insert would
// exceed capacity. Evicting a batch keeps eviction off the hot path
// instead of paying a full scan per insert.
const evictFraction = 0.2

type entry[V any] struct {
	value      V
	expiresAt  time.Time
	createdAt  time.Time
	lastAccess atomic.Int64 // unix nanos, updated lock-free on reads
	accesses   atomic.Int64
}

// Cache is an in-process key/value store with per-entry TTL, lazy expiry
// on Get, a background sweep, and approximate-LRU capacity eviction.
// Namespacing is done with separate instances, never key prefixes, so
// cross-namespace collisions are structurally impossible.
type Cache[K comparable, V any] struct {
	name       string
	maxSize    int
	defaultTTL time.Duration

	mu      sync.RWMutex
	entries map[K]*entry[V]

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
}

// Stats is a read-only snapshot of cache counters.
type Stats struct {
	Name       string  `json:"name"`
	Size       int     `json:"size"`
	MaxSize    int     `json:"max_size"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	Sets       int64   `json:"sets"`
	Deletes    int64   `json:"deletes"`
	Evictions  int64   `json:"evictions"`
	Expired    int64   `json:"expired"`
	Operations int64   `json:"operations"`
}

// New creates a named cache instance. A cleanupInterval of zero disables
// the background sweep; entries still expire lazily on Get.
func New[K comparable, V any](name string, maxSize int, defaultTTL, cleanupInterval time.Duration) *Cache[K, V] {
	c := &Cache[K, V]{
		name:       name,
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		entries:    make(map[K]*entry[V]),
		stop:       make(chan struct{}),
	}

	if cleanupInterval > 0 {
		go c.sweep(cleanupInterval)
	}

	return c
}

// Set stores value under key. A non-positive ttl falls back to the
// cache's default TTL.
func (c *Cache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictLocked()
	}

	e := &entry[V]{
		value:     value,
		expiresAt: now.Add(ttl),
		createdAt: now,
	}
	e.lastAccess.Store(now.UnixNano())
	c.entries[key] = e
	c.sets.Add(1)
}

// Get returns the value for key. An expired entry is removed as a side
// effect and reported as a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return zero, false
	}

	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have
		// refreshed the entry.
		if cur, still := c.entries[key]; still && cur == e {
			delete(c.entries, key)
			c.expired.Add(1)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return zero, false
	}

	e.lastAccess.Store(time.Now().UnixNano())
	e.accesses.Add(1)
	c.hits.Add(1)
	return e.value, true
}

// Has reports whether key holds an unexpired entry without counting a
// hit or refreshing recency.
func (c *Cache[K, V]) Has(key K) bool {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	return ok && time.Now().Before(e.expiresAt)
}

// Delete removes key if present.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.deletes.Add(1)
	}
	c.mu.Unlock()
}

// GetOrSet returns the cached value for key, or computes it with factory
// and stores it for ttl. The factory error is returned as-is and nothing
// is cached on failure.
func (c *Cache[K, V]) GetOrSet(key K, ttl time.Duration, factory func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err := factory()
	if err != nil {
		var zero V
		return zero, err
	}

	c.Set(key, v, ttl)
	return v, nil
}

// Len returns the current number of entries, expired or not.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Name:       c.name,
		Size:       size,
		MaxSize:    c.maxSize,
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate,
		Sets:       c.sets.Load(),
		Deletes:    c.deletes.Load(),
		Evictions:  c.evictions.Load(),
		Expired:    c.expired.Load(),
		Operations: total + c.sets.Load() + c.deletes.Load(),
	}
}

// Close stops the background sweep. Entries remain readable.
func (c *Cache[K, V]) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// RemoveExpired drops every expired entry and returns how many were
// removed. Called by the sweep and exposed for opportunistic cleanup.
func (c *Cache[K, V]) RemoveExpired() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		c.expired.Add(int64(removed))
	}
	return removed
}

func (c *Cache[K, V]) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := c.RemoveExpired(); removed > 0 {
				util.Debug("Cache sweep removed expired entries",
					zap.String("cache", c.name),
					zap.Int("removed", removed))
			}
		case <-c.stop:
			return
		}
	}
}

// evictLocked drops the least-recently-accessed ~20% of entries. Expired
// entries go first; recency ordering is approximate, not strict LRU.
// Caller holds the write lock.
func (c *Cache[K, V]) evictLocked() {
	now := time.Now()

	expired := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			expired++
		}
	}
	if expired > 0 {
		c.expired.Add(int64(expired))
	}

	target := int(float64(c.maxSize) * evictFraction)
	if target < 1 {
		target = 1
	}
	if len(c.entries) <= c.maxSize-target {
		return
	}

	type victim struct {
		key  K
		seen int64
	}
	candidates := make([]victim, 0, len(c.entries))
	for k, e := range c.entries {
		candidates = append(candidates, victim{key: k, seen: e.lastAccess.Load()})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].seen < candidates[j].seen
	})

	evicted := 0
	for _, v := range candidates {
		if evicted >= target {
			break
		}
		delete(c.entries, v.key)
		evicted++
	}
	c.evictions.Add(int64(evicted))

	util.Debug("Cache capacity eviction",
		zap.String("cache", c.name),
		zap.Int("evicted", evicted),
		zap.Int("expired", expired))
}
