package cache

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(maxSize int) *Cache[string, string] {
	return New[string, string]("test", maxSize, time.Minute, 0)
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newTestCache(10)
	defer c.Close()

	c.Set("k", "v", time.Minute)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestGetMissing(t *testing.T) {
	c := newTestCache(10)
	defer c.Close()

	_, ok := c.Get("absent")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestLazyExpiry(t *testing.T) {
	c := newTestCache(10)
	defer c.Close()

	c.Set("k", "v", 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry removed as a side effect of Get")
	assert.Equal(t, int64(1), c.Stats().Expired)
}

func TestHasDoesNotCountHit(t *testing.T) {
	c := newTestCache(10)
	defer c.Close()

	c.Set("k", "v", time.Minute)
	assert.True(t, c.Has("k"))
	assert.False(t, c.Has("other"))
	assert.Equal(t, int64(0), c.Stats().Hits)
}

func TestDelete(t *testing.T) {
	c := newTestCache(10)
	defer c.Close()

	c.Set("k", "v", time.Minute)
	c.Delete("k")

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Deletes)
}

func TestGetOrSet(t *testing.T) {
	c := newTestCache(10)
	defer c.Close()

	calls := 0
	factory := func() (string, error) {
		calls++
		return "computed", nil
	}

	v, err := c.GetOrSet("k", time.Minute, factory)
	require.NoError(t, err)
	assert.Equal(t, "computed", v)

	v, err = c.GetOrSet("k", time.Minute, factory)
	require.NoError(t, err)
	assert.Equal(t, "computed", v)
	assert.Equal(t, 1, calls, "second call served from cache")
}

func TestGetOrSetFactoryError(t *testing.T) {
	c := newTestCache(10)
	defer c.Close()

	wantErr := errors.New("boom")
	_, err := c.GetOrSet("k", time.Minute, func() (string, error) {
		return "", wantErr
	})
	require.ErrorIs(t, err, wantErr)
	assert.False(t, c.Has("k"), "nothing cached on factory failure")
}

func TestSetRefreshesEntry(t *testing.T) {
	c := newTestCache(10)
	defer c.Close()

	c.Set("k", "old", 20*time.Millisecond)
	c.Set("k", "new", time.Minute)
	time.Sleep(40 * time.Millisecond)

	got, ok := c.Get("k")
	require.True(t, ok, "refreshed TTL keeps the entry alive")
	assert.Equal(t, "new", got)
}

func TestCapacityEvictionDropsLeastRecent(t *testing.T) {
	c := newTestCache(10)
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("k%d", i), "v", time.Minute)
		time.Sleep(time.Millisecond)
	}

	// Touch everything except k0 and k1 so they are the coldest.
	for i := 2; i < 10; i++ {
		_, ok := c.Get(fmt.Sprintf("k%d", i))
		require.True(t, ok)
	}

	c.Set("k10", "v", time.Minute)

	assert.False(t, c.Has("k0"))
	assert.False(t, c.Has("k1"))
	assert.True(t, c.Has("k10"))
	assert.Equal(t, int64(2), c.Stats().Evictions, "a fifth of capacity evicted")
	assert.LessOrEqual(t, c.Len(), 10)
}

func TestEvictionPrefersExpired(t *testing.T) {
	c := newTestCache(5)
	defer c.Close()

	c.Set("stale", "v", 10*time.Millisecond)
	for i := 0; i < 4; i++ {
		c.Set(fmt.Sprintf("k%d", i), "v", time.Minute)
	}
	time.Sleep(20 * time.Millisecond)

	c.Set("fresh", "v", time.Minute)

	assert.False(t, c.Has("stale"))
	for i := 0; i < 4; i++ {
		assert.True(t, c.Has(fmt.Sprintf("k%d", i)), "live entries survive when expired ones cover the target")
	}
}

func TestRemoveExpired(t *testing.T) {
	c := newTestCache(10)
	defer c.Close()

	c.Set("a", "v", 10*time.Millisecond)
	c.Set("b", "v", 10*time.Millisecond)
	c.Set("c", "v", time.Minute)
	time.Sleep(20 * time.Millisecond)

	removed := c.RemoveExpired()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())
}

func TestBackgroundSweep(t *testing.T) {
	c := New[string, string]("sweep", 10, time.Minute, 20*time.Millisecond)
	defer c.Close()

	c.Set("k", "v", 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return c.Len() == 0
	}, time.Second, 10*time.Millisecond, "sweep removes expired entries without Get traffic")
}

func TestStats(t *testing.T) {
	c := newTestCache(10)
	defer c.Close()

	c.Set("k", "v", time.Minute)
	c.Get("k")
	c.Get("k")
	c.Get("absent")

	stats := c.Stats()
	assert.Equal(t, "test", stats.Name)
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 0.001)
	assert.Equal(t, int64(1), stats.Sets)
	assert.Equal(t, int64(4), stats.Operations)
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int, int]("concurrent", 200, time.Minute, 0)
	defer c.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := (g*100 + i) % 150
				c.Set(key, key, time.Minute)
				if v, ok := c.Get(key); ok {
					assert.Equal(t, key, v)
				}
				c.Has(key)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 200)
}

func TestSetAggregatesInstances(t *testing.T) {
	set := NewSet()

	a := New[string, int]("a", 10, time.Minute, 0)
	b := New[string, string]("b", 10, time.Millisecond, 0)
	set.Register(a)
	set.Register(b)

	a.Set("k", 1, 0)
	a.Get("k")
	b.Set("k", "v", 0)
	time.Sleep(5 * time.Millisecond)

	stats := set.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "a", stats[0].Name)
	assert.Equal(t, int64(1), stats[0].Hits)
	assert.Equal(t, "b", stats[1].Name)

	assert.Equal(t, 1, set.RemoveExpired(), "only the stale entry in b is swept")

	set.Close()
	set.Close() // idempotent

	// Registration after close shuts the instance down immediately; the
	// set does not keep it.
	late := New[string, int]("late", 10, time.Minute, 0)
	set.Register(late)
	assert.Len(t, set.Stats(), 2)
}
