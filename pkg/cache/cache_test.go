package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestCache_GetPut(t *testing.T) {
	c := New[string, int](DefaultConfig())

	c.Put("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Put("a", 2)
	v, ok = c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())

	_, ok = c.Get("missing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Size)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](DefaultConfig().WithMaxEntries(2))

	c.Put("a", 1)
	c.Put("b", 2)
	_, _ = c.Get("a")
	c.Put("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "b was least recently used")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCache_TTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New[string, string](DefaultConfig().WithTTL(time.Minute))
	c.now = clock.Now

	c.Put("k", "v")
	clock.Advance(30 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)

	clock.Advance(31 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Expirations)
}

func TestCache_NoTTL(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := New[int, int](DefaultConfig().WithTTL(0))
	c.now = clock.Now

	c.Put(1, 1)
	clock.Advance(24 * time.Hour)
	_, ok := c.Get(1)
	assert.True(t, ok)
}

func TestCache_DeleteClear(t *testing.T) {
	c := New[string, int](nil)
	c.Put("a", 1)
	c.Put("b", 2)

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Stats().Size)
}

func TestCache_StatsDisabled(t *testing.T) {
	c := New[string, int](DefaultConfig().WithStats(false))
	c.Put("a", 1)
	_, _ = c.Get("a")
	assert.Equal(t, Stats{}, c.Stats())
}

func TestCache_Concurrent(t *testing.T) {
	c := New[int, int](DefaultConfig().WithMaxEntries(64))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := (g*500 + i) % 128
				c.Put(k, i)
				_, _ = c.Get(k)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 64)
}

func TestKey(t *testing.T) {
	assert.Equal(t, Key("main", "orders"), Key("main", "orders"))
	assert.NotEqual(t, Key("ab", "c"), Key("a", "bc"))
	assert.NotEqual(t, Key("main"), Key("other"))
}

func TestStatsCollector(t *testing.T) {
	s := NewStatsCollector()
	assert.Equal(t, float64(0), s.HitRate())

	s.RecordHit()
	s.RecordHit()
	s.RecordHit()
	s.RecordMiss()
	s.UpdateSize(7)

	stats := s.GetStats()
	assert.Equal(t, uint64(3), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, int64(7), stats.Size)
	assert.False(t, stats.LastUpdated.IsZero())
	assert.InDelta(t, 0.75, s.HitRate(), 1e-9)
}

func ExampleKey() {
	fmt.Println(Key("main") == Key("main"))
	// Output: true
}
