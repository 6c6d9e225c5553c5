// ABOUTME: Tests for the relay publish dedupe cache.
// ABOUTME: Validates TTL expiry, size-bounded eviction, sweeping, and atomic observe.

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time without sleeping.
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
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, size int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(Options{TTL: ttl, MaxSize: size, SweepInterval: time.Hour})
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_ObserveNewThenDuplicate(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	assert.False(t, c.Observe("evt-1"), "first observation is not a duplicate")
	assert.True(t, c.Observe("evt-1"), "second observation is a duplicate")
	assert.True(t, c.Seen("evt-1"))
	assert.False(t, c.Seen("evt-2"))
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Observe("evt-1")
	clock.Advance(59 * time.Second)
	assert.True(t, c.Seen("evt-1"))

	clock.Advance(2 * time.Second)
	assert.False(t, c.Seen("evt-1"))
	assert.False(t, c.Observe("evt-1"), "expired key is treated as new")
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 3)

	c.Observe("first")
	c.Observe("second")
	c.Observe("third")
	c.Observe("fourth")

	assert.False(t, c.Seen("first"), "oldest key should be evicted")
	assert.True(t, c.Seen("second"))
	assert.True(t, c.Seen("fourth"))
	assert.Equal(t, 3, c.Len())
}

func TestCache_SweepRemovesExpired(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Observe("a")
	c.Observe("b")
	clock.Advance(2 * time.Minute)
	c.Observe("c")

	c.sweep()

	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("c"))
}

func TestCache_KeyScopesByChannel(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Observe(Key("chat:a", "msg-1"))
	assert.False(t, c.Seen(Key("chat:b", "msg-1")))
}

func TestCache_ObserveIsAtomic(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 100)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Go(func() {
			if !c.Observe("contested") {
				winners.Add(1)
			}
		})
	}
	wg.Wait()

	require.Equal(t, int32(1), winners.Load(), "exactly one caller should see the key as new")
}

func TestCache_CloseTwice(t *testing.T) {
	c := New(Options{TTL: time.Minute, MaxSize: 1})
	c.Close()
	c.Close()
}
