// ABOUTME: Thread-safe TTL cache for suppressing repeated relay publishes.
// ABOUTME: Keys are scoped per channel so the same event ID on two channels stays distinct.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultSweepInterval is how often expired keys are swept when Options
// leaves SweepInterval unset.
const DefaultSweepInterval = time.Minute

// Options configures a Cache.
type Options struct {
	TTL           time.Duration
	MaxSize       int
	SweepInterval time.Duration
}

type entry struct {
	key    string
	seenAt time.Time
}

// Cache remembers keys for a bounded time and a bounded count. Insertion
// order is kept in a list so the oldest key is evicted in O(1).
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts its background sweeper.
func New(opts Options) *Cache {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop(opts.SweepInterval)
	return c
}

// Key joins a channel and an event ID into a cache key.
func Key(channel, id string) string {
	return channel + "\x00" + id
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// Observe marks key and reports whether it had already been seen within the
// TTL. The check and the mark happen under one lock.
func (c *Cache) Observe(key string) (duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return true
	}
	c.markLocked(key)
	return false
}

// Len returns the number of keys currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache) liveLocked(key string) bool {
	elem, ok := c.index[key]
	if !ok {
		return false
	}
	e, _ := elem.Value.(*entry)
	return c.now().Sub(e.seenAt) < c.ttl
}

func (c *Cache) markLocked(key string) {
	now := c.now()

	if elem, ok := c.index[key]; ok {
		e, _ := elem.Value.(*entry)
		e.seenAt = now
		c.order.MoveToBack(elem)
		return
	}

	if c.maxSize > 0 && len(c.index) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.removeLocked(front)
		}
	}

	c.index[key] = c.order.PushBack(&entry{key: key, seenAt: now})
}

func (c *Cache) removeLocked(elem *list.Element) {
	e, _ := elem.Value.(*entry)
	c.order.Remove(elem)
	delete(c.index, e.key)
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired keys. Entries are ordered by last mark, so it stops
// at the first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for elem := c.order.Front(); elem != nil; {
		e, _ := elem.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return
		}
		next := elem.Next()
		c.removeLocked(elem)
		elem = next
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
