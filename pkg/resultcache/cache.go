// Package resultcache keeps recently completed tool results so an identical
// call arriving shortly after completion is answered without re-execution.
//
// Entries expire after a TTL (lazily on Get and in Sweep) and the cache is
// bounded: once full, the oldest insertion is evicted first.
package resultcache

import (
	"container/list"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is a cached result. Value must not be modified by callers.
type Entry struct {
	Value     json.RawMessage
	CreatedAt time.Time
	ExpiresAt time.Time
}

type cacheEntry struct {
	entry   Entry
	element *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited result cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithSweepInterval sets how often the background goroutine removes expired
// entries. Zero disables it; callers then run Sweep themselves.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) { c.sweepEvery = d }
}

// New creates a cache holding at most maxSize entries for ttl each.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries:    make(map[string]*cacheEntry),
		order:      list.New(),
		ttl:        ttl,
		maxSize:    maxSize,
		now:        time.Now,
		sweepEvery: time.Minute,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepEvery > 0 {
		go c.cleanup()
	}
	return c
}

// Get returns the live entry for key. An expired entry is reported as
// missing and removed.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	ce, ok := c.entries[key]
	var e Entry
	if ok {
		e = ce.entry
	}
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return Entry{}, false
	}
	if !c.now().Before(e.ExpiresAt) {
		c.mu.Lock()
		// A concurrent Put may have refreshed it.
		if cur, still := c.entries[key]; still && !c.now().Before(cur.entry.ExpiresAt) {
			c.order.Remove(cur.element)
			delete(c.entries, key)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return Entry{}, false
	}
	c.hits.Add(1)
	return e, true
}

// Put stores value under key with the cache's default TTL.
func (c *Cache) Put(key string, value json.RawMessage) {
	c.PutTTL(key, value, c.ttl)
}

// PutTTL stores value under key for ttl. A non-positive ttl is a no-op.
func (c *Cache) PutTTL(key string, value json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := c.now()
	e := Entry{Value: value, CreatedAt: now, ExpiresAt: now.Add(ttl)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ce, exists := c.entries[key]; exists {
		ce.entry = e
		c.order.MoveToBack(ce.element)
		return
	}
	for len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = &cacheEntry{entry: e, element: c.order.PushBack(key)}
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
	c.evictions.Add(1)
}

// Sweep removes expired entries and returns how many it removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, ce := range c.entries {
		if !now.Before(ce.entry.ExpiresAt) {
			c.order.Remove(ce.element)
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
