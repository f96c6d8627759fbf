// Package cache holds rendered screenshots keyed by normalized URL and
// coalesces concurrent requests for the same key into a single capture.
//
// Entries and pending captures live in separate maps guarded by one mutex, so
// installing an entry, evicting, and registering or releasing a pending capture
// are atomic with respect to every Lookup and BeginOrJoin.
package cache

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/capture"
	"github.com/JakeFAU/webshot/internal/clock/system"
	"github.com/JakeFAU/webshot/internal/metrics"
)

// Config controls capacity and expiry.
//   - Capacity: maximum number of entries; <= 0 means unbounded.
//   - TTL: lifetime of an entry; <= 0 means entries never expire and are only
//     removed by capacity pressure or invalidation.
type Config struct {
	Capacity int
	TTL      time.Duration
	Clock    capture.Clock
	Logger   *zap.Logger
}

// Entry is one cached screenshot. Entries are replaced wholesale, never
// mutated in place.
type Entry struct {
	Key     capture.Key
	Result  capture.Result
	Expires time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return !e.Expires.IsZero() && !now.Before(e.Expires)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries     int   `json:"entries"`
	Pending     int   `json:"pending"`
	Waiting     int   `json:"waiting"`
	Capacity    int   `json:"capacity"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Joins       int64 `json:"joins"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

// Cache is an LRU screenshot store with per-key in-flight tracking.
type Cache struct {
	mu       sync.Mutex
	entries  map[capture.Key]*list.Element
	order    *list.List // front is most recently used
	pending  map[capture.Key]*Pending
	capacity int
	ttl      time.Duration
	clock    capture.Clock
	logger   *zap.Logger
	stats    Stats
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	clock := cfg.Clock
	if clock == nil {
		clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries:  make(map[capture.Key]*list.Element),
		order:    list.New(),
		pending:  make(map[capture.Key]*Pending),
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		clock:    clock,
		logger:   logger,
	}
}

// Lookup returns the cached result for key. Expired entries are removed and
// reported as absent. A hit marks the entry most recently used.
func (c *Cache) Lookup(key capture.Key) (capture.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, ok := c.lookupLocked(key)
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	return res, ok
}

func (c *Cache) lookupLocked(key capture.Key) (capture.Result, bool) {
	elem, ok := c.entries[key]
	if !ok {
		return capture.Result{}, false
	}
	entry := elem.Value.(*Entry)
	if entry.expired(c.clock.Now()) {
		c.removeLocked(elem)
		c.stats.Expirations++
		metrics.ObserveCacheEvictions("expired", 1)
		return capture.Result{}, false
	}
	c.order.MoveToFront(elem)
	return entry.Result, true
}

// BeginOrJoin registers interest in key. The returned ticket is a Leader when
// no capture is in flight (the caller must capture and then Resolve), a
// Follower when one is (the caller waits on the ticket), or a Hit when an
// entry was installed after the caller's Lookup missed.
func (c *Cache) BeginOrJoin(key capture.Key) Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()

	if res, ok := c.lookupLocked(key); ok {
		c.stats.Hits++
		return Ticket{Role: RoleHit, Key: key, result: res}
	}
	if p, ok := c.pending[key]; ok {
		p.waiters++
		c.stats.Joins++
		return Ticket{Role: RoleFollower, Key: key, pending: p}
	}
	p := newPending(key)
	c.pending[key] = p
	return Ticket{Role: RoleLeader, Key: key, pending: p}
}

// Resolve completes the pending capture for key. A successful result is
// installed as an entry; a failed one is not cached so the next request
// retries. Every waiter observes the same result. Resolving a key with no
// pending capture only installs the entry.
func (c *Cache) Resolve(key capture.Key, result capture.Result) {
	c.mu.Lock()
	p := c.pending[key]
	delete(c.pending, key)
	if result.OK() {
		c.installLocked(key, result)
	}
	c.mu.Unlock()

	if p != nil {
		p.complete(result)
	}
}

func (c *Cache) installLocked(key capture.Key, result capture.Result) {
	entry := &Entry{Key: key, Result: result}
	if c.ttl > 0 {
		entry.Expires = c.clock.Now().Add(c.ttl)
	}
	if elem, ok := c.entries[key]; ok {
		elem.Value = entry
		c.order.MoveToFront(elem)
	} else {
		c.entries[key] = c.order.PushFront(entry)
	}
	for c.capacity > 0 && c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		evicted := oldest.Value.(*Entry)
		c.removeLocked(oldest)
		c.stats.Evictions++
		metrics.ObserveCacheEvictions("capacity", 1)
		c.logger.Debug("evicted screenshot", zap.String("key", evicted.Key.String()))
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*Entry)
	delete(c.entries, entry.Key)
	c.order.Remove(elem)
}

// Invalidate drops the entry for key. An in-flight capture is unaffected and
// will install its result when it resolves.
func (c *Cache) Invalidate(key capture.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(elem)
	return true
}

// Purge drops every entry and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.order.Len()
	c.entries = make(map[capture.Key]*list.Element)
	c.order.Init()
	return n
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		return 0
	}
	now := c.clock.Now()
	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*Entry).expired(now) {
			c.removeLocked(elem)
			removed++
		}
		elem = prev
	}
	c.stats.Expirations += int64(removed)
	metrics.ObserveCacheEvictions("expired", removed)
	return removed
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.order.Len()
	s.Pending = len(c.pending)
	for _, p := range c.pending {
		s.Waiting += p.waiters
	}
	s.Capacity = c.capacity
	return s
}
