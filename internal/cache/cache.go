// Package cache implements the result cache: a key-addressed store of
// computed payloads with weight-bounded LRU eviction, TTL expiry, and
// single-flight computation semantics.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// ComputeFunc produces the value and its weight for a missing key. It runs
// without any cache lock held, so long computations never block unrelated
// keys. Implementations must honor ctx cancellation.
type ComputeFunc func(ctx context.Context) (value any, weight int64, err error)

// Config controls cache construction.
type Config struct {
	// Capacity is the weight budget for resident entries. Must be positive.
	Capacity int64

	// DefaultTTL applies when GetOrCompute is called with ttl <= 0.
	// Zero means entries never expire.
	DefaultTTL time.Duration

	// SweepInterval is the period of the background expiry sweep.
	// Zero disables the sweeper; expiry is then only checked lazily.
	SweepInterval time.Duration

	// Now overrides the clock, used by tests. Defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	key        string
	value      any
	weight     int64
	insertedAt time.Time
	lastAccess time.Time
	expiresAt  time.Time // zero means no expiry
	elem       *list.Element
}

// flight tracks one in-progress computation and its wait list. Waiters block
// on done and then read value/err; both are written exactly once before done
// is closed.
type flight struct {
	done  chan struct{}
	value any
	err   error
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Expiries  uint64
	Entries   int
	Weight    int64
}

// Cache is safe for concurrent use by multiple callers.
type Cache struct {
	mu       sync.Mutex
	capacity int64
	weight   int64
	entries  map[string]*entry
	lru      *list.List // front is most recently used
	flights  map[string]*flight
	epochs   map[string]uint64 // only keys with a pending invalidated flight

	defaultTTL time.Duration
	now        func() time.Time

	hits      uint64
	misses    uint64
	evictions uint64
	expiries  uint64

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New creates a cache and starts the expiry sweeper when configured.
// A non-positive capacity is a configuration error and panics.
func New(cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		panic(fmt.Sprintf("cache: capacity must be positive, got %d", cfg.Capacity))
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	c := &Cache{
		capacity:   cfg.Capacity,
		entries:    make(map[string]*entry),
		lru:        list.New(),
		flights:    make(map[string]*flight),
		epochs:     make(map[string]uint64),
		defaultTTL: cfg.DefaultTTL,
		now:        now,
	}

	if cfg.SweepInterval > 0 {
		c.sweepStop = make(chan struct{})
		c.sweepDone = make(chan struct{})
		go c.sweepLoop(cfg.SweepInterval)
	}

	return c
}

// Close stops the background sweeper. Resident entries stay readable.
func (c *Cache) Close() {
	if c.sweepStop != nil {
		close(c.sweepStop)
		<-c.sweepDone
		c.sweepStop = nil
	}
}

// GetOrCompute returns the cached value for key, or computes it. Concurrent
// callers for the same key share a single computation: later callers block
// until the first completes and receive the identical outcome, success or
// forwarded error. Failed computations are never cached.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) (any, error) {
	if compute == nil {
		panic("cache: nil compute function")
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && !c.expired(e) {
		c.touch(e)
		c.hits++
		value := e.value
		c.mu.Unlock()
		return value, nil
	}

	if f, ok := c.flights[key]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			if f.err != nil {
				return nil, f.err
			}
			return f.value, nil
		case <-ctx.Done():
			// The flight keeps running for the remaining waiters.
			return nil, ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{})}
	c.flights[key] = f
	startEpoch := c.epochs[key]
	c.misses++
	c.mu.Unlock()

	value, weight, err := compute(ctx)

	c.mu.Lock()
	delete(c.flights, key)
	f.value, f.err = value, err
	if err == nil && c.epochs[key] == startEpoch {
		c.install(key, value, weight, ttl)
	}
	// An epoch only matters while its flight is pending.
	delete(c.epochs, key)
	c.mu.Unlock()
	close(f.done)

	if err != nil {
		return nil, err
	}
	return value, nil
}

// Peek returns the value for key without computing, bumping recency on a hit.
// Expired entries are treated as absent.
func (c *Cache) Peek(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		c.misses++
		return nil, false
	}
	c.touch(e)
	c.hits++
	return e.value, true
}

// Put installs a value directly, evicting as needed.
func (c *Cache) Put(key string, value any, weight int64, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.install(key, value, weight, ttl)
}

// Invalidate removes an entry. No-op if absent. Safe against an in-flight
// computation for the same key: the computation completes and its waiters
// still receive the value, but the result is not installed.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.flights[key]; ok {
		c.epochs[key]++
	}
	if e, ok := c.entries[key]; ok {
		c.remove(e)
	}
}

// Clear removes all entries and invalidates every in-flight computation.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.flights {
		c.epochs[key]++
	}
	c.entries = make(map[string]*entry)
	c.lru.Init()
	c.weight = 0
}

// SetCapacity changes the weight budget, evicting synchronously if the cache
// is now over it. A non-positive capacity panics.
func (c *Cache) SetCapacity(capacity int64) {
	if capacity <= 0 {
		panic(fmt.Sprintf("cache: capacity must be positive, got %d", capacity))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = capacity
	c.evict()
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Weight returns the total weight of resident entries.
func (c *Cache) Weight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

// Stats returns a counter snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expiries:  c.expiries,
		Entries:   len(c.entries),
		Weight:    c.weight,
	}
}

// install stores a value under the lock, replacing any existing entry and
// evicting least-recently-used entries until the budget holds. An entry
// heavier than the whole capacity is not kept resident.
func (c *Cache) install(key string, value any, weight int64, ttl time.Duration) {
	if weight < 1 {
		weight = 1
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	if old, ok := c.entries[key]; ok {
		c.remove(old)
	}

	if weight > c.capacity {
		return
	}

	now := c.now()
	e := &entry{
		key:        key,
		value:      value,
		weight:     weight,
		insertedAt: now,
		lastAccess: now,
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.weight += weight

	c.evict()
}

// evict removes least-recently-used entries until weight fits capacity.
func (c *Cache) evict() {
	for c.weight > c.capacity {
		back := c.lru.Back()
		if back == nil {
			return
		}
		c.remove(back.Value.(*entry))
		c.evictions++
	}
}

func (c *Cache) remove(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
	c.weight -= e.weight
}

func (c *Cache) touch(e *entry) {
	e.lastAccess = c.now()
	c.lru.MoveToFront(e.elem)
}

func (c *Cache) expired(e *entry) bool {
	return !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt)
}

// sweepLoop removes expired entries even without access, bounding the memory
// held by stale payloads that capacity pressure never reaches.
func (c *Cache) sweepLoop(interval time.Duration) {
	defer close(c.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if c.expired(e) {
			c.remove(e)
			c.expiries++
		}
	}
}
