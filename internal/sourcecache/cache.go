// Package sourcecache keeps a bounded number of expensive, open tile
// sources keyed by fingerprint. Entries borrowed by a caller are never
// evicted, and concurrent misses on one key share a single construction.
package sourcecache

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"
)

// Constructor builds the value for a missing key.
type Constructor[V io.Closer] func(ctx context.Context) (V, error)

type entry[V io.Closer] struct {
	value V
	refs  int
	// closed is set once the entry has left the cache and been closed.
	closed bool
	// cleared entries are out of the cache but still borrowed.
	cleared bool
}

// Stats reports cache counters.
type Stats struct {
	Entries   int    `json:"entries"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Failures  uint64 `json:"failures"`
}

// Cache is a reference-counted LRU of closers.
type Cache[V io.Closer] struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, *entry[V]]
	capacity int
	flight   singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	failures  atomic.Uint64
}

// New creates a cache holding at most capacity unborrowed entries.
func New[V io.Closer](capacity int) (*Cache[V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", capacity)
	}
	// the LRU never evicts on its own; capacity is enforced here so that
	// borrowed entries survive
	l, err := simplelru.NewLRU[string, *entry[V]](int(^uint(0)>>1), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	return &Cache[V]{lru: l, capacity: capacity}, nil
}

// Handle is a borrowed cache entry. Release must be called when done.
type Handle[V io.Closer] struct {
	cache    *Cache[V]
	key      string
	entry    *entry[V]
	released atomic.Bool
}

// Value returns the borrowed value.
func (h *Handle[V]) Value() V { return h.entry.value }

// Key returns the fingerprint the handle was borrowed under.
func (h *Handle[V]) Key() string { return h.key }

// Release returns the entry to the cache. Extra calls are ignored.
func (h *Handle[V]) Release() {
	if h.released.Swap(true) {
		return
	}
	h.cache.release(h.entry)
}

// Get returns the entry for key, constructing it when missing.
// Construction errors are returned to every waiter and not cached.
func (c *Cache[V]) Get(ctx context.Context, key string, construct Constructor[V]) (*Handle[V], error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if h := c.borrow(key); h != nil {
			c.hits.Add(1)
			return h, nil
		}
		v, err, _ := c.flight.Do(key, func() (interface{}, error) {
			c.mu.Lock()
			e, ok := c.lru.Peek(key)
			c.mu.Unlock()
			if ok {
				return e, nil
			}
			c.misses.Add(1)
			// every waiter shares this construction
			value, err := construct(context.WithoutCancel(ctx))
			if err != nil {
				c.failures.Add(1)
				return nil, err
			}
			e = &entry[V]{value: value}
			c.mu.Lock()
			c.lru.Add(key, e)
			victims := c.evictLocked(e)
			c.mu.Unlock()
			closeAll(victims)
			return e, nil
		})
		if err != nil {
			return nil, err
		}
		e := v.(*entry[V])
		c.mu.Lock()
		if !e.closed && !e.cleared {
			e.refs++
			c.lru.Get(key)
			c.mu.Unlock()
			return &Handle[V]{cache: c, key: key, entry: e}, nil
		}
		c.mu.Unlock()
		// evicted before this caller could borrow it
	}
}

func (c *Cache[V]) borrow(key string) *Handle[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		return nil
	}
	e.refs++
	return &Handle[V]{cache: c, key: key, entry: e}
}

func (c *Cache[V]) release(e *entry[V]) {
	c.mu.Lock()
	e.refs--
	var victims []*entry[V]
	if e.refs == 0 && e.cleared && !e.closed {
		e.closed = true
		victims = append(victims, e)
	} else {
		victims = c.evictLocked(nil)
	}
	c.mu.Unlock()
	closeAll(victims)
}

// evictLocked removes unborrowed entries, oldest first, until the cache is
// within capacity. keep is never evicted. Pinned entries may leave the
// cache over capacity until they are released.
func (c *Cache[V]) evictLocked(keep *entry[V]) []*entry[V] {
	var victims []*entry[V]
	for c.lru.Len() > c.capacity {
		evicted := false
		for _, k := range c.lru.Keys() {
			e, _ := c.lru.Peek(k)
			if e.refs > 0 || e == keep {
				continue
			}
			c.lru.Remove(k)
			e.closed = true
			victims = append(victims, e)
			c.evictions.Add(1)
			log.Printf("[SourceCache] evicted %s", shortKey(k))
			evicted = true
			break
		}
		if !evicted {
			break
		}
	}
	return victims
}

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Clear empties the cache. Borrowed entries are closed on their last
// release.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	var victims []*entry[V]
	for _, k := range c.lru.Keys() {
		e, _ := c.lru.Peek(k)
		if e.refs > 0 {
			e.cleared = true
		} else {
			e.closed = true
			victims = append(victims, e)
		}
	}
	c.lru.Purge()
	c.mu.Unlock()
	closeAll(victims)
	log.Printf("[SourceCache] cleared (%d closed now)", len(victims))
}

// Stats returns the cache counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Failures:  c.failures.Load(),
	}
}

func closeAll[V io.Closer](entries []*entry[V]) {
	for _, e := range entries {
		if err := e.value.Close(); err != nil {
			log.Printf("[SourceCache] close failed: %v", err)
		}
	}
}

func shortKey(k string) string {
	if len(k) > 12 {
		return k[:12]
	}
	return k
}
