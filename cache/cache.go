package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// TTL is how long any signal result stays valid, errors included.
const TTL = 24 * time.Hour

const DefaultMaxEntries = 10000

// Key builds the composite "<kind>:<subject>" cache key.
func Key(kind, subject string) string {
	return kind + ":" + subject
}

type entry struct {
	value    any
	storedAt time.Time
}

// Stats reports cache activity since construction.
type Stats struct {
	Entries     int    `json:"entries"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Expirations uint64 `json:"expirations"`
}

// Cache is a bounded TTL store shared by the signal providers. Stale entries
// are dropped lazily on read; there is no background sweep.
type Cache struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[string, entry]
	clock clockwork.Clock
	ttl   time.Duration

	hits        uint64
	misses      uint64
	expirations uint64

	flight singleflight.Group
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(cc *Cache) { cc.clock = c }
}

// New creates a cache holding at most maxEntries values. Least recently used
// entries are evicted first once the bound is reached.
func New(maxEntries int, opts ...Option) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	l, err := simplelru.NewLRU[string, entry](maxEntries, nil)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c := &Cache{
		lru:   l,
		clock: clockwork.NewRealClock(),
		ttl:   TTL,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Get returns the value stored under key. An entry older than the TTL is
// evicted and reported as absent.
func (c *Cache) Get(key string) (any, bool) {
	return c.lookup(key, true)
}

// lookup is Get with optional hit/miss accounting; expirations always count.
func (c *Cache) lookup(key string, count bool) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if ok && c.clock.Since(e.storedAt) > c.ttl {
		c.lru.Remove(key)
		c.expirations++
		ok = false
	}
	if !count {
		return e.value, ok
	}
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key, replacing any previous entry and resetting its age.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, entry{value: value, storedAt: c.clock.Now()})
}

// Len returns the number of entries currently held, stale ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:     c.lru.Len(),
		Hits:        c.hits,
		Misses:      c.misses,
		Expirations: c.expirations,
	}
}

// Fetch returns the cached T for key, or runs load to produce it. Concurrent
// callers asking for the same key while a load is running wait for that load
// instead of starting their own. load reports whether its result may be cached.
//
// load runs on a context detached from ctx, so one caller leaving does not
// cancel the load for the others; a caller whose ctx ends stops waiting and
// gets ctx.Err(). A nil Cache loads every time, on ctx.
func Fetch[T any](ctx context.Context, c *Cache, key string, load func(ctx context.Context) (T, bool)) (T, bool, error) {
	if c == nil {
		t, _ := load(ctx)
		return t, false, nil
	}
	if v, ok := c.Get(key); ok {
		if t, ok := v.(T); ok {
			return t, true, nil
		}
	}

	type result struct {
		value  T
		cached bool
	}
	loadCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		// A flight that finished just before this one started may have filled the key.
		if v, ok := c.lookup(key, false); ok {
			if t, ok := v.(T); ok {
				return result{value: t, cached: true}, nil
			}
		}
		t, cacheable := load(loadCtx)
		if cacheable {
			c.Set(key, t)
		}
		return result{value: t}, nil
	})

	select {
	case res := <-ch:
		r := res.Val.(result)
		return r.value, r.cached, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}
