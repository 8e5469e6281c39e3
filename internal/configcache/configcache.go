// Package configcache keeps recently used user configurations in memory so
// the hot serving path does not hit the configuration store per request.
package configcache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	// DefaultMaxEntries bounds the number of cached user configs.
	DefaultMaxEntries = 1000
	// DefaultTTL is how long a cached config is trusted.
	DefaultTTL = 5 * time.Minute
)

// Producer loads the config for one user on a miss.
type Producer func(ctx context.Context) (any, error)

type item struct {
	key       string
	value     any
	expiresAt time.Time
}

type inflight struct {
	done  chan struct{}
	value any
	err   error
}

// Cache is an LRU+TTL map with stampede protection: concurrent lookups for
// the same user coalesce onto a single producer call.
type Cache struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	lru        *list.List
	flights    map[string]*inflight
	maxEntries int
	ttl        time.Duration
}

// New creates a config cache. Zero arguments select the defaults.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		items:      make(map[string]*list.Element),
		lru:        list.New(),
		flights:    make(map[string]*inflight),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// GetOrLoad returns the cached config for key, loading it at most once per
// miss window no matter how many requests arrive at once.
func (c *Cache) GetOrLoad(ctx context.Context, key string, produce Producer) (any, error) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		it := el.Value.(*item)
		if time.Now().Before(it.expiresAt) {
			c.lru.MoveToFront(el)
			c.mu.Unlock()
			return it.value, nil
		}
		c.removeLocked(el)
	}

	if f, ok := c.flights[key]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.value, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f := &inflight{done: make(chan struct{})}
	c.flights[key] = f
	c.mu.Unlock()

	f.value, f.err = produce(context.WithoutCancel(ctx))

	c.mu.Lock()
	delete(c.flights, key)
	if f.err == nil {
		c.setLocked(key, f.value)
	}
	c.mu.Unlock()
	close(f.done)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return f.value, f.err
}

// Invalidate drops one user's cached config. Write paths call this so a
// config edit is visible before the TTL would expire it.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) setLocked(key string, value any) {
	if el, ok := c.items[key]; ok {
		it := el.Value.(*item)
		it.value = value
		it.expiresAt = time.Now().Add(c.ttl)
		c.lru.MoveToFront(el)
		return
	}
	for len(c.items) >= c.maxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
	el := c.lru.PushFront(&item{key: key, value: value, expiresAt: time.Now().Add(c.ttl)})
	c.items[key] = el
}

func (c *Cache) removeLocked(el *list.Element) {
	it := el.Value.(*item)
	delete(c.items, it.key)
	c.lru.Remove(el)
}
