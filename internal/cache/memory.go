package cache

import (
	"context"
	"sync"
	"time"

	expirable "github.com/go-pkgz/expirable-cache/v3"
)

// DefaultMemoryKeys bounds the number of entries a MemoryCache holds.
const DefaultMemoryKeys = 10000

type counter struct {
	n       int64
	expires time.Time
}

// MemoryCache is an in-process Cache used when no Redis URL is configured.
// Entries are lost on restart and are not shared between processes.
type MemoryCache struct {
	values   expirable.Cache[string, []byte]
	mu       sync.Mutex
	counters expirable.Cache[string, counter]
	now      func() time.Time
}

// NewMemoryCache creates a MemoryCache holding at most maxKeys entries of each kind.
func NewMemoryCache(maxKeys int) *MemoryCache {
	if maxKeys <= 0 {
		maxKeys = DefaultMemoryKeys
	}
	return &MemoryCache{
		values:   expirable.NewCache[string, []byte]().WithMaxKeys(maxKeys).WithLRU(),
		counters: expirable.NewCache[string, counter]().WithMaxKeys(maxKeys),
		now:      time.Now,
	}
}

func (c *MemoryCache) Ping(_ context.Context) error { return nil }

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	c.values.Set(key, buf, ttl)
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.values.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v, true, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.values.Invalidate(key)
	c.counters.Invalidate(key)
	return nil
}

// IncrWithExpiry increments a fixed-window counter. The window starts at the
// first increment and is not extended by later ones.
func (c *MemoryCache) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cur, ok := c.counters.Get(key)
	if !ok || !now.Before(cur.expires) {
		cur = counter{expires: now.Add(expiry)}
	}
	cur.n++
	c.counters.Set(key, cur, cur.expires.Sub(now))
	return cur.n, nil
}

func (c *MemoryCache) Close() error {
	c.values.Purge()
	c.counters.Purge()
	return nil
}

var _ Cache = (*MemoryCache)(nil)
