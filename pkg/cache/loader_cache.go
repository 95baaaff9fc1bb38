// Package cache holds small read-through caches for data that changes rarely.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// LoadFunc fetches the value of key from the backing store.
type LoadFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// LoaderCache is a size- and age-bounded read-through cache. Concurrent misses on one key
// share a single load. The shared load runs detached from the first caller's cancellation
// so one impatient caller cannot fail the others; failed loads are never stored.
type LoaderCache[K comparable, V any] struct {
	lru   *expirable.LRU[string, V]
	group singleflight.Group
	key   func(K) string
}

// NewLoaderCache keeps at most maxEntries values, each for ttl (ttl <= 0: until evicted).
// keyFn renders keys for storage and load coalescing.
func NewLoaderCache[K comparable, V any](maxEntries int, ttl time.Duration, keyFn func(K) string) *LoaderCache[K, V] {
	return &LoaderCache[K, V]{
		lru: expirable.NewLRU[string, V](maxEntries, nil, max(ttl, 0)),
		key: keyFn,
	}
}

func (c *LoaderCache[K, V]) Get(ctx context.Context, key K, load LoadFunc[K, V]) (V, error) {
	v, _, err := c.GetWithStats(ctx, key, load)

	return v, err
}

// GetWithStats is Get that also reports whether the value was cached.
func (c *LoaderCache[K, V]) GetWithStats(ctx context.Context, key K, load LoadFunc[K, V]) (V, bool, error) {
	if v, ok := c.lru.Get(c.key(key)); ok {
		return v, true, nil
	}

	v, err := c.load(ctx, key, load)

	return v, false, err
}

// Refresh loads key even when cached and stores the result.
func (c *LoaderCache[K, V]) Refresh(ctx context.Context, key K, load LoadFunc[K, V]) (V, error) {
	c.lru.Remove(c.key(key))

	return c.load(ctx, key, load)
}

func (c *LoaderCache[K, V]) load(ctx context.Context, key K, load LoadFunc[K, V]) (V, error) {
	k := c.key(key)

	ch := c.group.DoChan(k, func() (any, error) {
		v, err := load(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}

		c.lru.Add(k, v)

		return v, nil
	})

	var zero V

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}

		return res.Val.(V), nil //nolint:forcetypeassert // only this cache writes to the group
	}
}

// Set stores value for key, replacing any cached entry.
func (c *LoaderCache[K, V]) Set(key K, value V) {
	c.lru.Add(c.key(key), value)
}

func (c *LoaderCache[K, V]) Invalidate(key K) {
	c.lru.Remove(c.key(key))
}

func (c *LoaderCache[K, V]) InvalidateAll() {
	c.lru.Purge()
}

func (c *LoaderCache[K, V]) Len() int {
	return c.lru.Len()
}
