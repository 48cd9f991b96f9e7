// Package cache provides a keyed in-memory cache with TTL expiry and
// singleflight-coalesced loading. Concurrent misses for the same key perform
// exactly one underlying fetch; all waiters receive the same value or the
// same error.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache is a keyed cache. A zero TTL means entries never expire and are
// removed only by explicit Delete or Purge.
type Cache[K ~string, V any] struct {
	ttl   time.Duration
	group singleflight.Group
	now   func() time.Time

	mu      sync.Mutex
	entries map[K]entry[V]
}

type entry[V any] struct {
	value      V
	insertedAt time.Time
}

// Option configures a Cache.
type Option[K ~string, V any] func(*Cache[K, V])

// WithNow sets the time function for testing.
func WithNow[K ~string, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.now = now
	}
}

// New creates a Cache with the given TTL (0 for unbounded).
func New[K ~string, V any](ttl time.Duration, opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[K]entry[V]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrLoad returns the cached value for key if present, unexpired, and
// accepted by usable. Otherwise it invokes load, caches the result, and
// returns it. Concurrent callers for the same key share a single load.
//
// The load runs on a context detached from the caller's, so one caller
// timing out does not abort the load for other waiters; each caller still
// honors its own context while waiting.
//
// usable may be nil, in which case any cached value (including a cached
// zero/nil negative result) is a hit.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K, load func(ctx context.Context) (V, error), usable func(V) bool) (V, error) {
	if v, _, ok := c.lookup(key); ok && (usable == nil || usable(v)) {
		return v, nil
	}

	ch := c.group.DoChan(string(key), func() (any, error) {
		// Re-check under the flight: another caller may have populated the
		// entry between our miss and this flight starting.
		if v, _, ok := c.lookup(key); ok && (usable == nil || usable(v)) {
			return v, nil
		}
		v, err := load(context.WithoutCancel(ctx))
		if err != nil {
			var zero V
			return zero, err
		}
		c.Set(key, v)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, _, ok := c.lookup(key)
	return v, ok
}

// Entry returns the cached value and its insertion time, if present and
// unexpired. The insertion time lets callers apply their own freshness
// windows on top of the cache TTL.
func (c *Cache[K, V]) Entry(key K) (V, time.Time, bool) {
	return c.lookup(key)
}

// Set stores a value under key, resetting its insertion time.
func (c *Cache[K, V]) Set(key K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: v, insertedAt: c.now()}
}

// Delete removes the entry for key and forgets any in-flight load so a
// subsequent GetOrLoad fetches anew.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.group.Forget(string(key))
}

// Purge removes all entries.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]entry[V])
}

// Range calls fn for each unexpired entry until fn returns false. The
// snapshot is taken under the lock; fn runs outside it.
func (c *Cache[K, V]) Range(fn func(key K, value V) bool) {
	c.mu.Lock()
	snapshot := make(map[K]V, len(c.entries))
	for k, e := range c.entries {
		if !c.expired(e) {
			snapshot[k] = e.value
		}
	}
	c.mu.Unlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

// Len returns the number of unexpired entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if !c.expired(e) {
			n++
		}
	}
	return n
}

func (c *Cache[K, V]) lookup(key K) (V, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		var zero V
		return zero, time.Time{}, false
	}
	return e.value, e.insertedAt, true
}

func (c *Cache[K, V]) expired(e entry[V]) bool {
	return c.ttl > 0 && c.now().Sub(e.insertedAt) > c.ttl
}
