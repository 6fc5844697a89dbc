// Package cachemap implements the single-flight, TTL-expiring lookup cache
// that region and domain discovery share (spec §4.D/§4.E: "concurrent
// lookups for the same key coalesce into one request; successful results
// are cached for a TTL; failures are not cached"). Grounded on the
// teacher's getRegionByV2 in internal/kodo/form_upload.go, which pairs a
// sync.Map of cached entries with a singleflight.Group keyed the same way;
// generalized here into a reusable generic type instead of one-off,
// region-specific fields.
package cachemap

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CacheMap caches the result of an expensive, idempotent lookup per key,
// coalescing concurrent callers for the same key into a single call to fn
// and expiring entries after ttl. The zero value is not usable; use New.
type CacheMap[K comparable, V any] struct {
	ttl   time.Duration
	group singleflight.Group

	mu      sync.RWMutex
	entries map[K]entry[V]
}

type entry[V any] struct {
	value   V
	expires time.Time
}

// New builds a CacheMap whose entries expire ttl after being stored.
func New[K comparable, V any](ttl time.Duration) *CacheMap[K, V] {
	return &CacheMap[K, V]{ttl: ttl, entries: make(map[K]entry[V])}
}

// Get returns the cached value for key if present and unexpired, without
// invoking fn.
func (c *CacheMap[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// keyString converts a comparable key into a singleflight group key. This
// cache is only ever instantiated with string or struct-of-strings keys in
// this module, so fmt.Sprint is a faithful, collision-free encoding for
// those shapes.
func keyString(key interface{}) string {
	if s, ok := key.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", key)
}

// GetOrLoad returns the cached value for key, or calls fn to compute and
// cache it if absent or expired. Concurrent GetOrLoad calls for the same
// key share a single in-flight call to fn; an error from fn is never
// cached, so the next call retries.
func (c *CacheMap[K, V]) GetOrLoad(key K, fn func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	sfKey := keyString(key)
	v, err, _ := c.group.Do(sfKey, func() (interface{}, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		value, err := fn()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = entry[V]{value: value, expires: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Clear drops all cached entries. Test-only hook: production callers rely
// on TTL expiry instead.
func (c *CacheMap[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]entry[V])
}
