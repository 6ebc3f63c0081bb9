// Package cache provides the read-through TTL cache used for endpoint,
// participant and oracle lookups.
package cache

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "als",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Cache hits by cache name.",
	}, []string{"cache"})

	cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "als",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Cache misses by cache name.",
	}, []string{"cache"})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMisses)
}

// DefaultLoadTimeout bounds a shared load in GetOrLoad.
const DefaultLoadTimeout = 10 * time.Second

type entry[V any] struct {
	value   V
	expires time.Time
}

// TTL is a concurrent string-keyed cache whose entries expire after a fixed
// time to live. Entries are immutable until expiry or an explicit Delete/Clear.
type TTL[V any] struct {
	name    string
	ttl     time.Duration
	entries *xsync.Map[string, entry[V]]
	group   singleflight.Group
	now     func() time.Time
	loadTTL time.Duration
}

// New creates a cache. A non-positive ttl disables caching: every Get misses.
func New[V any](name string, ttl time.Duration) *TTL[V] {
	return &TTL[V]{
		name:    name,
		ttl:     ttl,
		entries: xsync.NewMap[string, entry[V]](),
		now:     time.Now,
		loadTTL: DefaultLoadTimeout,
	}
}

// WithLoadTimeout replaces DefaultLoadTimeout.
func (c *TTL[V]) WithLoadTimeout(d time.Duration) *TTL[V] {
	c.loadTTL = d
	return c
}

// WithClock replaces the time source. Used by tests.
func (c *TTL[V]) WithClock(now func() time.Time) *TTL[V] {
	c.now = now
	return c
}

// Get returns the cached value for key if present and not expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	e, ok := c.entries.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expires) {
		c.entries.Delete(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for the cache's TTL.
func (c *TTL[V]) Set(key string, value V) {
	if c.ttl <= 0 {
		return
	}
	c.entries.Store(key, entry[V]{value: value, expires: c.now().Add(c.ttl)})
}

// Delete removes key.
func (c *TTL[V]) Delete(key string) {
	c.entries.Delete(key)
}

// Clear drops every entry.
func (c *TTL[V]) Clear() {
	c.entries.Clear()
}

// Len returns the number of stored entries, expired ones included.
func (c *TTL[V]) Len() int {
	return c.entries.Size()
}

// GetOrLoad returns the cached value for key or calls load once for all
// concurrent callers missing the same key. Load errors are not cached.
// The shared load outlives the caller that started it, bounded by the load
// timeout; each caller still returns early when its own ctx is done.
func (c *TTL[V]) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		cacheHits.WithLabelValues(c.name).Inc()
		return v, nil
	}
	cacheMisses.WithLabelValues(c.name).Inc()

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(shared, c.loadTTL)
		defer cancel()
		v, err := load(lctx)
		if err != nil {
			return v, err
		}
		c.Set(key, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}
