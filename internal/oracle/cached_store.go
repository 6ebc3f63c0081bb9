package oracle

import (
	"context"
	"strings"
	"time"

	"github.com/mbd888/alswitch/internal/cache"
	"github.com/mbd888/alswitch/internal/fspiop"
)

// CachedStore is a read-through TTL cache in front of a Store.
type CachedStore struct {
	inner Store
	cache *cache.TTL[[]Descriptor]
}

// NewCachedStore wraps inner.
func NewCachedStore(inner Store, ttl time.Duration) *CachedStore {
	return &CachedStore{inner: inner, cache: cache.New[[]Descriptor]("oracles", ttl)}
}

func (c *CachedStore) ByType(ctx context.Context, t fspiop.PartyIDType) ([]Descriptor, error) {
	return c.cache.GetOrLoad(ctx, string(t), func(ctx context.Context) ([]Descriptor, error) {
		return c.inner.ByType(ctx, t)
	})
}

func (c *CachedStore) ByTypeAndCurrency(ctx context.Context, t fspiop.PartyIDType, currency string) ([]Descriptor, error) {
	key := string(t) + "|" + strings.ToUpper(currency)
	return c.cache.GetOrLoad(ctx, key, func(ctx context.Context) ([]Descriptor, error) {
		return c.inner.ByTypeAndCurrency(ctx, t, currency)
	})
}

// DropCache forgets every cached descriptor set.
func (c *CachedStore) DropCache() {
	c.cache.Clear()
}
