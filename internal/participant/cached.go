package participant

import (
	"context"
	"time"

	"github.com/mbd888/alswitch/internal/cache"
)

const proxiesKey = "\x00proxies"

// CachedRegistry wraps a Registry with TTL caches. Unknown participants are
// not cached so a newly onboarded FSP is visible immediately.
type CachedRegistry struct {
	inner        Registry
	participants *cache.TTL[*Participant]
	proxies      *cache.TTL[[]string]
}

// NewCachedRegistry wraps inner.
func NewCachedRegistry(inner Registry, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{
		inner:        inner,
		participants: cache.New[*Participant]("participants", ttl),
		proxies:      cache.New[[]string]("proxies", ttl),
	}
}

func (c *CachedRegistry) ValidateParticipant(ctx context.Context, name string) (*Participant, error) {
	if p, ok := c.participants.Get(name); ok {
		return p, nil
	}
	p, err := c.inner.ValidateParticipant(ctx, name)
	if err != nil || p == nil {
		return p, err
	}
	c.participants.Set(name, p)
	return p, nil
}

func (c *CachedRegistry) Endpoints(ctx context.Context, name string) ([]Endpoint, error) {
	return c.inner.Endpoints(ctx, name)
}

func (c *CachedRegistry) ListProxies(ctx context.Context) ([]string, error) {
	return c.proxies.GetOrLoad(ctx, proxiesKey, c.inner.ListProxies)
}

// DropCache forgets every cached participant and the proxy list.
func (c *CachedRegistry) DropCache() {
	c.participants.Clear()
	c.proxies.Clear()
}
