// Package endpoints resolves a participant's registered callback URL for a
// given endpoint type through a read-through TTL cache.
package endpoints

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/alswitch/internal/cache"
	"github.com/mbd888/alswitch/internal/fspiop"
	"github.com/mbd888/alswitch/internal/participant"
)

// NotFoundError means the participant exists but registered no endpoint of
// the requested type, or is unknown to the registry.
type NotFoundError struct {
	ID   string
	Type fspiop.EndpointType
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("endpoints: no %s endpoint for %q", e.Type, e.ID)
}

func (e *NotFoundError) ErrorCode() fspiop.ErrorCode { return fspiop.ErrIDNotFound }

// Source supplies the full endpoint set of a participant.
type Source interface {
	Endpoints(ctx context.Context, name string) ([]participant.Endpoint, error)
}

// Resolver caches endpoint sets per participant.
type Resolver struct {
	source Source
	cache  *cache.TTL[map[fspiop.EndpointType]string]
}

// NewResolver creates a Resolver over source with the given cache TTL.
func NewResolver(source Source, ttl time.Duration) *Resolver {
	return &Resolver{
		source: source,
		cache:  cache.New[map[fspiop.EndpointType]string]("endpoints", ttl),
	}
}

// GetEndpoint returns the raw (unrendered) URL template registered by id for
// endpointType.
func (r *Resolver) GetEndpoint(ctx context.Context, id string, endpointType fspiop.EndpointType) (string, error) {
	set, err := r.cache.GetOrLoad(ctx, id, func(ctx context.Context) (map[fspiop.EndpointType]string, error) {
		eps, err := r.source.Endpoints(ctx, id)
		if err != nil {
			return nil, err
		}
		set := make(map[fspiop.EndpointType]string, len(eps))
		for _, ep := range eps {
			set[ep.Type] = ep.Value
		}
		return set, nil
	})
	if err != nil {
		if errors.Is(err, participant.ErrNotFound) {
			return "", &NotFoundError{ID: id, Type: endpointType}
		}
		return "", fmt.Errorf("endpoints for %s: %w", id, err)
	}
	url, ok := set[endpointType]
	if !ok || url == "" {
		return "", &NotFoundError{ID: id, Type: endpointType}
	}
	return url, nil
}

// Resolve returns the endpoint for id and endpointType with template values
// substituted.
func (r *Resolver) Resolve(ctx context.Context, id string, endpointType fspiop.EndpointType, v fspiop.TemplateValues) (string, error) {
	tmpl, err := r.GetEndpoint(ctx, id, endpointType)
	if err != nil {
		return "", err
	}
	return v.Render(tmpl), nil
}

// DropCache forgets every cached endpoint set.
func (r *Resolver) DropCache() {
	r.cache.Clear()
}
