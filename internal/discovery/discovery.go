// Package discovery holds what the parties and participants services share:
// the dependency context built once at startup, requester validation, route
// resolution for local and proxy-fronted FSPs, and the detached task runner
// that guarantees a failed request still produces an error callback.
package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/alswitch/internal/callback"
	"github.com/mbd888/alswitch/internal/fspiop"
	"github.com/mbd888/alswitch/internal/logging"
	"github.com/mbd888/alswitch/internal/oracle"
	"github.com/mbd888/alswitch/internal/participant"
	"github.com/mbd888/alswitch/internal/proxycache"
)

var (
	tasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "als",
		Subsystem: "discovery",
		Name:      "tasks_total",
		Help:      "Detached discovery tasks by name and outcome.",
	}, []string{"task", "outcome"})

	proxyMappings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "als",
		Subsystem: "discovery",
		Name:      "proxy_mappings_total",
		Help:      "FSP to proxy mapping updates by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(tasks, proxyMappings)
}

// Deps is the dependency context every discovery service is built from.
type Deps struct {
	HubName      string
	Participants participant.Registry
	Oracle       *oracle.Gateway
	Callbacks    *callback.Dispatcher
	// ProxyCache is nil when inter-scheme proxying is disabled.
	ProxyCache proxycache.Client
	Logger     *slog.Logger
}

// ProxyEnabled reports whether inter-scheme routing is on.
func (d *Deps) ProxyEnabled() bool {
	return d.ProxyCache != nil
}

// Log returns the request-scoped logger.
func (d *Deps) Log(ctx context.Context) *slog.Logger {
	return logging.Ctx(ctx, d.Logger)
}

// Route says where a message for an FSP goes.
type Route struct {
	Destination string
	// Via is the proxy fronting Destination, empty for local participants.
	Via string
}

// Proxied reports whether the route crosses a scheme boundary.
func (r Route) Proxied() bool { return r.Via != "" }

// Callback starts a callback addressed along r.
func (r Route) Callback() callback.Callback {
	return callback.Callback{Destination: r.Destination, Via: r.Via}
}

// NoRouteError means an FSP is neither a local participant nor mapped to a
// proxy.
type NoRouteError struct {
	FSP string
}

func (e *NoRouteError) Error() string {
	return fmt.Sprintf("discovery: no route to %q", e.FSP)
}

func (e *NoRouteError) ErrorCode() fspiop.ErrorCode { return fspiop.ErrDestinationFSP }

// ValidateRequester returns the participant a request is accepted from:
// the source when it is local, otherwise the proxy it came through. A proxy
// header also records source as fronted by that proxy.
func (d *Deps) ValidateRequester(ctx context.Context, h fspiop.RequestHeaders) (string, error) {
	if d.ProxyEnabled() && h.Proxy != "" {
		d.RecordProxyMapping(ctx, h.Source, h.Proxy)
	}

	p, err := d.Participants.ValidateParticipant(ctx, h.Source)
	if err != nil {
		return "", fmt.Errorf("validate source %s: %w", h.Source, err)
	}
	if p != nil {
		return h.Source, nil
	}
	if !d.ProxyEnabled() || h.Proxy == "" {
		return "", fspiop.NewError(fspiop.ErrIDNotFound, "source FSP not found: "+h.Source)
	}

	proxy, err := d.Participants.ValidateParticipant(ctx, h.Proxy)
	if err != nil {
		return "", fmt.Errorf("validate proxy %s: %w", h.Proxy, err)
	}
	if proxy == nil {
		return "", fspiop.NewError(fspiop.ErrIDNotFound, "source proxy not found: "+h.Proxy)
	}
	return h.Proxy, nil
}

// RecordProxyMapping remembers that fsp is reached through proxy. A cache
// outage only costs the mapping, so it is logged and not returned.
func (d *Deps) RecordProxyMapping(ctx context.Context, fsp, proxy string) {
	if fsp == "" || fsp == proxy {
		return
	}
	changed, err := d.ProxyCache.AddDfspIDToProxyMapping(ctx, fsp, proxy)
	switch {
	case err != nil:
		proxyMappings.WithLabelValues("error").Inc()
		d.Log(ctx).Warn("proxy mapping not recorded, continuing with local-only routing",
			"fsp", fsp, "proxy", proxy, "error", err)
	case changed:
		proxyMappings.WithLabelValues("updated").Inc()
	default:
		proxyMappings.WithLabelValues("unchanged").Inc()
	}
}

// ResolveRoute finds how to reach fsp: directly when it is an active local
// participant, else through its mapped proxy. Proxy cache failures are
// returned as such and never mistaken for "no proxy".
func (d *Deps) ResolveRoute(ctx context.Context, fsp string) (Route, error) {
	p, err := d.Participants.ValidateParticipant(ctx, fsp)
	if err != nil {
		return Route{}, fmt.Errorf("validate %s: %w", fsp, err)
	}
	if p != nil {
		return Route{Destination: fsp}, nil
	}
	if d.ProxyEnabled() {
		proxy, err := d.ProxyCache.LookupProxyByDfspID(ctx, fsp)
		if err != nil {
			return Route{}, err
		}
		if proxy != "" {
			return Route{Destination: fsp, Via: proxy}, nil
		}
	}
	return Route{}, &NoRouteError{FSP: fsp}
}

// ErrorRoute picks where an error about a request from h goes. A source
// that arrived through a proxy is answered through that proxy; otherwise the
// usual route is used, falling back to the source itself so the dispatcher
// logs the drop when even that cannot be reached.
func (d *Deps) ErrorRoute(ctx context.Context, h fspiop.RequestHeaders) Route {
	if h.Proxy != "" && h.Proxy != h.Source {
		p, err := d.Participants.ValidateParticipant(ctx, h.Source)
		if err == nil && p == nil {
			return Route{Destination: h.Source, Via: h.Proxy}
		}
	}
	route, err := d.ResolveRoute(ctx, h.Source)
	if err != nil {
		return Route{Destination: h.Source}
	}
	return route
}
