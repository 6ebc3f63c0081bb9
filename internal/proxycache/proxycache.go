// Package proxycache holds the cross-scheme routing state shared by every
// switch replica: which proxy fronts a foreign FSP, which proxies a fanned-out
// discovery is still waiting on, and when pending lookups expire.
package proxycache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/alswitch/internal/fspiop"
)

// Default TTLs for pending discovery state.
const (
	DefaultDiscoveryTTL  = 20 * time.Second
	DefaultGetPartiesTTL = 20 * time.Second
)

// ErrCacheUnavailable marks every failure to reach the proxy cache. It is
// never the same as "no proxy".
var ErrCacheUnavailable = errors.New("proxycache: unavailable")

// UnavailableError wraps a backend failure for one operation.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("proxycache %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrCacheUnavailable, e.Err} }

func (e *UnavailableError) ErrorCode() fspiop.ErrorCode { return fspiop.ErrServiceUnavailable }

// AlsRequest identifies one discovery: who asked for which party.
type AlsRequest struct {
	SourceID string
	Type     fspiop.PartyIDType
	PartyID  string
	SubID    string
}

// NewAlsRequest builds the request identity from the requester and params.
func NewAlsRequest(source string, p fspiop.Params) AlsRequest {
	return AlsRequest{SourceID: source, Type: p.Type, PartyID: p.ID, SubID: p.SubID}
}

// Params returns the party path values.
func (r AlsRequest) Params() fspiop.Params {
	return fspiop.Params{Type: r.Type, ID: r.PartyID, SubID: r.SubID}
}

// Key encodes r as source:type:id[:subId], each part query-escaped.
func (r AlsRequest) Key() string {
	parts := []string{
		url.QueryEscape(r.SourceID),
		url.QueryEscape(string(r.Type)),
		url.QueryEscape(r.PartyID),
	}
	if r.SubID != "" {
		parts = append(parts, url.QueryEscape(r.SubID))
	}
	return strings.Join(parts, ":")
}

// ParseAlsRequest decodes a Key.
func ParseAlsRequest(key string) (AlsRequest, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 && len(parts) != 4 {
		return AlsRequest{}, fmt.Errorf("proxycache: malformed request key %q", key)
	}
	dec := make([]string, len(parts))
	for i, p := range parts {
		v, err := url.QueryUnescape(p)
		if err != nil {
			return AlsRequest{}, fmt.Errorf("proxycache: malformed request key %q: %w", key, err)
		}
		dec[i] = v
	}
	r := AlsRequest{SourceID: dec[0], Type: fspiop.PartyIDType(dec[1]), PartyID: dec[2]}
	if len(dec) == 4 {
		r.SubID = dec[3]
	}
	if r.SourceID == "" || r.Type == "" || r.PartyID == "" {
		return AlsRequest{}, fmt.Errorf("proxycache: incomplete request key %q", key)
	}
	return r, nil
}

// Variant distinguishes the two kinds of expiring discovery state.
type Variant string

const (
	// VariantInterScheme is a fan-out to every proxy (send-to-proxies list).
	VariantInterScheme Variant = "interscheme"
	// VariantProxyGetParties is a GET forwarded to one known proxy.
	VariantProxyGetParties Variant = "proxy_get_parties"
)

// ExpiredKey is a pending discovery that outlived its TTL. It has already
// been removed from the cache when a handler sees it.
type ExpiredKey struct {
	Variant Variant
	Request AlsRequest
	// Proxy is set for VariantProxyGetParties.
	Proxy string
	Raw   string
}

// Handler consumes one expired key.
type Handler func(ctx context.Context, key ExpiredKey) error

// Client is the proxy routing contract.
type Client interface {
	// LookupProxyByDfspID returns the proxy fronting fspID, or "" if none.
	LookupProxyByDfspID(ctx context.Context, fspID string) (string, error)
	// AddDfspIDToProxyMapping records that proxyID fronts fspID. It reports
	// whether the mapping changed.
	AddDfspIDToProxyMapping(ctx context.Context, fspID, proxyID string) (bool, error)
	// RemoveDfspIDFromProxyMapping forgets the proxy of fspID.
	RemoveDfspIDFromProxyMapping(ctx context.Context, fspID string) (bool, error)

	// SetSendToProxiesList records the proxies a discovery was fanned out to.
	SetSendToProxiesList(ctx context.Context, req AlsRequest, proxies []string) (bool, error)
	// ReceivedSuccessResponse clears the fan-out state of req. It reports
	// whether state existed, i.e. this is the first success.
	ReceivedSuccessResponse(ctx context.Context, req AlsRequest) (bool, error)
	// ReceivedErrorResponse marks proxyID as failed for req. It reports
	// whether no proxies remain outstanding (also true when untracked).
	ReceivedErrorResponse(ctx context.Context, req AlsRequest, proxyID string) (bool, error)

	SetProxyGetPartiesTimeout(ctx context.Context, req AlsRequest, proxyID string) (bool, error)
	RemoveProxyGetPartiesTimeout(ctx context.Context, req AlsRequest, proxyID string) (bool, error)

	// ProcessExpiredAlsKeys claims every expired fan-out, batchSize keys at a
	// time, and calls handler for each. Handler errors do not stop the scan;
	// they are joined into the returned error.
	ProcessExpiredAlsKeys(ctx context.Context, handler Handler, batchSize int) error
	// ProcessExpiredProxyGetPartiesKeys is the same for get-parties timers.
	ProcessExpiredProxyGetPartiesKeys(ctx context.Context, handler Handler, batchSize int) error

	HealthCheck(ctx context.Context) bool
}

// Options configures pending-state TTLs.
type Options struct {
	DiscoveryTTL  time.Duration
	GetPartiesTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.DiscoveryTTL <= 0 {
		o.DiscoveryTTL = DefaultDiscoveryTTL
	}
	if o.GetPartiesTTL <= 0 {
		o.GetPartiesTTL = DefaultGetPartiesTTL
	}
	return o
}

func getPartiesMember(req AlsRequest, proxyID string) string {
	return req.Key() + "|" + url.QueryEscape(proxyID)
}

func parseGetPartiesMember(member string) (AlsRequest, string, error) {
	i := strings.LastIndex(member, "|")
	if i < 0 {
		return AlsRequest{}, "", fmt.Errorf("proxycache: malformed get-parties key %q", member)
	}
	req, err := ParseAlsRequest(member[:i])
	if err != nil {
		return AlsRequest{}, "", err
	}
	proxy, err := url.QueryUnescape(member[i+1:])
	if err != nil {
		return AlsRequest{}, "", fmt.Errorf("proxycache: malformed get-parties key %q: %w", member, err)
	}
	return req, proxy, nil
}

func expiredFromMember(v Variant, member string) (ExpiredKey, error) {
	if v == VariantProxyGetParties {
		req, proxy, err := parseGetPartiesMember(member)
		return ExpiredKey{Variant: v, Request: req, Proxy: proxy, Raw: member}, err
	}
	req, err := ParseAlsRequest(member)
	return ExpiredKey{Variant: v, Request: req, Raw: member}, err
}

var (
	cacheErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "als",
		Subsystem: "proxycache",
		Name:      "errors_total",
		Help:      "Proxy cache backend failures by operation.",
	}, []string{"op"})

	expiredKeys = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "als",
		Subsystem: "proxycache",
		Name:      "expired_keys_total",
		Help:      "Expired discovery keys claimed, by variant.",
	}, []string{"variant"})
)

func init() {
	prometheus.MustRegister(cacheErrors, expiredKeys)
}
