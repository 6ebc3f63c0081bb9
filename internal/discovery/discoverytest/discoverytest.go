// Package discoverytest builds a complete in-memory switch for service
// tests: memory participant registry, oracle store, proxy cache and a
// recording transport standing in for every FSP, proxy and oracle.
package discoverytest

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/alswitch/internal/callback"
	"github.com/mbd888/alswitch/internal/discovery"
	"github.com/mbd888/alswitch/internal/endpoints"
	"github.com/mbd888/alswitch/internal/fspiop"
	"github.com/mbd888/alswitch/internal/logging"
	"github.com/mbd888/alswitch/internal/oracle"
	"github.com/mbd888/alswitch/internal/participant"
	"github.com/mbd888/alswitch/internal/proxycache"
	"github.com/mbd888/alswitch/internal/testutil"
)

// Hub is the switch identity used by the harness.
const Hub = "Hub"

// Switch is a wired set of in-memory dependencies.
type Switch struct {
	Deps     *discovery.Deps
	Registry *participant.MemoryRegistry
	Oracles  *oracle.MemoryStore
	Cache    *proxycache.MemoryClient
	Hops     *testutil.Hops
}

type options struct {
	proxy bool
	api   fspiop.APIType
}

// Option configures New.
type Option func(*options)

// WithProxies enables inter-scheme routing with a memory proxy cache.
func WithProxies() Option { return func(o *options) { o.proxy = true } }

// WithAPI selects the callback payload format.
func WithAPI(api fspiop.APIType) Option { return func(o *options) { o.api = api } }

// New builds a Switch.
func New(t testing.TB, opts ...Option) *Switch {
	t.Helper()
	o := options{api: fspiop.APIFSPIOP}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Switch{
		Registry: participant.NewMemoryRegistry(),
		Oracles:  oracle.NewMemoryStore(),
		Hops:     testutil.NewHops(),
	}
	logger := logging.Discard()
	s.Deps = &discovery.Deps{
		HubName:      Hub,
		Participants: s.Registry,
		Oracle:       oracle.NewGateway(s.Oracles, s.Hops, Hub, logger),
		Callbacks: callback.NewDispatcher(
			endpoints.NewResolver(s.Registry, time.Minute),
			s.Hops,
			callback.NewFormatter(o.api),
			Hub,
			logger,
		),
		Logger: logger,
	}
	if o.proxy {
		s.Cache = proxycache.NewMemoryClient(proxycache.Options{})
		s.Deps.ProxyCache = s.Cache
	}
	return s
}

// URL is the base URL the harness registers for an FSP.
func URL(name string) string {
	return "http://" + name + ".test"
}

// OracleURL is the base URL of the oracle added by AddOracle.
func OracleURL(t fspiop.PartyIDType) string {
	return "http://oracle-" + string(t) + ".test"
}

// AddFSP registers an active participant with every callback endpoint.
func (s *Switch) AddFSP(name string) {
	s.add(name, false)
}

// AddProxy registers an active participant acting as an inter-scheme proxy.
func (s *Switch) AddProxy(name string) {
	s.add(name, true)
}

func (s *Switch) add(name string, proxy bool) {
	s.Registry.Add(participant.Participant{Name: name, IsActive: true, IsProxy: proxy})
	base := URL(name)
	parties := base + "/parties/{{partyIdType}}/{{partyIdentifier}}"
	subParties := parties + "/{{partySubIdOrType}}"
	participants := base + "/participants/{{partyIdType}}/{{partyIdentifier}}"
	subParticipants := participants + "/{{partySubIdOrType}}"
	batch := base + "/participants/{{requestId}}"
	for typ, value := range map[fspiop.EndpointType]string{
		fspiop.EndpointPartiesGet:             parties,
		fspiop.EndpointPartiesPut:             parties,
		fspiop.EndpointPartiesPutError:        parties + "/error",
		fspiop.EndpointPartiesSubIDGet:        subParties,
		fspiop.EndpointPartiesSubIDPut:        subParties,
		fspiop.EndpointPartiesSubIDPutError:   subParties + "/error",
		fspiop.EndpointParticipantPut:         participants,
		fspiop.EndpointParticipantPutError:    participants + "/error",
		fspiop.EndpointParticipantSubIDPut:    subParticipants,
		fspiop.EndpointParticipantSubIDPutErr: subParticipants + "/error",
		fspiop.EndpointParticipantBatchPut:    batch,
		fspiop.EndpointParticipantBatchPutErr: batch + "/error",
	} {
		s.Registry.AddEndpoint(name, participant.Endpoint{Type: typ, Value: value})
	}
}

// AddOracle registers the default oracle for t at OracleURL(t).
func (s *Switch) AddOracle(t fspiop.PartyIDType) {
	_ = s.Oracles.Create(context.Background(), &oracle.Descriptor{
		PartyIDType: t,
		BaseURL:     OracleURL(t),
		IsDefault:   true,
		IsActive:    true,
	})
}
