// Package parties runs party discovery: GET /parties finds the FSP owning an
// identifier (through the oracle, a known destination or inter-scheme
// proxies) and forwards the lookup there; PUT /parties and its error variant
// relay the answer back to whoever asked.
package parties

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mbd888/alswitch/internal/callback"
	"github.com/mbd888/alswitch/internal/discovery"
	"github.com/mbd888/alswitch/internal/fspiop"
	"github.com/mbd888/alswitch/internal/logging"
	"github.com/mbd888/alswitch/internal/oracle"
	"github.com/mbd888/alswitch/internal/proxycache"
	"github.com/mbd888/alswitch/internal/traces"
)

const (
	taskGet      = "parties.get"
	taskPut      = "parties.put"
	taskPutError = "parties.put_error"
)

// Request is one inbound parties call.
type Request struct {
	Header http.Header
	Params fspiop.Params
	// Body is the raw payload of PUT calls, relayed as received.
	Body []byte
}

func (r Request) routing() fspiop.RequestHeaders {
	return fspiop.RoutingHeaders(r.Header)
}

// Service implements the parties protocol.
type Service struct {
	deps   *discovery.Deps
	runner *discovery.Runner
}

// NewService creates a Service. runner executes detached work and fan-out
// groups.
func NewService(deps *discovery.Deps, runner *discovery.Runner) *Service {
	return &Service{deps: deps, runner: runner}
}

// Get runs GET /parties to completion, sending an error callback to the
// requester if it fails.
func (s *Service) Get(ctx context.Context, req Request) {
	discovery.Guard(ctx, taskGet, s.deps.Logger, s.getFn(req), s.replyError(req))
}

// Put relays a PUT /parties answer.
func (s *Service) Put(ctx context.Context, req Request) {
	discovery.Guard(ctx, taskPut, s.deps.Logger, s.putFn(req), s.replyError(req))
}

// PutError relays a PUT /parties/.../error answer.
func (s *Service) PutError(ctx context.Context, req Request) {
	discovery.Guard(ctx, taskPutError, s.deps.Logger, s.putErrorFn(req), s.replyError(req))
}

// SubmitGet queues Get on the runner and returns immediately.
func (s *Service) SubmitGet(ctx context.Context, req Request) error {
	return s.runner.Go(ctx, taskGet, s.getFn(req), s.replyError(req))
}

// SubmitPut queues Put.
func (s *Service) SubmitPut(ctx context.Context, req Request) error {
	return s.runner.Go(ctx, taskPut, s.putFn(req), s.replyError(req))
}

// SubmitPutError queues PutError.
func (s *Service) SubmitPutError(ctx context.Context, req Request) error {
	return s.runner.Go(ctx, taskPutError, s.putErrorFn(req), s.replyError(req))
}

func (s *Service) getFn(req Request) func(context.Context) error {
	return func(ctx context.Context) error { return s.get(ctx, req) }
}

func (s *Service) putFn(req Request) func(context.Context) error {
	return func(ctx context.Context) error { return s.put(ctx, req) }
}

func (s *Service) putErrorFn(req Request) func(context.Context) error {
	return func(ctx context.Context) error { return s.putError(ctx, req) }
}

// replyError answers the source of req. For a GET that is the requester;
// for a PUT it is the FSP that sent the answer, never the original
// requester of the lookup.
func (s *Service) replyError(req Request) discovery.Fallback {
	return func(ctx context.Context, cause error) error {
		route := s.deps.ErrorRoute(ctx, req.routing())
		_, _, errEP := fspiop.PartiesEndpoints(req.Params)
		cb := s.callback(route, req)
		cb.Endpoint = errEP
		cb.Body = nil
		return s.deps.Callbacks.SendErrorCallback(ctx, cb, cause)
	}
}

func (s *Service) callback(route discovery.Route, req Request) callback.Callback {
	cb := route.Callback()
	cb.Values = fspiop.TemplateValues{Params: req.Params}
	cb.Resource = fspiop.ResourceParties
	cb.Header = req.Header
	cb.Body = req.Body
	return cb
}

func (s *Service) span(ctx context.Context, name string, req Request) (context.Context, func(error)) {
	h := req.routing()
	ctx = logging.WithDiscovery(ctx, h.Source, h.Destination, string(req.Params.Type), req.Params.ID)
	ctx, span := traces.StartSpan(ctx, name,
		traces.Source(h.Source),
		traces.Destination(h.Destination),
		traces.Proxy(h.Proxy),
		traces.PartyType(string(req.Params.Type)),
		traces.PartyID(req.Params.ID),
	)
	return ctx, func(err error) { traces.End(span, err) }
}

func (s *Service) get(ctx context.Context, req Request) (err error) {
	ctx, end := s.span(ctx, taskGet, req)
	defer func() { end(err) }()

	h := req.routing()
	if _, err = s.deps.ValidateRequester(ctx, h); err != nil {
		return err
	}

	if h.Destination != "" {
		var sent bool
		sent, err = s.forwardToDestination(ctx, req, h.Destination)
		if err != nil || sent {
			return err
		}
	}
	return s.discover(ctx, req)
}

// forwardToDestination sends the lookup straight to a destination the
// requester named. false means the destination is unknown here and the
// oracle should be asked instead.
func (s *Service) forwardToDestination(ctx context.Context, req Request, destination string) (bool, error) {
	route, err := s.deps.ResolveRoute(ctx, destination)
	var nr *discovery.NoRouteError
	if errors.As(err, &nr) {
		s.deps.Log(ctx).Info("named destination not routable, asking the oracle")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, s.forward(ctx, req, route)
}

// forward sends the GET along route. Lookups crossing into another scheme
// start a get-parties timer first so silence turns into a timeout error.
func (s *Service) forward(ctx context.Context, req Request, route discovery.Route) error {
	var alsReq proxycache.AlsRequest
	if route.Proxied() {
		alsReq = proxycache.NewAlsRequest(req.routing().Source, req.Params)
		if _, err := s.deps.ProxyCache.SetProxyGetPartiesTimeout(ctx, alsReq, route.Via); err != nil {
			return err
		}
	}

	getEP, _, _ := fspiop.PartiesEndpoints(req.Params)
	cb := s.callback(route, req)
	cb.Endpoint = getEP
	cb.Method = http.MethodGet
	cb.Body = nil
	err := s.deps.Callbacks.Relay(ctx, cb)
	if err != nil && route.Proxied() {
		// the error callback answers the requester; the timer must not
		// answer again
		if _, rerr := s.deps.ProxyCache.RemoveProxyGetPartiesTimeout(ctx, alsReq, route.Via); rerr != nil {
			s.deps.Log(ctx).Warn("get-parties timer not cleared", "proxy", route.Via, "error", rerr)
		}
	}
	return err
}

// discover asks the oracle who owns the party and forwards the lookup to
// every owner it names. No owner at all means asking the other schemes.
func (s *Service) discover(ctx context.Context, req Request) error {
	entries, err := s.deps.Oracle.Lookup(ctx, req.Header, req.Params, "")
	if err != nil {
		var onf *oracle.NotFoundError
		if !errors.As(err, &onf) || !s.deps.ProxyEnabled() {
			return err
		}
		s.deps.Log(ctx).Info("no oracle serves the party type, asking proxies")
		entries = nil
	}

	owners := ownersOf(entries, req.Params.SubID)
	if len(owners) == 0 {
		if s.deps.ProxyEnabled() {
			return s.fanOut(ctx, req)
		}
		return fspiop.NewError(fspiop.ErrPartyNotFound, "no discovery requests forwarded")
	}

	var (
		sent    int
		lastErr error
		stale   []string
	)
	for _, fsp := range owners {
		route, err := s.deps.ResolveRoute(ctx, fsp)
		var nr *discovery.NoRouteError
		switch {
		case errors.As(err, &nr):
			stale = append(stale, fsp)
			continue
		case err != nil:
			return err
		}
		if err := s.forward(ctx, req, route); err != nil {
			s.deps.Log(ctx).Warn("forwarding lookup to owner failed", "fsp", fsp, "error", err)
			lastErr = err
			continue
		}
		sent++
	}

	if len(stale) > 0 {
		s.deps.Log(ctx).Warn("oracle names owners unknown to the scheme", "fsps", stale)
		s.deleteOracleEntry(ctx, req)
	}
	if sent > 0 {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return fspiop.NewError(fspiop.ErrIDNotFound, "party owner is not a participant")
}

// ownersOf returns the distinct owning FSPs, honouring a requested sub-id.
func ownersOf(entries []oracle.PartyEntry, subID string) []string {
	seen := make(map[string]bool, len(entries))
	var out []string
	for _, e := range entries {
		if e.FspID == "" || seen[e.FspID] {
			continue
		}
		if subID != "" && e.PartySubIDOrType != "" && e.PartySubIDOrType != subID {
			continue
		}
		seen[e.FspID] = true
		out = append(out, e.FspID)
	}
	return out
}

// fanOut forwards the lookup to every proxy except the one it came from,
// after recording which proxies owe an answer.
func (s *Service) fanOut(ctx context.Context, req Request) error {
	h := req.routing()
	proxies, err := s.deps.Participants.ListProxies(ctx)
	if err != nil {
		return err
	}
	var targets []string
	for _, p := range proxies {
		if p != h.Proxy && p != h.Source {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return fspiop.NewError(fspiop.ErrPartyNotFound, "no discovery requests forwarded")
	}

	alsReq := proxycache.NewAlsRequest(h.Source, req.Params)
	if _, err := s.deps.ProxyCache.SetSendToProxiesList(ctx, alsReq, targets); err != nil {
		return err
	}

	getEP, _, _ := fspiop.PartiesEndpoints(req.Params)
	header := req.Header.Clone()
	header.Del(fspiop.HeaderDestination)
	errs := make([]error, len(targets))
	group := s.runner.Group()
	for i, proxy := range targets {
		group.Submit(func() {
			cb := s.callback(discovery.Route{Via: proxy}, req)
			cb.Endpoint = getEP
			cb.Method = http.MethodGet
			cb.Header = header
			cb.Body = nil
			errs[i] = s.deps.Callbacks.Relay(ctx, cb)
		})
	}
	_ = group.Wait()

	sent := 0
	settled := false
	for i, err := range errs {
		if err == nil {
			sent++
			continue
		}
		s.deps.Log(ctx).Warn("proxy unreachable", "proxy", targets[i], "error", err)
		last, cerr := s.deps.ProxyCache.ReceivedErrorResponse(ctx, alsReq, targets[i])
		if cerr != nil {
			s.deps.Log(ctx).Warn("proxy failure not recorded", "proxy", targets[i], "error", cerr)
			continue
		}
		// the other proxies already answered with errors that were held back
		settled = settled || last
	}
	if sent == 0 {
		return fspiop.WrapError(fspiop.ErrDestinationCommunication, "no proxy could be reached", errors.Join(errs...))
	}
	if settled {
		return fspiop.WrapError(fspiop.ErrDestinationCommunication, "no proxy found the party", errors.Join(errs...))
	}
	s.deps.Log(ctx).Info("lookup sent to proxies", "proxies", sent)
	return nil
}

func (s *Service) put(ctx context.Context, req Request) (err error) {
	ctx, end := s.span(ctx, taskPut, req)
	defer func() { end(err) }()

	h := req.routing()
	if h.Destination == "" {
		return fspiop.NewError(fspiop.ErrMissingElement, fspiop.HeaderDestination)
	}

	if s.deps.ProxyEnabled() {
		if h.Proxy != "" {
			s.deps.RecordProxyMapping(ctx, h.Source, h.Proxy)
		}
		alsReq := proxycache.NewAlsRequest(h.Destination, req.Params)
		s.clearTimer(ctx, alsReq, h.Proxy)
		first, cerr := s.deps.ProxyCache.ReceivedSuccessResponse(ctx, alsReq)
		switch {
		case cerr != nil:
			s.deps.Log(ctx).Warn("discovery success not recorded", "error", cerr)
		case first:
			s.registerOwner(ctx, req, h.Source)
		}
	}

	route, err := s.deps.ResolveRoute(ctx, h.Destination)
	if err != nil {
		return err
	}
	_, putEP, _ := fspiop.PartiesEndpoints(req.Params)
	cb := s.callback(route, req)
	cb.Endpoint = putEP
	return s.deps.Callbacks.Relay(ctx, cb)
}

func (s *Service) putError(ctx context.Context, req Request) (err error) {
	ctx, end := s.span(ctx, taskPutError, req)
	defer func() { end(err) }()

	h := req.routing()
	if h.Destination == "" {
		return fspiop.NewError(fspiop.ErrMissingElement, fspiop.HeaderDestination)
	}

	if s.deps.ProxyEnabled() {
		alsReq := proxycache.NewAlsRequest(h.Destination, req.Params)
		if h.Proxy != "" {
			s.clearTimer(ctx, alsReq, h.Proxy)
			last, cerr := s.deps.ProxyCache.ReceivedErrorResponse(ctx, alsReq, h.Proxy)
			if cerr != nil {
				s.deps.Log(ctx).Warn("proxy error not recorded, relaying it", "error", cerr)
			} else if !last {
				s.deps.Log(ctx).Info("proxy answered with error, waiting for the others", "proxy", h.Proxy)
				return nil
			}
		} else if errorCode(req.Body) == fspiop.ErrPartyNotFound {
			p, verr := s.deps.Participants.ValidateParticipant(ctx, h.Source)
			if verr == nil && p != nil {
				return s.rediscover(ctx, req)
			}
		}
	}

	route, err := s.deps.ResolveRoute(ctx, h.Destination)
	if err != nil {
		return err
	}
	_, _, errEP := fspiop.PartiesEndpoints(req.Params)
	cb := s.callback(route, req)
	cb.Endpoint = errEP
	return s.deps.Callbacks.Relay(ctx, cb)
}

// rediscover handles a local FSP denying a party the oracle said it owns:
// the oracle entry is dropped and the requester's lookup goes to the
// proxies instead.
func (s *Service) rediscover(ctx context.Context, req Request) error {
	h := req.routing()
	s.deps.Log(ctx).Info("oracle owner denies the party, re-running discovery through proxies")
	s.deleteOracleEntry(ctx, req)

	header := http.Header{}
	header.Set(fspiop.HeaderSource, h.Destination)
	header.Set(fspiop.HeaderDate, fspiop.FormatDate(time.Now()))
	if accept := req.Header.Get(fspiop.HeaderAccept); accept != "" {
		header.Set(fspiop.HeaderAccept, accept)
	}
	lookup := Request{Header: header, Params: req.Params}

	if err := s.fanOut(ctx, lookup); err != nil {
		// owed to the requester, not to the FSP that sent the error
		_ = s.replyError(lookup)(ctx, err)
	}
	return nil
}

// clearTimer removes the get-parties timer started when the lookup was
// forwarded to proxy.
func (s *Service) clearTimer(ctx context.Context, alsReq proxycache.AlsRequest, proxy string) {
	if proxy == "" {
		return
	}
	if _, err := s.deps.ProxyCache.RemoveProxyGetPartiesTimeout(ctx, alsReq, proxy); err != nil {
		s.deps.Log(ctx).Warn("get-parties timer not cleared", "proxy", proxy, "error", err)
	}
}

// registerOwner records in the oracle that owner answered an inter-scheme
// lookup, so the next lookup goes straight to it. Best effort.
func (s *Service) registerOwner(ctx context.Context, req Request, owner string) {
	body, _ := json.Marshal(map[string]string{"fspId": owner})
	_, err := s.deps.Oracle.Request(ctx, oracle.Request{
		Method: http.MethodPost,
		Header: s.oracleHeader(owner),
		Params: req.Params,
		Body:   body,
	})
	if err != nil {
		s.deps.Log(ctx).Warn("party owner not registered in oracle", "owner", owner, "error", err)
		return
	}
	s.deps.Log(ctx).Info("party owner registered in oracle", "owner", owner)
}

// deleteOracleEntry drops the oracle's owner record for the party. Best
// effort.
func (s *Service) deleteOracleEntry(ctx context.Context, req Request) {
	_, err := s.deps.Oracle.Request(ctx, oracle.Request{
		Method: http.MethodDelete,
		Header: s.oracleHeader(s.deps.HubName),
		Params: req.Params,
	})
	if err != nil {
		s.deps.Log(ctx).Warn("stale oracle entry not deleted", "error", err)
		return
	}
	s.deps.Log(ctx).Warn("stale oracle entry deleted")
}

func (s *Service) oracleHeader(source string) http.Header {
	h := http.Header{}
	h.Set(fspiop.HeaderSource, source)
	h.Set(fspiop.HeaderDate, fspiop.FormatDate(time.Now()))
	return h
}

// errorCode reads the error code out of an FSPIOP or ISO20022 error body.
func errorCode(body []byte) fspiop.ErrorCode {
	var msg struct {
		ErrorInformation *struct {
			ErrorCode string `json:"errorCode"`
		} `json:"errorInformation"`
		Rpt *struct {
			Rsn *struct {
				Cd string `json:"Cd"`
			} `json:"Rsn"`
		} `json:"Rpt"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return ""
	}
	switch {
	case msg.ErrorInformation != nil:
		return fspiop.ErrorCode(msg.ErrorInformation.ErrorCode)
	case msg.Rpt != nil && msg.Rpt.Rsn != nil:
		return fspiop.ErrorCode(msg.Rpt.Rsn.Cd)
	}
	return ""
}
