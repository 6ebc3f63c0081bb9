// Package participants maintains and queries party ownership in the
// oracles: which FSP serves an identifier. Single-party calls go to one
// oracle; the batch POST splits its party list by identifier type and calls
// each type's oracle concurrently.
package participants

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mbd888/alswitch/internal/callback"
	"github.com/mbd888/alswitch/internal/discovery"
	"github.com/mbd888/alswitch/internal/fspiop"
	"github.com/mbd888/alswitch/internal/logging"
	"github.com/mbd888/alswitch/internal/oracle"
	"github.com/mbd888/alswitch/internal/traces"
)

const (
	taskGet      = "participants.get"
	taskPost     = "participants.post"
	taskPut      = "participants.put"
	taskDelete   = "participants.delete"
	taskPutError = "participants.put_error"
	taskBatch    = "participants.batch"
)

// Request is one inbound single-party participants call.
type Request struct {
	Header http.Header
	Params fspiop.Params
	// Currency comes from the query string on GET and DELETE.
	Currency string
	Body     []byte
}

func (r Request) routing() fspiop.RequestHeaders {
	return fspiop.RoutingHeaders(r.Header)
}

// BatchRequest is an inbound POST /participants.
type BatchRequest struct {
	Header http.Header
	Body   BatchBody
}

// BatchBody is the payload of POST /participants.
type BatchBody struct {
	RequestID string               `json:"requestId"`
	PartyList []fspiop.PartyIDInfo `json:"partyList"`
	Currency  string               `json:"currency,omitempty"`
}

// BatchResult is one entry of the PUT /participants/{requestId} callback.
type BatchResult struct {
	PartyID          fspiop.PartyIDInfo       `json:"partyId"`
	ErrorInformation *fspiop.ErrorInformation `json:"errorInformation,omitempty"`
}

type batchCallback struct {
	PartyList []json.RawMessage `json:"partyList"`
	Currency  string            `json:"currency,omitempty"`
}

// ownership is the body of POST and PUT /participants/{Type}/{ID}.
type ownership struct {
	FspID    string `json:"fspId"`
	Currency string `json:"currency,omitempty"`
}

// Service implements the participants protocol.
type Service struct {
	deps   *discovery.Deps
	runner *discovery.Runner
}

// NewService creates a Service.
func NewService(deps *discovery.Deps, runner *discovery.Runner) *Service {
	return &Service{deps: deps, runner: runner}
}

// Get runs GET /participants to completion.
func (s *Service) Get(ctx context.Context, req Request) {
	discovery.Guard(ctx, taskGet, s.deps.Logger, s.getFn(req), s.replyError(req))
}

// Post runs POST /participants/{Type}/{ID}.
func (s *Service) Post(ctx context.Context, req Request) {
	discovery.Guard(ctx, taskPost, s.deps.Logger, s.writeFn(req, http.MethodPost), s.replyError(req))
}

// Put runs PUT /participants/{Type}/{ID}.
func (s *Service) Put(ctx context.Context, req Request) {
	discovery.Guard(ctx, taskPut, s.deps.Logger, s.writeFn(req, http.MethodPut), s.replyError(req))
}

// Delete runs DELETE /participants/{Type}/{ID}.
func (s *Service) Delete(ctx context.Context, req Request) {
	discovery.Guard(ctx, taskDelete, s.deps.Logger, s.deleteFn(req), s.replyError(req))
}

// PutError relays PUT /participants/{Type}/{ID}/error.
func (s *Service) PutError(ctx context.Context, req Request) {
	discovery.Guard(ctx, taskPutError, s.deps.Logger, s.putErrorFn(req), s.replyError(req))
}

// PostBatch runs POST /participants.
func (s *Service) PostBatch(ctx context.Context, req BatchRequest) {
	discovery.Guard(ctx, taskBatch, s.deps.Logger, s.batchFn(req), s.replyBatchError(req))
}

// SubmitGet queues Get.
func (s *Service) SubmitGet(ctx context.Context, req Request) error {
	return s.runner.Go(ctx, taskGet, s.getFn(req), s.replyError(req))
}

// SubmitPost queues Post.
func (s *Service) SubmitPost(ctx context.Context, req Request) error {
	return s.runner.Go(ctx, taskPost, s.writeFn(req, http.MethodPost), s.replyError(req))
}

// SubmitPut queues Put.
func (s *Service) SubmitPut(ctx context.Context, req Request) error {
	return s.runner.Go(ctx, taskPut, s.writeFn(req, http.MethodPut), s.replyError(req))
}

// SubmitDelete queues Delete.
func (s *Service) SubmitDelete(ctx context.Context, req Request) error {
	return s.runner.Go(ctx, taskDelete, s.deleteFn(req), s.replyError(req))
}

// SubmitPutError queues PutError.
func (s *Service) SubmitPutError(ctx context.Context, req Request) error {
	return s.runner.Go(ctx, taskPutError, s.putErrorFn(req), s.replyError(req))
}

// SubmitBatch queues PostBatch.
func (s *Service) SubmitBatch(ctx context.Context, req BatchRequest) error {
	return s.runner.Go(ctx, taskBatch, s.batchFn(req), s.replyBatchError(req))
}

func (s *Service) getFn(req Request) func(context.Context) error {
	return func(ctx context.Context) error { return s.get(ctx, req) }
}

func (s *Service) writeFn(req Request, method string) func(context.Context) error {
	return func(ctx context.Context) error { return s.write(ctx, req, method) }
}

func (s *Service) deleteFn(req Request) func(context.Context) error {
	return func(ctx context.Context) error { return s.delete(ctx, req) }
}

func (s *Service) putErrorFn(req Request) func(context.Context) error {
	return func(ctx context.Context) error { return s.putError(ctx, req) }
}

func (s *Service) batchFn(req BatchRequest) func(context.Context) error {
	return func(ctx context.Context) error { return s.batch(ctx, req) }
}

// replyError answers the source of req on its participants error endpoint.
func (s *Service) replyError(req Request) discovery.Fallback {
	return func(ctx context.Context, cause error) error {
		route := s.deps.ErrorRoute(ctx, req.routing())
		_, errEP := fspiop.ParticipantsEndpoints(req.Params)
		cb := s.callback(route, req.Header, errEP, fspiop.TemplateValues{Params: req.Params})
		return s.deps.Callbacks.SendErrorCallback(ctx, cb, cause)
	}
}

func (s *Service) replyBatchError(req BatchRequest) discovery.Fallback {
	return func(ctx context.Context, cause error) error {
		route := s.deps.ErrorRoute(ctx, fspiop.RoutingHeaders(req.Header))
		cb := s.callback(route, req.Header, fspiop.EndpointParticipantBatchPutErr,
			fspiop.TemplateValues{RequestID: req.Body.RequestID})
		return s.deps.Callbacks.SendErrorCallback(ctx, cb, cause)
	}
}

func (s *Service) callback(route discovery.Route, header http.Header, ep fspiop.EndpointType, v fspiop.TemplateValues) callback.Callback {
	cb := route.Callback()
	cb.Endpoint = ep
	cb.Values = v
	cb.Resource = fspiop.ResourceParticipants
	cb.Header = header
	return cb
}

func (s *Service) span(ctx context.Context, name string, req Request) (context.Context, func(error)) {
	h := req.routing()
	ctx = logging.WithDiscovery(ctx, h.Source, h.Destination, string(req.Params.Type), req.Params.ID)
	ctx, span := traces.StartSpan(ctx, name,
		traces.Source(h.Source),
		traces.Proxy(h.Proxy),
		traces.PartyType(string(req.Params.Type)),
		traces.PartyID(req.Params.ID),
	)
	return ctx, func(err error) { traces.End(span, err) }
}

// answer sends the switch's {fspId} reply back to whoever asked.
func (s *Service) answer(ctx context.Context, req Request, fspID string) error {
	route := s.deps.ErrorRoute(ctx, req.routing())
	body, err := s.deps.Callbacks.Formatter().ParticipantBody(fspID, callback.Subject{
		Params:   req.Params,
		Assigner: s.deps.HubName,
		Assignee: route.Destination,
	})
	if err != nil {
		return err
	}
	putEP, _ := fspiop.ParticipantsEndpoints(req.Params)
	cb := s.callback(route, req.Header, putEP, fspiop.TemplateValues{Params: req.Params})
	cb.Body = body
	return s.deps.Callbacks.SendSuccessCallback(ctx, cb)
}

func (s *Service) get(ctx context.Context, req Request) (err error) {
	ctx, end := s.span(ctx, taskGet, req)
	defer func() { end(err) }()

	if _, err = s.deps.ValidateRequester(ctx, req.routing()); err != nil {
		return err
	}
	entries, err := s.deps.Oracle.Lookup(ctx, req.Header, req.Params, req.Currency)
	if err != nil {
		return err
	}
	owner := firstOwner(entries, req.Params.SubID)
	if owner == "" {
		return fspiop.NewError(fspiop.ErrIDNotFound, "party not registered")
	}
	return s.answer(ctx, req, owner)
}

// firstOwner picks the owner to report, honouring a requested sub-id.
func firstOwner(entries []oracle.PartyEntry, subID string) string {
	for _, e := range entries {
		if e.FspID == "" {
			continue
		}
		if subID != "" && e.PartySubIDOrType != "" && e.PartySubIDOrType != subID {
			continue
		}
		return e.FspID
	}
	return ""
}

// write registers (POST) or updates (PUT) the owner of a party. Only the
// owner itself may do so.
func (s *Service) write(ctx context.Context, req Request, method string) (err error) {
	name := taskPost
	if method == http.MethodPut {
		name = taskPut
	}
	ctx, end := s.span(ctx, name, req)
	defer func() { end(err) }()

	h := req.routing()
	if _, err = s.deps.ValidateRequester(ctx, h); err != nil {
		return err
	}
	var body ownership
	if jerr := json.Unmarshal(req.Body, &body); jerr != nil {
		return fspiop.WrapError(fspiop.ErrMalformedSyntax, "participant body", jerr)
	}
	if body.FspID != h.Source {
		return fspiop.NewError(fspiop.ErrAddPartyInfo, "fspId does not match "+fspiop.HeaderSource)
	}

	if _, err = s.deps.Oracle.Request(ctx, oracle.Request{
		Method:   method,
		Header:   req.Header,
		Params:   req.Params,
		Currency: body.Currency,
		Body:     req.Body,
	}); err != nil {
		return err
	}
	return s.answer(ctx, req, body.FspID)
}

func (s *Service) delete(ctx context.Context, req Request) (err error) {
	ctx, end := s.span(ctx, taskDelete, req)
	defer func() { end(err) }()

	h := req.routing()
	if _, err = s.deps.ValidateRequester(ctx, h); err != nil {
		return err
	}
	if _, oerr := s.deps.Oracle.Request(ctx, oracle.Request{
		Method:   http.MethodDelete,
		Header:   req.Header,
		Params:   req.Params,
		Currency: req.Currency,
	}); oerr != nil {
		err = fspiop.WrapError(fspiop.ErrDeletePartyInfo, "oracle delete failed", oerr)
		return err
	}
	return s.answer(ctx, req, h.Source)
}

// putError relays an FSP's error answer to the destination it names.
func (s *Service) putError(ctx context.Context, req Request) (err error) {
	ctx, end := s.span(ctx, taskPutError, req)
	defer func() { end(err) }()

	h := req.routing()
	if h.Destination == "" {
		return fspiop.NewError(fspiop.ErrMissingElement, fspiop.HeaderDestination)
	}
	route, err := s.deps.ResolveRoute(ctx, h.Destination)
	if err != nil {
		return err
	}
	_, errEP := fspiop.ParticipantsEndpoints(req.Params)
	cb := s.callback(route, req.Header, errEP, fspiop.TemplateValues{Params: req.Params})
	cb.Body = req.Body
	return s.deps.Callbacks.Relay(ctx, cb)
}

// typeGroup is the slice of a batch bound for one oracle.
type typeGroup struct {
	typ     fspiop.PartyIDType
	parties []fspiop.PartyIDInfo
	results []json.RawMessage
}

// batch registers every party of the list and reports per-party outcomes
// in one callback. A failure only marks the parties it concerns.
func (s *Service) batch(ctx context.Context, req BatchRequest) (err error) {
	h := fspiop.RoutingHeaders(req.Header)
	ctx = logging.WithDiscovery(ctx, h.Source, h.Destination, "", "")
	ctx, span := traces.StartSpan(ctx, taskBatch, traces.Source(h.Source), traces.Proxy(h.Proxy))
	defer func() { traces.End(span, err) }()

	if _, err = s.deps.ValidateRequester(ctx, h); err != nil {
		return err
	}

	var (
		results []json.RawMessage
		groups  []*typeGroup
		byType  = make(map[fspiop.PartyIDType]*typeGroup)
	)
	for _, p := range req.Body.PartyList {
		switch {
		case !p.PartyIDType.Valid():
			results = append(results, failed(p, fspiop.NewError(fspiop.ErrAddPartyInfo, "unsupported party identifier type")))
			continue
		case p.FspID != h.Source:
			results = append(results, failed(p, fspiop.NewError(fspiop.ErrAddPartyInfo, "fspId does not match "+fspiop.HeaderSource)))
			continue
		}
		g, ok := byType[p.PartyIDType]
		if !ok {
			g = &typeGroup{typ: p.PartyIDType}
			byType[p.PartyIDType] = g
			groups = append(groups, g)
		}
		g.parties = append(g.parties, p)
	}

	group := s.runner.Group()
	for _, g := range groups {
		group.Submit(func() {
			g.results = s.register(ctx, req, g)
		})
	}
	_ = group.Wait()

	for _, g := range groups {
		results = append(results, g.results...)
	}

	body, err := json.Marshal(batchCallback{PartyList: results, Currency: req.Body.Currency})
	if err != nil {
		return err
	}
	route := s.deps.ErrorRoute(ctx, h)
	cb := s.callback(route, req.Header, fspiop.EndpointParticipantBatchPut,
		fspiop.TemplateValues{RequestID: req.Body.RequestID})
	cb.Body = body
	return s.deps.Callbacks.SendSuccessCallback(ctx, cb)
}

// register sends one type group to its oracle. The oracle's own party list
// is reported when it returns one; otherwise every party of the group is
// marked failed.
func (s *Service) register(ctx context.Context, req BatchRequest, g *typeGroup) []json.RawMessage {
	payload, err := json.Marshal(BatchBody{
		RequestID: req.Body.RequestID,
		PartyList: g.parties,
		Currency:  req.Body.Currency,
	})
	if err != nil {
		return failedAll(g.parties, err)
	}
	resp, err := s.deps.Oracle.BatchRequest(ctx, oracle.BatchRequest{
		Header:   req.Header,
		Type:     g.typ,
		Currency: req.Body.Currency,
		Body:     payload,
	})
	if err != nil {
		s.deps.Log(ctx).Warn("oracle batch failed", "party_type", g.typ, "parties", len(g.parties), "error", err)
		var onf *oracle.NotFoundError
		if errors.As(err, &onf) {
			return failedAll(g.parties, fspiop.WrapError(fspiop.ErrAddPartyInfo, "no oracle for party type", err))
		}
		return failedAll(g.parties, err)
	}

	var answer batchCallback
	if jerr := json.Unmarshal(resp.Body, &answer); jerr != nil || len(answer.PartyList) == 0 {
		return failedAll(g.parties, fspiop.NewError(fspiop.ErrAddPartyInfo, "oracle returned no results"))
	}
	return answer.PartyList
}

func failed(p fspiop.PartyIDInfo, err error) json.RawMessage {
	info := fspiop.FromError(err).Information()
	b, _ := json.Marshal(BatchResult{PartyID: p, ErrorInformation: &info})
	return b
}

func failedAll(parties []fspiop.PartyIDInfo, err error) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(parties))
	for _, p := range parties {
		out = append(out, failed(p, err))
	}
	return out
}
