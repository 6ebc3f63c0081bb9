package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/mbd888/alswitch/internal/fspiop"
	"github.com/mbd888/alswitch/internal/logging"
	"github.com/mbd888/alswitch/internal/traces"
	"github.com/mbd888/alswitch/internal/transport"
)

// PartyEntry is one owner record returned by an oracle.
type PartyEntry struct {
	FspID            string `json:"fspId"`
	Currency         string `json:"currency,omitempty"`
	PartySubIDOrType string `json:"partySubIdOrType,omitempty"`
}

// ParticipantsResponse is the body of an oracle GET /participants answer.
type ParticipantsResponse struct {
	PartyList []PartyEntry `json:"partyList"`
}

// Request is a single-party oracle call.
type Request struct {
	Method   string
	Header   http.Header
	Params   fspiop.Params
	Currency string
	Body     []byte
}

// BatchRequest is a POST /participants call carrying several parties of one
// identifier type.
type BatchRequest struct {
	Header   http.Header
	Type     fspiop.PartyIDType
	Currency string
	Body     []byte
}

// Gateway routes requests to the oracle responsible for a party type.
type Gateway struct {
	store   Store
	client  transport.Doer
	hubName string
	logger  *slog.Logger
}

// NewGateway creates a Gateway.
func NewGateway(store Store, client transport.Doer, hubName string, logger *slog.Logger) *Gateway {
	return &Gateway{store: store, client: client, hubName: hubName, logger: logger}
}

// Resolve selects the oracle for t and currency. With a currency, exact
// matches are preferred and currency-agnostic oracles of the type are the
// fallback; without one every oracle of the type is a candidate.
func (g *Gateway) Resolve(ctx context.Context, t fspiop.PartyIDType, currency string) (Descriptor, error) {
	var (
		ds  []Descriptor
		err error
	)
	if currency != "" {
		ds, err = g.store.ByTypeAndCurrency(ctx, t, currency)
		if err != nil {
			return Descriptor{}, err
		}
		if !hasActive(ds) {
			all, err := g.store.ByType(ctx, t)
			if err != nil {
				return Descriptor{}, err
			}
			ds = onlyAnyCurrency(all)
		}
	} else {
		ds, err = g.store.ByType(ctx, t)
		if err != nil {
			return Descriptor{}, err
		}
	}

	sel, err := Select(ds)
	if errors.Is(err, errNoCandidates) {
		return Descriptor{}, &NotFoundError{Type: t, Currency: currency}
	}
	var amb *AmbiguousError
	if errors.As(err, &amb) {
		amb.Type, amb.Currency = t, currency
		oracleSelectionIssues.WithLabelValues("ambiguous").Inc()
		g.log(ctx).Warn("ambiguous oracle registry: no default among matches",
			"party_type", t, "currency", currency, "candidates", amb.Candidates)
		return Descriptor{}, amb
	}
	if err != nil {
		return Descriptor{}, err
	}
	if sel.TieBroken {
		oracleSelectionIssues.WithLabelValues("multiple_defaults").Inc()
		g.log(ctx).Warn("several default oracles match, using lowest id",
			"party_type", t, "currency", currency, "oracle_id", sel.Descriptor.ID)
	}
	return sel.Descriptor, nil
}

// Request forwards a single-party request to the selected oracle. Non-2xx
// answers come back as *transport.StatusError.
func (g *Gateway) Request(ctx context.Context, req Request) (*transport.Response, error) {
	ctx, span := traces.StartSpan(ctx, "oracle.request",
		traces.PartyType(string(req.Params.Type)),
		traces.PartyID(req.Params.ID),
	)
	var err error
	defer func() { traces.End(span, err) }()

	d, err := g.Resolve(ctx, req.Params.Type, req.Currency)
	if err != nil {
		oracleRequests.WithLabelValues(req.Method, "unresolved").Inc()
		return nil, err
	}

	target := strings.TrimSuffix(d.BaseURL, "/") + "/participants/" +
		url.PathEscape(string(req.Params.Type)) + "/" + url.PathEscape(req.Params.ID)
	if req.Params.HasSubID() {
		target += "/" + url.PathEscape(req.Params.SubID)
	}
	if req.Currency != "" && (req.Method == http.MethodGet || req.Method == http.MethodDelete) {
		target += "?" + url.Values{"currency": {req.Currency}}.Encode()
	}

	resp, err := g.client.Do(ctx, transport.Request{
		Method: req.Method,
		URL:    target,
		Header: g.headers(req.Header, len(req.Body) > 0),
		Body:   req.Body,
		Target: "oracle",
	})
	oracleRequests.WithLabelValues(req.Method, outcome(err)).Inc()
	return resp, err
}

// Lookup runs a GET against the oracle and returns its party list. A 404
// answer is an empty list: the oracle knows no owner.
func (g *Gateway) Lookup(ctx context.Context, header http.Header, params fspiop.Params, currency string) ([]PartyEntry, error) {
	resp, err := g.Request(ctx, Request{
		Method:   http.MethodGet,
		Header:   header,
		Params:   params,
		Currency: currency,
	})
	if err != nil {
		var se *transport.StatusError
		if errors.As(err, &se) && se.NotFound() {
			return nil, nil
		}
		return nil, err
	}
	return ParsePartyList(resp.Body)
}

// BatchRequest posts a batch of parties to the oracle of req.Type.
func (g *Gateway) BatchRequest(ctx context.Context, req BatchRequest) (*transport.Response, error) {
	ctx, span := traces.StartSpan(ctx, "oracle.batch", traces.PartyType(string(req.Type)))
	var err error
	defer func() { traces.End(span, err) }()

	d, err := g.Resolve(ctx, req.Type, req.Currency)
	if err != nil {
		oracleRequests.WithLabelValues("BATCH", "unresolved").Inc()
		return nil, err
	}
	resp, err := g.client.Do(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    strings.TrimSuffix(d.BaseURL, "/") + "/participants",
		Header: g.headers(req.Header, true),
		Body:   req.Body,
		Target: "oracle",
	})
	oracleRequests.WithLabelValues("BATCH", outcome(err)).Inc()
	return resp, err
}

// ParsePartyList decodes an oracle participants answer. An empty body is an
// empty list.
func ParsePartyList(body []byte) ([]PartyEntry, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var r ParticipantsResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fspiop.WrapError(fspiop.ErrInternalServer, "invalid oracle response", err)
	}
	return r.PartyList, nil
}

func (g *Gateway) headers(in http.Header, withBody bool) http.Header {
	h := fspiop.ForwardHeaders(in)
	h.Set(fspiop.HeaderDestination, g.hubName)
	if h.Get(fspiop.HeaderSource) == "" {
		h.Set(fspiop.HeaderSource, g.hubName)
	}
	contentType := fspiop.APIFSPIOP.ContentType(fspiop.ResourceParticipants)
	if h.Get(fspiop.HeaderAccept) == "" {
		h.Set(fspiop.HeaderAccept, contentType)
	}
	if withBody && h.Get(fspiop.HeaderContentType) == "" {
		h.Set(fspiop.HeaderContentType, contentType)
	}
	if !withBody {
		h.Del(fspiop.HeaderContentType)
	}
	return h
}

func (g *Gateway) log(ctx context.Context) *slog.Logger {
	return logging.Ctx(ctx, g.logger)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var se *transport.StatusError
	if errors.As(err, &se) {
		if se.NotFound() {
			return "not_found"
		}
		return "error_status"
	}
	return "error"
}
