package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/alswitch/internal/fspiop"
	"github.com/mbd888/alswitch/internal/retry"
	"github.com/mbd888/alswitch/internal/transport"
)

var timeNow = time.Now

// HTTPRegistry reads participants from the central ledger admin API.
type HTTPRegistry struct {
	baseURL string
	hubName string
	client  transport.Doer
	policy  retry.Policy
}

// NewHTTPRegistry creates a registry client for the ledger at baseURL.
func NewHTTPRegistry(baseURL, hubName string, client transport.Doer) *HTTPRegistry {
	p := retry.DefaultPolicy
	p.Retryable = transport.IsRetryable
	return &HTTPRegistry{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		hubName: hubName,
		client:  client,
		policy:  p,
	}
}

func (r *HTTPRegistry) ValidateParticipant(ctx context.Context, name string) (*Participant, error) {
	if name == "" {
		return nil, nil
	}
	var p Participant
	err := r.get(ctx, "/participants/"+url.PathEscape(name), &p)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.Name == "" {
		p.Name = name
	}
	if !p.Active() {
		return nil, nil
	}
	return &p, nil
}

func (r *HTTPRegistry) Endpoints(ctx context.Context, name string) ([]Endpoint, error) {
	var eps []Endpoint
	if err := r.get(ctx, "/participants/"+url.PathEscape(name)+"/endpoints", &eps); err != nil {
		return nil, err
	}
	return eps, nil
}

func (r *HTTPRegistry) ListProxies(ctx context.Context) ([]string, error) {
	var ps []Participant
	if err := r.get(ctx, "/participants?isProxy=true", &ps); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		if p.IsProxy && p.Active() {
			names = append(names, p.Name)
		}
	}
	return names, nil
}

// Ping checks the ledger is reachable. Used by the health registry.
func (r *HTTPRegistry) Ping(ctx context.Context) error {
	_, err := r.client.Do(ctx, transport.Request{
		Method: http.MethodGet,
		URL:    r.baseURL + "/health",
		Header: r.headers(),
		Target: "registry",
	})
	return err
}

func (r *HTTPRegistry) get(ctx context.Context, path string, out any) error {
	var resp *transport.Response
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		resp, err = r.client.Do(ctx, transport.Request{
			Method: http.MethodGet,
			URL:    r.baseURL + path,
			Header: r.headers(),
			Target: "registry",
		})
		return err
	})
	if err != nil {
		var se *transport.StatusError
		if errors.As(err, &se) && se.NotFound() {
			return ErrNotFound
		}
		return fmt.Errorf("participant registry %s: %w", path, err)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fspiop.WrapError(fspiop.ErrInternalServer, "decode participant registry response", err)
	}
	return nil
}

func (r *HTTPRegistry) headers() http.Header {
	h := http.Header{}
	h.Set(fspiop.HeaderSource, r.hubName)
	h.Set(fspiop.HeaderDate, fspiop.FormatDate(timeNow()))
	h.Set(fspiop.HeaderAccept, "application/json")
	return h
}
