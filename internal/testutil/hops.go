package testutil

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/mbd888/alswitch/internal/transport"
)

// Hop is one outbound request seen by Hops.
type Hop struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// HopFunc answers a hop.
type HopFunc func(Hop) (*transport.Response, error)

type hopRoute struct {
	method string
	prefix string
	fn     HopFunc
}

// Hops is a transport.Doer that records every request and answers from
// routes registered with On. Unmatched requests get an empty 200.
type Hops struct {
	mu     sync.Mutex
	got    []Hop
	routes []hopRoute
}

func NewHops() *Hops {
	return &Hops{}
}

// On answers method requests whose URL starts with prefix. Later routes win.
// An empty method matches any.
func (h *Hops) On(method, prefix string, fn HopFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routes = append(h.routes, hopRoute{method, prefix, fn})
}

// Reply answers with a fixed status and body. Statuses outside 2xx come
// back as *transport.StatusError, as the real client returns them.
func (h *Hops) Reply(method, prefix string, status int, body string) {
	h.On(method, prefix, func(hop Hop) (*transport.Response, error) {
		if status < 200 || status > 299 {
			return nil, &transport.StatusError{Method: hop.Method, URL: hop.URL, StatusCode: status, Body: []byte(body)}
		}
		return &transport.Response{StatusCode: status, Header: http.Header{}, Body: []byte(body)}, nil
	})
}

// Fail answers with err.
func (h *Hops) Fail(method, prefix string, err error) {
	h.On(method, prefix, func(Hop) (*transport.Response, error) { return nil, err })
}

func (h *Hops) Do(_ context.Context, req transport.Request) (*transport.Response, error) {
	hop := Hop{Method: req.Method, URL: req.URL, Header: req.Header.Clone(), Body: append([]byte(nil), req.Body...)}

	h.mu.Lock()
	h.got = append(h.got, hop)
	var fn HopFunc
	for i := len(h.routes) - 1; i >= 0; i-- {
		r := h.routes[i]
		if (r.method == "" || r.method == req.Method) && strings.HasPrefix(req.URL, r.prefix) {
			fn = r.fn
			break
		}
	}
	h.mu.Unlock()

	if fn == nil {
		return &transport.Response{StatusCode: http.StatusOK, Header: http.Header{}}, nil
	}
	return fn(hop)
}

// Requests returns every hop seen so far.
func (h *Hops) Requests() []Hop {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Hop(nil), h.got...)
}

// Matching returns hops with method (any when empty) whose URL starts with
// prefix.
func (h *Hops) Matching(method, prefix string) []Hop {
	var out []Hop
	for _, hop := range h.Requests() {
		if (method == "" || hop.Method == method) && strings.HasPrefix(hop.URL, prefix) {
			out = append(out, hop)
		}
	}
	return out
}

// Reset forgets recorded hops but keeps routes.
func (h *Hops) Reset() {
	h.mu.Lock()
	h.got = nil
	h.mu.Unlock()
}
