// Package transport sends outbound hops (oracle requests, FSP forwards and
// callbacks) with bounded timeouts, a per-host circuit breaker and typed
// errors that map onto scheme error codes.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/mbd888/alswitch/internal/circuitbreaker"
)

// DefaultTimeout bounds a hop when the caller configures none.
const DefaultTimeout = 10 * time.Second

const maxResponseSize = 5 * 1024 * 1024 // 5MB

var hopDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "als",
	Subsystem: "transport",
	Name:      "hop_duration_seconds",
	Help:      "Outbound hop latency by target kind and outcome.",
	Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
}, []string{"target", "outcome"})

func init() {
	prometheus.MustRegister(hopDuration)
}

// Request is one outbound hop.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Target labels metrics: "oracle", "fsp", "callback", "registry".
	Target string
}

// Response is the answer of a successful (2xx) hop.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Latency    time.Duration
}

// Doer sends hops. Client implements it; tests substitute fakes.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Client is the shared outbound HTTP client.
type Client struct {
	http    *http.Client
	timeout time.Duration
	breaker *circuitbreaker.Breaker
}

// New creates a Client. breaker may be nil to disable circuit breaking.
func New(timeout time.Duration, breaker *circuitbreaker.Breaker) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
		breaker: breaker,
	}
}

// Do sends req. Non-2xx answers return *StatusError, deadline overruns
// *TimeoutError and everything else *CommunicationError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := req.Target
	if target == "" {
		target = "other"
	}

	var resp *Response
	send := func() error {
		var err error
		resp, err = c.send(ctx, req)
		return err
	}

	start := time.Now()
	var err error
	if c.breaker != nil {
		err = c.breaker.Guard(hostOf(req.URL), countsAgainstHost, send)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = &CommunicationError{Method: req.Method, URL: req.URL, Err: err}
		}
	} else {
		err = send()
	}
	hopDuration.WithLabelValues(target, outcome(err)).Observe(time.Since(start).Seconds())
	return resp, err
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &CommunicationError{Method: req.Method, URL: req.URL, Err: fmt.Errorf("create request: %w", err)}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, &TimeoutError{Method: req.Method, URL: req.URL, Err: err}
		}
		return nil, &CommunicationError{Method: req.Method, URL: req.URL, Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, &CommunicationError{Method: req.Method, URL: req.URL, Err: fmt.Errorf("read response: %w", err)}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &StatusError{Method: req.Method, URL: req.URL, StatusCode: httpResp.StatusCode, Body: respBody}
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
		Latency:    latency,
	}, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isOpenCircuit(err error) bool {
	return errors.Is(err, circuitbreaker.ErrOpen)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var se *StatusError
	var te *TimeoutError
	switch {
	case errors.As(err, &se):
		if se.StatusCode >= 500 {
			return "5xx"
		}
		return "4xx"
	case errors.As(err, &te):
		return "timeout"
	default:
		return "error"
	}
}
