// Package callback delivers the asynchronous half of every discovery
// exchange: forwarded requests, relayed answers and the callbacks the switch
// authors itself. Delivery is attempted once; failures are logged and
// counted and handed back to the caller.
package callback

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/alswitch/internal/fspiop"
	"github.com/mbd888/alswitch/internal/logging"
	"github.com/mbd888/alswitch/internal/traces"
	"github.com/mbd888/alswitch/internal/transport"
)

var dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "als",
	Subsystem: "callback",
	Name:      "dispatches_total",
	Help:      "Outbound callbacks by kind and outcome.",
}, []string{"kind", "outcome"})

func init() {
	prometheus.MustRegister(dispatches)
}

const (
	kindRelay   = "relay"
	kindSuccess = "success"
	kindError   = "error"
)

// EndpointResolver renders a participant's registered URL.
type EndpointResolver interface {
	Resolve(ctx context.Context, id string, endpointType fspiop.EndpointType, v fspiop.TemplateValues) (string, error)
}

// Callback is one outbound message.
type Callback struct {
	// Destination is the FSP the message is for. It becomes
	// FSPIOP-Destination.
	Destination string
	// Via owns the endpoint the message is sent to. Set it to the proxy
	// fronting Destination; empty means Destination itself.
	Via string

	Endpoint fspiop.EndpointType
	Values   fspiop.TemplateValues
	Resource fspiop.Resource
	// Method defaults to PUT.
	Method string
	Header http.Header
	Body   []byte
}

func (cb Callback) owner() string {
	if cb.Via != "" {
		return cb.Via
	}
	return cb.Destination
}

func (cb Callback) method() string {
	if cb.Method == "" {
		return http.MethodPut
	}
	return cb.Method
}

// Dispatcher sends callbacks.
type Dispatcher struct {
	resolver  EndpointResolver
	client    transport.Doer
	formatter Formatter
	hubName   string
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(resolver EndpointResolver, client transport.Doer, formatter Formatter, hubName string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		resolver:  resolver,
		client:    client,
		formatter: formatter,
		hubName:   hubName,
		logger:    logger,
	}
}

// Formatter returns the payload strategy in use.
func (d *Dispatcher) Formatter() Formatter { return d.formatter }

// HubName is the identity the switch signs its own callbacks with.
func (d *Dispatcher) HubName() string { return d.hubName }

// Relay forwards a message authored by another FSP, keeping its source.
func (d *Dispatcher) Relay(ctx context.Context, cb Callback) error {
	h := fspiop.ForwardHeaders(cb.Header)
	if cb.Destination != "" {
		h.Set(fspiop.HeaderDestination, cb.Destination)
	}
	return d.send(ctx, kindRelay, cb, h)
}

// SendSuccessCallback sends a payload authored by the switch.
func (d *Dispatcher) SendSuccessCallback(ctx context.Context, cb Callback) error {
	return d.send(ctx, kindSuccess, cb, d.hubHeaders(cb))
}

// SendErrorCallback converts cause into a scheme error, renders it in the
// configured format and sends it to cb.Endpoint.
func (d *Dispatcher) SendErrorCallback(ctx context.Context, cb Callback, cause error) error {
	fe := fspiop.FromError(cause)
	body, err := d.formatter.ErrorBody(fe, Subject{
		Params:   cb.Values.Params,
		Assigner: d.hubName,
		Assignee: cb.Destination,
	})
	if err != nil {
		dispatches.WithLabelValues(kindError, "encode").Inc()
		return fmt.Errorf("encode error callback: %w", err)
	}
	cb.Body = body
	h := d.hubHeaders(cb)
	return d.send(ctx, kindError, cb, h)
}

func (d *Dispatcher) hubHeaders(cb Callback) http.Header {
	h := fspiop.ForwardHeaders(cb.Header)
	h.Set(fspiop.HeaderSource, d.hubName)
	h.Set(fspiop.HeaderDestination, cb.Destination)
	h.Set(fspiop.HeaderContentType, d.formatter.APIType().ContentType(cb.Resource))
	h.Del(fspiop.HeaderAccept)
	h.Del(fspiop.HeaderSignature)
	return h
}

func (d *Dispatcher) send(ctx context.Context, kind string, cb Callback, h http.Header) error {
	attrs := []any{"kind", kind, "destination", cb.Destination, "endpoint_type", cb.Endpoint}
	if cb.Via != "" {
		attrs = append(attrs, "via", cb.Via)
	}
	log := logging.Ctx(ctx, d.logger).With(attrs...)

	ctx, span := traces.StartSpan(ctx, "callback."+kind,
		traces.Destination(cb.Destination),
		traces.Proxy(cb.Via),
		traces.EndpointType(string(cb.Endpoint)),
	)
	var err error
	defer func() { traces.End(span, err) }()

	values := cb.Values
	if values.FSP == "" {
		values.FSP = cb.Destination
	}
	target, err := d.resolver.Resolve(ctx, cb.owner(), cb.Endpoint, values)
	if err != nil {
		dispatches.WithLabelValues(kind, "unresolved").Inc()
		d.failed(log, kind, "callback endpoint not resolvable", err)
		return err
	}

	if kind != kindRelay {
		h.Set(fspiop.HeaderHTTPMethod, cb.method())
		if u, perr := url.Parse(target); perr == nil {
			h.Set(fspiop.HeaderURI, u.RequestURI())
		}
	}

	_, err = d.client.Do(ctx, transport.Request{
		Method: cb.method(),
		URL:    target,
		Header: h,
		Body:   cb.Body,
		Target: "callback",
	})
	if err != nil {
		dispatches.WithLabelValues(kind, "failed").Inc()
		d.failed(log, kind, "callback delivery failed", err, "url", target)
		return err
	}
	dispatches.WithLabelValues(kind, "ok").Inc()
	log.Debug("callback delivered", "url", target)
	return nil
}

// failed logs a delivery failure. A failed error callback is the end of the
// road for that request, so it is logged louder.
func (d *Dispatcher) failed(log *slog.Logger, kind, msg string, err error, args ...any) {
	args = append(args, "error", err)
	if kind == kindError {
		log.Error(msg+", request dropped", args...)
		return
	}
	log.Warn(msg, args...)
}
