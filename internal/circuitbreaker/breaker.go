// Package circuitbreaker guards outbound hops with a per-host circuit breaker
// that moves through closed, open and half-open states.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v4"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // requests flow through
	StateOpen                  // requests are rejected
	StateHalfOpen              // one probe allowed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Guard when the circuit for a host is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "als",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by host, from-state, and to-state.",
}, []string{"host", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(cbStateTransitions)
}

type entry struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per host and trips open once they
// reach the threshold. After openDuration one probe is let through.
type Breaker struct {
	entries      *xsync.Map[string, *entry]
	threshold    int
	openDuration time.Duration
	now          func() time.Time

	cbMu         sync.RWMutex
	onTransition func(host string, from, to State)
}

// New creates a breaker that opens after threshold consecutive failures and
// stays open for openDuration before probing.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		entries:      xsync.NewMap[string, *entry](),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// OnTransition sets a callback invoked on state changes.
func (b *Breaker) OnTransition(fn func(host string, from, to State)) {
	b.cbMu.Lock()
	b.onTransition = fn
	b.cbMu.Unlock()
}

// Allow reports whether a request to host should go out.
func (b *Breaker) Allow(host string) bool {
	e, ok := b.entries.Load(host)
	if !ok {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateOpen:
		if b.now().Sub(e.lastFailure) >= b.openDuration {
			b.transition(e, host, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(host string) {
	e, ok := b.entries.Load(host)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateHalfOpen {
		b.transition(e, host, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failure and trips the circuit when due.
func (b *Breaker) RecordFailure(host string) {
	e, _ := b.entries.LoadOrStore(host, &entry{})
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures++
	e.lastFailure = b.now()

	if e.state == StateHalfOpen {
		b.transition(e, host, StateOpen)
		return
	}
	if e.state == StateClosed && e.failures >= b.threshold {
		b.transition(e, host, StateOpen)
	}
}

// State returns the current state for host. Unknown hosts are closed.
func (b *Breaker) State(host string) State {
	e, ok := b.entries.Load(host)
	if !ok {
		return StateClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Guard runs fn when the circuit for host allows it and records the outcome.
// failure decides which errors count against the host; nil counts all.
func (b *Breaker) Guard(host string, failure func(error) bool, fn func() error) error {
	if !b.Allow(host) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (failure == nil || failure(err)) {
		b.RecordFailure(host)
		return err
	}
	b.RecordSuccess(host)
	return err
}

// transition changes state and fires the callback. Caller holds e.mu.
func (b *Breaker) transition(e *entry, host string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	cbStateTransitions.WithLabelValues(host, from.String(), to.String()).Inc()
	b.cbMu.RLock()
	fn := b.onTransition
	b.cbMu.RUnlock()
	if fn != nil {
		go fn(host, from, to)
	}
}
