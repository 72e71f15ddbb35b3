// Package circuitbreaker trips upstream calls per model after repeated
// failures, with closed → open → half-open transitions.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit state for one model.
type State int

const (
	StateClosed   State = iota // normal: requests flow through
	StateOpen                  // tripped: requests are rejected
	StateHalfOpen              // probing: one request allowed to test recovery
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

var breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mediagw",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by model, from-state, and to-state.",
}, []string{"model", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(breakerTransitions)
}

type modelCircuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks failure counts per model and trips open when consecutive
// failures reach the threshold. After the open window elapses the circuit
// moves to half-open and admits a single probe.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*modelCircuit
	threshold    int
	openWindow   time.Duration
	onTransition func(model string, from, to State)
}

// New creates a breaker that opens after threshold consecutive failures
// and stays open for openWindow before probing.
func New(threshold int, openWindow time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openWindow <= 0 {
		openWindow = 30 * time.Second
	}
	return &Breaker{
		circuits:   make(map[string]*modelCircuit),
		threshold:  threshold,
		openWindow: openWindow,
	}
}

// OnTransition sets a callback invoked on state changes.
func (b *Breaker) OnTransition(fn func(model string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a request for the model should go out. An open
// circuit past its window flips to half-open and admits the caller as
// the probe.
func (b *Breaker) Allow(model string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[model]
	if !ok {
		return true
	}

	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(c.lastFailure) >= b.openWindow {
			b.transition(c, model, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		// a probe is already in flight
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(model string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[model]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.transition(c, model, StateClosed)
	}
	c.failures = 0
}

// RecordFailure counts a failed request, tripping the circuit open at the
// threshold or when a probe fails.
func (b *Breaker) RecordFailure(model string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[model]
	if !ok {
		c = &modelCircuit{state: StateClosed}
		b.circuits[model] = c
	}

	c.failures++
	c.lastFailure = time.Now()

	if c.state == StateHalfOpen {
		b.transition(c, model, StateOpen)
		return
	}
	if c.state == StateClosed && c.failures >= b.threshold {
		b.transition(c, model, StateOpen)
	}
}

// State returns the current state for a model, StateClosed when unknown.
func (b *Breaker) State(model string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[model]
	if !ok {
		return StateClosed
	}
	return c.state
}

// transition changes state and fires the callback. Caller holds b.mu.
func (b *Breaker) transition(c *modelCircuit, model string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	breakerTransitions.WithLabelValues(model, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(model, from, to)
	}
}
