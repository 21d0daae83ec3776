// Package circuitbreaker guards outbound dependencies. Each key tracks its
// own circuit: consecutive failures trip it open, a cooldown later lets a
// single probe through, and the probe's outcome decides whether the circuit
// closes again.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of a single circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fubapay",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit state transitions by key.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	strikes  int
	openedAt time.Time
}

// Breaker holds one circuit per key. The zero value is not usable; construct
// with New.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	trip     int
	cooldown time.Duration
	now      func() time.Time
}

// New returns a breaker that opens a key's circuit after trip consecutive
// failures and waits cooldown before probing. Non-positive arguments fall
// back to 5 failures and 30 seconds.
func New(trip int, cooldown time.Duration) *Breaker {
	if trip <= 0 {
		trip = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits: make(map[string]*circuit),
		trip:     trip,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Allow reports whether a call for key may proceed. On an open circuit past
// its cooldown it admits exactly one probe and moves to half-open; further
// calls are refused until the probe is recorded.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.move(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	}
	return true
}

// RecordSuccess clears the strike count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return
	}
	c.strikes = 0
	if c.state == StateHalfOpen {
		b.move(key, c, StateClosed)
	}
}

// RecordFailure adds a strike. A failed probe reopens immediately; a closed
// circuit opens once strikes reach the trip threshold.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.strikes++

	switch {
	case c.state == StateHalfOpen:
		b.move(key, c, StateOpen)
	case c.state == StateClosed && c.strikes >= b.trip:
		b.move(key, c, StateOpen)
	}
}

// State returns the circuit state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.circuits[key]; c != nil {
		return c.state
	}
	return StateClosed
}

// move must be called with b.mu held.
func (b *Breaker) move(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if to == StateOpen {
		c.openedAt = b.now()
	}
	transitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
}
