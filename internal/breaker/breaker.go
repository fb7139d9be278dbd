// Package breaker implements a per (provider, account) circuit breaker:
// closed under normal operation, opening after a run of upstream failures,
// and allowing a single half-open probe once the cooldown elapses (spec §4
// component 7).
package breaker

import (
	"sync"
	"time"
)

// State is the circuit breaker's current posture.
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
		return "half-open"
	default:
		return "unknown"
	}
}

type circuit struct {
	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	probeInFlight bool
}

// Registry tracks one circuit per (provider, accountId) pair.
type Registry struct {
	mu         sync.Mutex
	circuits   map[string]*circuit
	threshold  int
	cooldown   time.Duration
}

// NewRegistry constructs a Registry. threshold is the consecutive-failure
// count that opens a circuit; cooldown is how long it stays open before a
// half-open probe is allowed.
func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Registry{circuits: make(map[string]*circuit), threshold: threshold, cooldown: cooldown}
}

func key(provider, accountID string) string { return provider + "\x00" + accountID }

func (r *Registry) circuitFor(provider, accountID string) *circuit {
	k := key(provider, accountID)
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[k]
	if !ok {
		c = &circuit{state: StateClosed}
		r.circuits[k] = c
	}
	return c
}

// Allow reports whether a request may be dispatched to this account right
// now. A single caller is let through as a probe once a circuit has been
// open for longer than the cooldown; every other caller is refused until
// that probe resolves via RecordSuccess or RecordFailure.
func (r *Registry) Allow(provider, accountID string) bool {
	c := r.circuitFor(provider, accountID)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(c.openedAt) < r.cooldown {
			return false
		}
		if c.probeInFlight {
			return false
		}
		c.state = StateHalfOpen
		c.probeInFlight = true
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit and resets its failure count.
func (r *Registry) RecordSuccess(provider, accountID string) {
	c := r.circuitFor(provider, accountID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
	c.failures = 0
	c.probeInFlight = false
}

// RecordFailure registers an upstream failure. In the closed state it opens
// the circuit once failures reach the threshold; in the half-open state a
// single failed probe reopens it immediately.
func (r *Registry) RecordFailure(provider, accountID string) {
	c := r.circuitFor(provider, accountID)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = time.Now()
		c.probeInFlight = false
	case StateClosed:
		c.failures++
		if c.failures >= r.threshold {
			c.state = StateOpen
			c.openedAt = time.Now()
		}
	}
}

// StateOf reports the current state for a pair, for diagnostics/admin use.
func (r *Registry) StateOf(provider, accountID string) State {
	c := r.circuitFor(provider, accountID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
