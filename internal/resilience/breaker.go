// Package resilience wraps collaborator calls with timeouts, jittered
// exponential backoff and per-kind circuit breakers.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/fyrsmithlabs/metapod/internal/fault"
)

// ErrCircuitOpen is returned without calling the collaborator while a breaker is open.
var ErrCircuitOpen = fault.New(fault.PolicyBlocked, "resilience.invoke", errors.New("circuit open"))

// State is the state of a circuit breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// Threshold is the number of failures inside Window the breaker tolerates;
	// one more opens it.
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Window: time.Minute, Cooldown: 30 * time.Second}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// CircuitBreaker tracks transient failures of one operation kind in a rolling window.
//
// closed -> open when failures in the window exceed Threshold.
// open -> half-open once Cooldown has elapsed; exactly one caller gets the trial.
// half-open -> closed on a successful trial, back to open on a failed one.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	state    State
	failures []time.Time
	openedAt time.Time
	trial    bool
	now      func() time.Time
	onChange func(from, to State)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig, now func() time.Time) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{cfg: cfg.withDefaults(), state: StateClosed, now: now}
}

// Allow reports whether a call may proceed. A nil error while half-open
// means the caller owns the single trial and must report its outcome.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.trial = true
		return nil
	case StateHalfOpen:
		if cb.trial {
			return ErrCircuitOpen
		}
		cb.trial = true
		return nil
	default:
		return nil
	}
}

// Ready reports whether Allow would currently succeed, without taking the trial.
func (cb *CircuitBreaker) Ready() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		return cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown
	case StateHalfOpen:
		return !cb.trial
	default:
		return true
	}
}

// RetryAt returns when an open breaker will admit a trial. Zero when not open.
func (cb *CircuitBreaker) RetryAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return time.Time{}
	}
	return cb.openedAt.Add(cb.cfg.Cooldown)
}

// RecordSuccess closes the breaker and clears the window.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = cb.failures[:0]
	cb.trial = false
	if cb.state != StateClosed {
		cb.setState(StateClosed)
	}
}

// RecordFailure counts a transient failure.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if cb.state == StateHalfOpen {
		cb.trial = false
		cb.openedAt = now
		cb.setState(StateOpen)
		return
	}

	cutoff := now.Add(-cb.cfg.Window)
	kept := cb.failures[:0]
	for _, ts := range cb.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	cb.failures = append(kept, now)

	if cb.state == StateClosed && len(cb.failures) > cb.cfg.Threshold {
		cb.openedAt = now
		cb.setState(StateOpen)
	}
}

// Release gives back a half-open trial whose outcome says nothing about the
// dependency, such as a permanent error or a cancelled call.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.trial = false
	}
}

// State returns the current state, reporting an expired open breaker as half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Failures returns the number of failures currently inside the window.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cutoff := cb.now().Add(-cb.cfg.Window)
	n := 0
	for _, ts := range cb.failures {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	cb.state = to
	if to == StateOpen || to == StateClosed {
		cb.failures = cb.failures[:0]
	}
	if cb.onChange != nil && from != to {
		cb.onChange(from, to)
	}
}
