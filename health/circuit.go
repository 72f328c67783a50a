package health

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState mirrors the classic three-state breaker.
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// CircuitBreaker counts transport failures within a rolling window and opens
// after FailureThreshold is reached, excluding the backend from routing
// until CoolDown elapses. One breaker guards one backend.
type CircuitBreaker struct {
	FailureThreshold int
	Window           time.Duration
	CoolDown         time.Duration

	state          atomic.Int32
	stateChangedAt atomic.Value // time.Time

	mu       sync.Mutex
	failures []time.Time // timestamps within Window

	halfOpenInFlight atomic.Bool
}

// NewCircuitBreaker builds a breaker with the spec defaults (N=5 failures
// in a rolling window, 30s cool-down) when threshold/window/coolDown are
// zero-valued.
func NewCircuitBreaker(failureThreshold int, window, coolDown time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	cb := &CircuitBreaker{
		FailureThreshold: failureThreshold,
		Window:           window,
		CoolDown:         coolDown,
	}
	cb.state.Store(int32(StateClosed))
	cb.stateChangedAt.Store(time.Now())
	return cb
}

func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

func (cb *CircuitBreaker) changedAt() time.Time {
	return cb.stateChangedAt.Load().(time.Time)
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	cb.state.Store(int32(to))
	cb.stateChangedAt.Store(time.Now())
	if to != StateHalfOpen {
		cb.halfOpenInFlight.Store(false)
	}
}

// Allow reports whether a request may proceed, transitioning Open→HalfOpen
// once CoolDown has elapsed. Only one probe request is allowed through while
// half-open; concurrent callers are rejected until that probe resolves.
func (cb *CircuitBreaker) Allow() bool {
	switch cb.State() {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.changedAt()) >= cb.CoolDown {
			cb.mu.Lock()
			if cb.State() == StateOpen {
				cb.transition(StateHalfOpen)
			}
			cb.mu.Unlock()
			return cb.Allow()
		}
		return false
	case StateHalfOpen:
		return cb.halfOpenInFlight.CompareAndSwap(false, true)
	default:
		return false
	}
}

// RecordSuccess closes the breaker (from any state). The Health Monitor calls
// it for successful probes as well as successful real requests, so a
// successful probe closes an open breaker outright; there is no separate
// half-closed step for probes.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = nil
	if cb.State() != StateClosed {
		cb.transition(StateClosed)
	}
}

// RecordFailure records a transport failure and opens the breaker once
// FailureThreshold failures land within Window. A failure while half-open
// reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.State() == StateHalfOpen {
		cb.transition(StateOpen)
		cb.failures = nil
		return
	}

	now := time.Now()
	cutoff := now.Add(-cb.Window)
	trimmed := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	trimmed = append(trimmed, now)
	cb.failures = trimmed

	if cb.State() == StateClosed && len(cb.failures) >= cb.FailureThreshold {
		cb.transition(StateOpen)
	}
}

// FailureCount reports the number of failures currently counted within the
// window (for diagnostics).
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cutoff := time.Now().Add(-cb.Window)
	n := 0
	for _, t := range cb.failures {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
