// Package errs defines the orchestrator's error kinds (spec §7) as sentinel
// errors plus a structured wrapper, following the framework-wide error
// design: errors.Is/As-friendly sentinels for comparison, one wrapping type
// for operation/kind/id context.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors. Compare with errors.Is, never by string.
var (
	// ErrTransportFailure: backend unreachable or protocol error.
	ErrTransportFailure = errors.New("transport failure")
	// ErrTimeout: deadline exceeded waiting on a backend.
	ErrTimeout = errors.New("timeout")
	// ErrTruncation: structurally incomplete output or finishReason=length.
	ErrTruncation = errors.New("truncated response")
	// ErrCapacityOverflow: input exceeds the largest available backend's context.
	ErrCapacityOverflow = errors.New("capacity overflow")
	// ErrBreakerOpen: the chosen backend's circuit breaker is open.
	ErrBreakerOpen = errors.New("circuit breaker open")
	// ErrPolicyRejection: forced backend is unknown or forbidden.
	ErrPolicyRejection = errors.New("policy rejection")
	// ErrAnalysisFailure: a background post-hoc analysis pass failed.
	ErrAnalysisFailure = errors.New("analysis failure")

	// ErrNoBackendsAvailable: health filtering left nothing to route to.
	ErrNoBackendsAvailable = errors.New("no backends available")
	// ErrUnknownBackend: a backend key that was never registered.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrQueueFull: the background queue rejected an insert outright (should not
	// normally happen; the queue evicts instead of rejecting, see §4.G).
	ErrQueueFull = errors.New("background queue full")
	// ErrItemExpired: a queue item aged out past its TTL before being drained.
	ErrItemExpired = errors.New("queue item expired")
	// ErrPoisonPill: an item exceeded MAX_RETRIES and was dead-lettered.
	ErrPoisonPill = errors.New("poison pill dead-lettered")
	// ErrCouncilUnavailable: fewer than the minimum required backends are healthy.
	ErrCouncilUnavailable = errors.New("council unavailable")
)

// OrchestratorError carries structured context around a sentinel error kind.
type OrchestratorError struct {
	Op      string // e.g. "router.Route", "planner.Plan"
	Backend string // backend key involved, if any
	Message string
	Err     error // one of the sentinels above, or nil
}

func (e *OrchestratorError) Error() string {
	switch {
	case e.Op != "" && e.Backend != "" && e.Err != nil:
		return fmt.Sprintf("%s[%s]: %s: %v", e.Op, e.Backend, e.Message, e.Err)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	default:
		return e.Message
	}
}

func (e *OrchestratorError) Unwrap() error { return e.Err }

// New builds an OrchestratorError wrapping one of the sentinels.
func New(op string, kind error, message string) *OrchestratorError {
	return &OrchestratorError{Op: op, Message: message, Err: kind}
}

// WithBackend attaches the backend key involved, returning the same error for chaining.
func (e *OrchestratorError) WithBackend(backend string) *OrchestratorError {
	e.Backend = backend
	return e
}

// Retryable reports whether the Execution Loop should attempt fallback/retry
// for this error locally (§7 propagation policy), as opposed to surfacing it
// to the caller immediately.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransportFailure) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrTruncation) ||
		errors.Is(err, ErrBreakerOpen)
}

// Terminal reports whether err must be surfaced to the caller rather than
// recovered locally by the Execution Loop.
func Terminal(err error) bool {
	return errors.Is(err, ErrCapacityOverflow) || errors.Is(err, ErrPolicyRejection)
}

// Background reports whether err originated in the Background Queue / Playbook
// and therefore must never break a foreground request (§7).
func Background(err error) bool {
	return errors.Is(err, ErrAnalysisFailure) || errors.Is(err, ErrPoisonPill)
}
