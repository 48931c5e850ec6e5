package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition is returned for a transition outside the stage graph.
	ErrInvalidTransition = errors.New("invalid stage transition")
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotQueued is returned when a queue operation names a session that
	// is not queued.
	ErrNotQueued = errors.New("session is not queued")
	// ErrConcurrencyConflict is returned when activating a session while
	// another session of the same project is active.
	ErrConcurrencyConflict = errors.New("another session is active for this project")
	// ErrPlanNotApproved guards planning→implementing.
	ErrPlanNotApproved = errors.New("plan is not approved")
	// ErrDecisionNotFound is returned for an unknown decision id.
	ErrDecisionNotFound = errors.New("decision not found")
	// ErrTerminal is returned when mutating a completed session.
	ErrTerminal = errors.New("session is completed")
	// ErrNotActive is returned when starting an invocation for a session
	// that does not hold its project's active slot.
	ErrNotActive = errors.New("session is not active")
	// ErrInvocationInFlight is returned when pausing a session whose agent
	// invocation has not finished.
	ErrInvocationInFlight = errors.New("agent invocation in flight")
)

// TransitionError names the attempted and valid targets of a rejected
// transition.
type TransitionError struct {
	SessionID string
	From      Stage
	To        Stage
	Valid     []Stage
	// Reason is set when the edge exists but a guard failed.
	Reason error
}

func (e *TransitionError) Error() string {
	names := make([]string, len(e.Valid))
	for i, s := range e.Valid {
		names[i] = s.String()
	}
	msg := fmt.Sprintf("invalid stage transition for session %s: %s -> %s (valid: %s)",
		e.SessionID, e.From, e.To, strings.Join(names, ", "))
	if e.Reason != nil {
		msg += ": " + e.Reason.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrInvalidTransition) true.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Unwrap exposes the guard failure, if any.
func (e *TransitionError) Unwrap() error {
	return e.Reason
}
