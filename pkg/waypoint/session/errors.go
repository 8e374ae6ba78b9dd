package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for state machine operations.
var (
	// ErrSessionTerminal indicates a mutation on a COMPLETED, FAILED, or
	// CANCELLED session. Callers treat it as a no-op.
	ErrSessionTerminal = errors.New("session is in a terminal state")

	// ErrInvalidTransition indicates an out-of-order or skipped-stage request.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrStaleStage indicates a completion or failure report for a stage that
	// has already completed, typically a duplicate delivery.
	ErrStaleStage = errors.New("stage already completed")

	// ErrUnknownAgent indicates an agent identifier outside the pipeline.
	ErrUnknownAgent = errors.New("unknown agent")
)

// TransitionError describes a rejected mutation. The session is unchanged.
type TransitionError struct {
	// From is the state at the time of the request.
	From State
	// To is the requested target state, if any.
	To State
	// Agent is the stage the request was about, if any.
	Agent AgentType
	// Reason explains the rejection.
	Reason string
	// Err is ErrInvalidTransition, ErrSessionTerminal, or ErrStaleStage.
	Err error
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	switch {
	case e.To != "" && e.Agent != "":
		return fmt.Sprintf("%v: %s -> %s (%s): %s", e.Err, e.From, e.To, e.Agent, e.Reason)
	case e.To != "":
		return fmt.Sprintf("%v: %s -> %s: %s", e.Err, e.From, e.To, e.Reason)
	case e.Agent != "":
		return fmt.Sprintf("%v: %s in %s: %s", e.Err, e.Agent, e.From, e.Reason)
	default:
		return fmt.Sprintf("%v: %s: %s", e.Err, e.From, e.Reason)
	}
}

// Unwrap returns the sentinel for errors.Is support.
func (e *TransitionError) Unwrap() error {
	return e.Err
}

// IsNoop reports whether err marks a duplicate or late delivery that should
// be acknowledged without further action.
func IsNoop(err error) bool {
	return errors.Is(err, ErrSessionTerminal) || errors.Is(err, ErrStaleStage)
}
