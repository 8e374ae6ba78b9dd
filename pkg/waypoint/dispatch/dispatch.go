// Package dispatch hands pipeline stages to whatever executes them.
//
// A Dispatcher only delivers work. Executors report back through the stage
// callbacks (Manager.Checkpoint, Manager.FailStage), so a dispatch that
// succeeds says nothing about whether the stage will.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

// ErrDispatchFailure is matched by every *DispatchError.
var ErrDispatchFailure = errors.New("dispatch failure")

// ErrNoExecutor is returned by LocalDispatcher for an agent nobody registered.
var ErrNoExecutor = errors.New("no executor registered")

// ErrDispatcherClosed is returned after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Handle identifies one dispatched step. It is persisted on the session so
// any process can cancel the step.
type Handle string

// NewHandle returns a time-sortable handle.
func NewHandle(now time.Time) Handle {
	return Handle(session.NewID(now))
}

// Step is the unit of work for one stage attempt.
type Step struct {
	SessionID            string            `json:"sessionId"`
	Agent                session.AgentType `json:"agent"`
	Stage                int               `json:"stage"`
	Attempt              int               `json:"attempt"`
	CallbackURL          string            `json:"callbackUrl,omitempty"`
	FormData             json.RawMessage   `json:"formData,omitempty"`
	PreviousCheckpointID string            `json:"previousCheckpointId,omitempty"`
}

// Dispatcher delivers steps to executors.
type Dispatcher interface {
	// Dispatch hands the step off and returns a handle for it.
	Dispatch(ctx context.Context, step Step) (Handle, error)

	// Cancel asks the executor to stop a step. Unknown or finished handles
	// are not an error.
	Cancel(ctx context.Context, h Handle) error
}

// Policy bounds redelivery.
type Policy struct {
	// MaxRetries is the number of extra attempts after the first.
	// Default: 3
	MaxRetries int

	// Delay is the fixed wait between attempts.
	// Default: 1s
	Delay time.Duration
}

// DefaultPolicy provides reasonable defaults.
var DefaultPolicy = Policy{
	MaxRetries: 3,
	Delay:      time.Second,
}

// withDefaults fills zero fields. A negative MaxRetries means no retries.
func (p Policy) withDefaults() Policy {
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultPolicy.MaxRetries
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Delay <= 0 {
		p.Delay = DefaultPolicy.Delay
	}
	return p
}

// DispatchError reports a step that could not be delivered or executed
// within its retry budget.
type DispatchError struct {
	SessionID string
	Agent     session.AgentType
	Attempts  int
	Err       error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s for session %s failed after %d attempt(s): %v",
		e.Agent, e.SessionID, e.Attempts, e.Err)
}

// Unwrap returns the last attempt's error.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrDispatchFailure.
func (e *DispatchError) Is(target error) bool {
	return target == ErrDispatchFailure
}
