package waypoint

import (
	"errors"

	"github.com/randalmurphal/waypoint/pkg/waypoint/checkpoint"
	"github.com/randalmurphal/waypoint/pkg/waypoint/dispatch"
	"github.com/randalmurphal/waypoint/pkg/waypoint/repository"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

// Errors returned by Manager operations, re-exported from the packages
// that produce them so callers need only this import.
var (
	ErrSessionNotFound    = repository.ErrSessionNotFound
	ErrStorageUnavailable = repository.ErrStorageUnavailable
	ErrCorruptedState     = repository.ErrCorruptedState
	ErrVersionConflict    = repository.ErrVersionConflict
	ErrSessionTerminal    = session.ErrSessionTerminal
	ErrInvalidTransition  = session.ErrInvalidTransition
	ErrStaleStage         = session.ErrStaleStage
	ErrUnknownAgent       = session.ErrUnknownAgent
	ErrNotRecoverable     = checkpoint.ErrNotRecoverable
	ErrDispatchFailure    = dispatch.ErrDispatchFailure
)

// IsNoop reports whether err means the request was a duplicate or arrived
// after the session finished. The session is unchanged in either case.
func IsNoop(err error) bool {
	return session.IsNoop(err)
}

// errSkip aborts a mutation without writing when a re-check inside the
// update finds there is nothing to do.
var errSkip = errors.New("nothing to update")
