package repository

import (
	"errors"
	"fmt"
)

// Sentinel errors for repository operations.
var (
	// ErrStorageUnavailable indicates the backing store failed after retries.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrCorruptedState indicates a stored payload that could not be decoded.
	ErrCorruptedState = errors.New("corrupted session state")

	// ErrVersionConflict indicates a concurrent writer saved the session
	// first. Reload and retry.
	ErrVersionConflict = errors.New("session version conflict")

	// ErrSessionNotFound indicates an Update on a missing or expired session.
	ErrSessionNotFound = errors.New("session not found")
)

// CorruptedStateError wraps a decode failure with the key it came from.
type CorruptedStateError struct {
	Key string
	Err error
}

// Error implements the error interface.
func (e *CorruptedStateError) Error() string {
	return fmt.Sprintf("corrupted state at %s: %v", e.Key, e.Err)
}

// Unwrap returns the decode error.
func (e *CorruptedStateError) Unwrap() error {
	return e.Err
}

// Is matches ErrCorruptedState.
func (e *CorruptedStateError) Is(target error) bool {
	return target == ErrCorruptedState
}
