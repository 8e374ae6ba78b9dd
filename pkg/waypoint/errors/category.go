// Package errors classifies the infrastructure failures of the session core
// and retries the transient ones.
//
// Two kinds of call go through it: key-value store round trips made by the
// repository, and step deliveries made by the dispatchers. Integrity
// failures, such as a corrupted payload or a conflicting write, surface
// immediately and are never retried.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Category tells a retry loop what to do with an error.
type Category int

const (
	// CategoryTransient failures may succeed on another attempt: a store
	// that is briefly unreachable, an executor answering 503.
	CategoryTransient Category = iota

	// CategoryPermanent failures will fail the same way again.
	CategoryPermanent

	// CategoryIntegrity failures mean the data or the request is wrong.
	CategoryIntegrity
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// CategorizedError is the final error of a retried operation.
type CategorizedError struct {
	Err      error
	Category Category

	// Op names the operation, such as "kv.get" or "dispatch.strategist".
	Op string

	// Attempts is how many times the operation ran.
	Attempts int
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	msg := fmt.Sprintf("%v (%s, %d attempt(s))", e.Err, e.Category, e.Attempts)
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Transient marks err as worth retrying.
func Transient(err error, op string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryTransient, Op: op}
}

// Permanent marks err as not worth retrying.
func Permanent(err error, op string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryPermanent, Op: op}
}

// Integrity marks err as bad data or a rejected request.
func Integrity(err error, op string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryIntegrity, Op: op}
}

// Categorize decides how err should be handled. Errors it does not
// recognise are permanent.
func Categorize(err error) Category {
	var (
		catErr  *CategorizedError
		httpErr *HTTPError
		netErr  net.Error
	)
	switch {
	case err == nil:
		return CategoryPermanent
	case errors.As(err, &catErr):
		return catErr.Category
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The caller gave up; another attempt would too.
		return CategoryPermanent
	case errors.As(err, &httpErr):
		return httpErr.Category()
	case errors.As(err, &netErr) && netErr.Timeout():
		return CategoryTransient
	default:
		return CategoryPermanent
	}
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsIntegrity reports whether err signals bad data or a rejected request.
func IsIntegrity(err error) bool {
	return Categorize(err) == CategoryIntegrity
}
