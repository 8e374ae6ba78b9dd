package errors

import (
	"fmt"
	"net/http"
)

// HTTPError is a non-2xx answer from an executor endpoint.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Category classifies the status. Overload and gateway statuses are
// transient, 409 is an integrity failure, other 4xx are permanent.
func (e *HTTPError) Category() Category {
	switch {
	case e.StatusCode == http.StatusConflict:
		return CategoryIntegrity
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooEarly,
		e.StatusCode == http.StatusTooManyRequests:
		return CategoryTransient
	case e.StatusCode == http.StatusNotImplemented:
		return CategoryPermanent
	case e.StatusCode >= 500:
		return CategoryTransient
	default:
		return CategoryPermanent
	}
}
