package transport

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/randalmurphal/waypoint/pkg/waypoint"
)

// errorResponse is the body of every non-2xx answer.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// duplicateResponse acknowledges a callback that changed nothing.
type duplicateResponse struct {
	Duplicate bool   `json:"duplicate"`
	Reason    string `json:"reason"`
}

// statusFor maps Manager errors to HTTP statuses and stable codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, waypoint.ErrSessionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, waypoint.ErrUnknownAgent):
		return http.StatusBadRequest, "unknown_agent"
	case errors.Is(err, waypoint.ErrNotRecoverable):
		return http.StatusConflict, "not_recoverable"
	case errors.Is(err, waypoint.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, waypoint.ErrSessionTerminal):
		return http.StatusConflict, "session_terminal"
	case errors.Is(err, waypoint.ErrDispatchFailure):
		return http.StatusBadGateway, "dispatch_failed"
	case errors.Is(err, waypoint.ErrStorageUnavailable), errors.Is(err, waypoint.ErrVersionConflict):
		return http.StatusServiceUnavailable, "storage_unavailable"
	case errors.Is(err, waypoint.ErrCorruptedState):
		return http.StatusInternalServerError, "corrupted_state"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(c echo.Context, err error) error {
	status, code := statusFor(err)
	return c.JSON(status, errorResponse{Error: err.Error(), Code: code})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg, Code: "bad_request"})
}

// writeCallbackError answers an executor. No-op outcomes are a success
// for the caller: the report was already applied or no longer matters.
func writeCallbackError(c echo.Context, err error) error {
	if waypoint.IsNoop(err) {
		return c.JSON(http.StatusOK, duplicateResponse{Duplicate: true, Reason: err.Error()})
	}
	return writeError(c, err)
}
