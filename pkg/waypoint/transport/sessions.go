package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/randalmurphal/waypoint/pkg/waypoint"
	"github.com/randalmurphal/waypoint/pkg/waypoint/repository"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

const maxPageSize = 100

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	FormData json.RawMessage `json:"formData"`
	Config   *SessionConfig  `json:"config,omitempty"`
}

// SessionConfig is the client form of session.Config. Durations are
// milliseconds.
type SessionConfig struct {
	MaxExecutionTimeMs int64   `json:"maxExecutionTimeMs,omitempty"`
	MaxCost            float64 `json:"maxCost,omitempty"`
	MaxRetries         int     `json:"maxRetries,omitempty"`
	EnableStreaming    *bool   `json:"enableStreaming,omitempty"`
	AutoRecover        bool    `json:"autoRecover,omitempty"`
}

func (c *SessionConfig) toConfig() *session.Config {
	if c == nil {
		return nil
	}
	cfg := &session.Config{
		MaxExecutionTime: time.Duration(c.MaxExecutionTimeMs) * time.Millisecond,
		MaxCost:          c.MaxCost,
		MaxRetries:       c.MaxRetries,
		EnableStreaming:  true,
		AutoRecover:      c.AutoRecover,
	}
	if c.EnableStreaming != nil {
		cfg.EnableStreaming = *c.EnableStreaming
	}
	return cfg
}

// CancelRequest is the body of POST /v1/sessions/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// ListResponse is one page of sessions.
type ListResponse struct {
	Sessions []*session.WorkflowSession `json:"sessions"`
	Total    int                        `json:"total"`
	HasMore  bool                       `json:"hasMore"`
	Limit    int                        `json:"limit"`
	Offset   int                        `json:"offset"`
}

// CreateSession handles POST /v1/sessions.
func (h *Handler) CreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if len(req.FormData) == 0 || string(req.FormData) == "null" {
		return badRequest(c, "formData is required")
	}
	if cfg := req.Config; cfg != nil && (cfg.MaxExecutionTimeMs < 0 || cfg.MaxCost < 0 || cfg.MaxRetries < 0) {
		return badRequest(c, "config limits must not be negative")
	}

	res, err := h.mgr.Create(c.Request().Context(), req.FormData, req.Config.toConfig())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// ListSessions handles GET /v1/sessions.
func (h *Handler) ListSessions(c echo.Context) error {
	filter := repository.ListFilter{Limit: 20}
	if v := c.QueryParam("state"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st, err := session.ParseState(strings.ToUpper(strings.TrimSpace(part)))
			if err != nil {
				return badRequest(c, err.Error())
			}
			filter.States = append(filter.States, st)
		}
	}
	var err error
	if filter.Limit, err = intParam(c, "limit", filter.Limit); err != nil || filter.Limit < 1 || filter.Limit > maxPageSize {
		return badRequest(c, "limit must be between 1 and 100")
	}
	if filter.Offset, err = intParam(c, "offset", 0); err != nil || filter.Offset < 0 {
		return badRequest(c, "offset must not be negative")
	}

	page, err := h.mgr.List(c.Request().Context(), filter)
	if err != nil {
		return writeError(c, err)
	}
	if page.Sessions == nil {
		page.Sessions = []*session.WorkflowSession{}
	}
	return c.JSON(http.StatusOK, ListResponse{
		Sessions: page.Sessions,
		Total:    page.Total,
		HasMore:  page.HasMore,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	})
}

// GetSession handles GET /v1/sessions/:id.
func (h *Handler) GetSession(c echo.Context) error {
	s, found, err := h.mgr.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if !found {
		return writeError(c, waypoint.ErrSessionNotFound)
	}
	return c.JSON(http.StatusOK, s)
}

// GetResult handles GET /v1/sessions/:id/result. A running session
// answers 202 with its progress.
func (h *Handler) GetResult(c echo.Context) error {
	opts := waypoint.ResultOptions{
		IncludeTimeline:    boolParam(c, "includeTimeline"),
		IncludeDetails:     boolParam(c, "includeDetails"),
		IncludePerformance: boolParam(c, "includePerformance"),
	}
	res, err := h.mgr.GetResult(c.Request().Context(), c.Param("id"), opts)
	if err != nil {
		return writeError(c, err)
	}
	switch res.Status {
	case waypoint.ResultNotFound:
		return c.JSON(http.StatusNotFound, res)
	case waypoint.ResultPending:
		return c.JSON(http.StatusAccepted, res)
	default:
		return c.JSON(http.StatusOK, res)
	}
}

// CancelSession handles POST /v1/sessions/:id/cancel.
func (h *Handler) CancelSession(c echo.Context) error {
	var req CancelRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}
	s, err := h.mgr.Cancel(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

// RecoverSession handles POST /v1/sessions/:id/recover.
func (h *Handler) RecoverSession(c echo.Context) error {
	s, err := h.mgr.Recover(c.Request().Context(), c.Param("id"))
	if err != nil && (s == nil || !errors.Is(err, waypoint.ErrDispatchFailure)) {
		return writeError(c, err)
	}
	if err != nil {
		status, code := statusFor(err)
		return c.JSON(status, struct {
			errorResponse
			Session *session.WorkflowSession `json:"session"`
		}{errorResponse{Error: err.Error(), Code: code}, s})
	}
	return c.JSON(http.StatusOK, s)
}

// DeleteSession handles DELETE /v1/sessions/:id.
func (h *Handler) DeleteSession(c echo.Context) error {
	if err := h.mgr.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// GetMetrics handles GET /v1/metrics.
func (h *Handler) GetMetrics(c echo.Context) error {
	m, err := h.mgr.Metrics(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

func intParam(c echo.Context, name string, def int) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func boolParam(c echo.Context, name string) bool {
	v, err := strconv.ParseBool(c.QueryParam(name))
	return err == nil && v
}
