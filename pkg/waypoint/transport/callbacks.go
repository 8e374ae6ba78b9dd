package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

// Callback statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// StageCallbackRequest is an executor's final report for a stage.
type StageCallbackRequest struct {
	Status     string          `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Cost       float64         `json:"cost"`
	DurationMs int64           `json:"durationMs"`
	Error      string          `json:"error,omitempty"`
}

// StageCallbackResponse acknowledges a completed stage.
type StageCallbackResponse struct {
	CheckpointID string `json:"checkpointId,omitempty"`
}

// ProgressCallbackRequest is an in-flight executor report.
type ProgressCallbackRequest struct {
	Message string  `json:"message,omitempty"`
	Cost    float64 `json:"cost,omitempty"`
	Warning bool    `json:"warning,omitempty"`
}

// StageCallback handles POST /v1/callbacks/:id/:agent.
func (h *Handler) StageCallback(c echo.Context) error {
	agent, err := session.ParseAgent(c.Param("agent"))
	if err != nil {
		return writeError(c, err)
	}
	var req StageCallbackRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Cost < 0 || req.DurationMs < 0 {
		return badRequest(c, "cost and durationMs must not be negative")
	}

	ctx := c.Request().Context()
	id := c.Param("id")

	switch req.Status {
	case StatusCompleted:
		out, err := session.DecodeOutput(agent, req.Output)
		if err != nil {
			return badRequest(c, err.Error())
		}
		cpID, err := h.mgr.Checkpoint(ctx, id, agent, session.StageResult{
			Output:   out,
			Cost:     req.Cost,
			Duration: time.Duration(req.DurationMs) * time.Millisecond,
		})
		if err != nil {
			return writeCallbackError(c, err)
		}
		return c.JSON(http.StatusOK, StageCallbackResponse{CheckpointID: cpID})

	case StatusFailed:
		cause := errors.New("stage failed")
		if req.Error != "" {
			cause = errors.New(req.Error)
		}
		s, err := h.mgr.FailStage(ctx, id, agent, cause)
		if err != nil {
			return writeCallbackError(c, err)
		}
		return c.JSON(http.StatusOK, s)

	default:
		return badRequest(c, `status must be "completed" or "failed"`)
	}
}

// ProgressCallback handles POST /v1/callbacks/:id/:agent/progress.
func (h *Handler) ProgressCallback(c echo.Context) error {
	agent, err := session.ParseAgent(c.Param("agent"))
	if err != nil {
		return writeError(c, err)
	}
	var req ProgressCallbackRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Cost < 0 {
		return badRequest(c, "cost must not be negative")
	}

	_, err = h.mgr.Update(c.Request().Context(), c.Param("id"), session.StageUpdate{
		Agent:   agent,
		Message: req.Message,
		Cost:    req.Cost,
		Warning: req.Warning,
	})
	if err != nil {
		return writeCallbackError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
