package transport

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/randalmurphal/waypoint/pkg/waypoint"
	"github.com/randalmurphal/waypoint/pkg/waypoint/stream"
)

// StreamSSE handles GET /v1/sessions/:id/stream.
func (h *Handler) StreamSSE(c echo.Context) error {
	if h.streamer == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "streaming is disabled", Code: "unavailable"})
	}
	id := c.Param("id")
	err := h.streamer.ServeSSE(c.Request().Context(), c.Response(), id, heartbeatParam(c))
	switch {
	case errors.Is(err, stream.ErrSessionNotFound):
		return writeError(c, waypoint.ErrSessionNotFound)
	case err != nil && !c.Response().Committed:
		return writeError(c, err)
	case err != nil:
		h.logStreamError(id, "sse", err)
	}
	return nil
}

// StreamWebSocket handles GET /v1/sessions/:id/ws.
func (h *Handler) StreamWebSocket(c echo.Context) error {
	if h.streamer == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "streaming is disabled", Code: "unavailable"})
	}
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		return nil
	}
	id := c.Param("id")
	if err := h.streamer.ServeWebSocket(c.Request().Context(), conn, id, heartbeatParam(c)); err != nil && !errors.Is(err, stream.ErrSessionNotFound) {
		h.logStreamError(id, "websocket", err)
	}
	return nil
}

// heartbeatParam defaults to on; ?heartbeat=false disables it.
func heartbeatParam(c echo.Context) bool {
	v, err := strconv.ParseBool(c.QueryParam("heartbeat"))
	return err != nil || v
}

func (h *Handler) logStreamError(sessionID, transport string, err error) {
	if h.logger == nil {
		return
	}
	h.logger.Debug("stream ended with error",
		slog.String("session_id", sessionID),
		slog.String("transport", transport),
		slog.String("error", err.Error()),
	)
}
