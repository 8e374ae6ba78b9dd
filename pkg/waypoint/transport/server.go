// Package transport exposes a Manager over HTTP: the client API, the
// executor callback API, and SSE and WebSocket progress streams.
package transport

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/randalmurphal/waypoint/pkg/waypoint"
	"github.com/randalmurphal/waypoint/pkg/waypoint/stream"
)

// Handler serves the HTTP API for one Manager.
type Handler struct {
	mgr      *waypoint.Manager
	streamer *stream.Streamer
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger for request and stream failures.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithAllowedOrigins restricts WebSocket upgrades to the given origins.
// Without it any origin may connect.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Handler) {
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[strings.TrimRight(o, "/")] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
}

// NewHandler creates a handler. streamer may be nil, in which case the
// stream routes answer 503.
func NewHandler(mgr *waypoint.Manager, streamer *stream.Streamer, opts ...Option) *Handler {
	h := &Handler{
		mgr:      mgr,
		streamer: streamer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	v1 := e.Group("/v1")

	// Client API
	v1.POST("/sessions", h.CreateSession)
	v1.GET("/sessions", h.ListSessions)
	v1.GET("/sessions/:id", h.GetSession)
	v1.GET("/sessions/:id/result", h.GetResult)
	v1.POST("/sessions/:id/cancel", h.CancelSession)
	v1.POST("/sessions/:id/recover", h.RecoverSession)
	v1.DELETE("/sessions/:id", h.DeleteSession)
	v1.GET("/sessions/:id/stream", h.StreamSSE)
	v1.GET("/sessions/:id/ws", h.StreamWebSocket)
	v1.GET("/metrics", h.GetMetrics)

	// Executor callbacks
	v1.POST("/callbacks/:id/:agent", h.StageCallback)
	v1.POST("/callbacks/:id/:agent/progress", h.ProgressCallback)

	e.GET("/health", h.Health)
}

// NewServer creates an echo server with the API registered.
func NewServer(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if h.logger == nil {
				return nil
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Float64("latency_ms", float64(v.Latency.Microseconds())/1000),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			h.logger.LogAttrs(c.Request().Context(), slog.LevelDebug, "request", attrs...)
			return nil
		},
	}))

	h.RegisterRoutes(e)
	return e
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}
