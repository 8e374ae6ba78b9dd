package waypoint

import (
	"log/slog"
	"strings"
	"time"

	"github.com/randalmurphal/waypoint/pkg/waypoint/dispatch"
	"github.com/randalmurphal/waypoint/pkg/waypoint/metrics"
	"github.com/randalmurphal/waypoint/pkg/waypoint/observability"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
	"github.com/randalmurphal/waypoint/pkg/waypoint/stream"
)

// Option configures a Manager.
type Option func(*Manager)

// WithDispatcher sets the dispatcher that runs stages. Without one the
// Manager only tracks state; something else must start the work.
func WithDispatcher(d dispatch.Dispatcher) Option {
	return func(m *Manager) {
		m.dispatcher = d
	}
}

// WithBroadcaster sets the broadcaster that receives progress on every
// write.
func WithBroadcaster(b *stream.Broadcaster) Option {
	return func(m *Manager) {
		m.broadcaster = b
	}
}

// WithMetrics sets the aggregator for finished sessions.
// Default: an aggregator over the Manager's repository.
func WithMetrics(a *metrics.Aggregator) Option {
	return func(m *Manager) {
		m.aggregator = a
	}
}

// WithLogger sets the logger. Default: no logging.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithSpanManager sets the tracer. Default: observability.NoopSpanManager.
func WithSpanManager(sm observability.SpanManager) Option {
	return func(m *Manager) {
		if sm != nil {
			m.spans = sm
		}
	}
}

// WithMetricsRecorder sets the OpenTelemetry recorder.
// Default: observability.NoopMetrics.
func WithMetricsRecorder(rec observability.MetricsRecorder) Option {
	return func(m *Manager) {
		if rec != nil {
			m.metrics = rec
		}
	}
}

// WithCallbackURL sets the base URL executors report to. Each step gets
// {base}/{sessionID}/{agent}.
//
// Example:
//
//	waypoint.WithCallbackURL("https://waypoint.internal/v1/callbacks")
func WithCallbackURL(base string) Option {
	return func(m *Manager) {
		m.callbackURL = strings.TrimRight(base, "/")
	}
}

// WithDefaults sets the session config used when Create is given none,
// and the source of zero-valued limits when it is. Default:
// session.DefaultConfig.
func WithDefaults(cfg session.Config) Option {
	return func(m *Manager) {
		m.defaults = cfg.WithDefaults(session.DefaultConfig)
	}
}

// WithClock sets the time source. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithStallAfter overrides each session's MaxExecutionTime as the stall
// threshold used by Sweep. Zero keeps the per-session limit.
func WithStallAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.stallAfter = d
		}
	}
}
