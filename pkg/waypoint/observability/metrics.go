package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records session core metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordSessionCreated counts a new session.
	RecordSessionCreated(ctx context.Context)

	// RecordSessionFinished records a session reaching a terminal state.
	RecordSessionFinished(ctx context.Context, state string, duration time.Duration, cost float64)

	// RecordStage records a stage outcome reported by an executor.
	RecordStage(ctx context.Context, agent string, duration time.Duration, err error)

	// RecordCheckpoint records a checkpoint write.
	RecordCheckpoint(ctx context.Context, agent string, sizeBytes int64)

	// RecordDispatch records a dispatch call.
	RecordDispatch(ctx context.Context, agent string, err error)

	// RecordDelivery records one broadcast: messages handed to subscribers
	// and subscribers dropped for being too slow.
	RecordDelivery(ctx context.Context, delivered, dropped int)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	sessionsCreated  metric.Int64Counter
	sessionsFinished metric.Int64Counter
	sessionLatency   metric.Float64Histogram
	sessionCost      metric.Float64Histogram
	stageRuns        metric.Int64Counter
	stageLatency     metric.Float64Histogram
	stageErrors      metric.Int64Counter
	checkpointSize   metric.Int64Histogram
	dispatchCalls    metric.Int64Counter
	dispatchErrors   metric.Int64Counter
	streamDelivered  metric.Int64Counter
	streamDropped    metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("waypoint")
	m := &otelMetrics{}
	var err error

	if m.sessionsCreated, err = meter.Int64Counter("waypoint.sessions.created",
		metric.WithDescription("Number of sessions created"),
	); err != nil {
		return nil, err
	}
	if m.sessionsFinished, err = meter.Int64Counter("waypoint.sessions.finished",
		metric.WithDescription("Number of sessions that reached a terminal state"),
	); err != nil {
		return nil, err
	}
	if m.sessionLatency, err = meter.Float64Histogram("waypoint.session.duration_ms",
		metric.WithDescription("End-to-end session duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.sessionCost, err = meter.Float64Histogram("waypoint.session.cost",
		metric.WithDescription("Total cost per finished session"),
	); err != nil {
		return nil, err
	}
	if m.stageRuns, err = meter.Int64Counter("waypoint.stage.runs",
		metric.WithDescription("Number of stage outcomes reported"),
	); err != nil {
		return nil, err
	}
	if m.stageLatency, err = meter.Float64Histogram("waypoint.stage.latency_ms",
		metric.WithDescription("Stage execution latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.stageErrors, err = meter.Int64Counter("waypoint.stage.errors",
		metric.WithDescription("Number of failed stages"),
	); err != nil {
		return nil, err
	}
	if m.checkpointSize, err = meter.Int64Histogram("waypoint.checkpoint.size_bytes",
		metric.WithDescription("Checkpoint size in bytes"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.dispatchCalls, err = meter.Int64Counter("waypoint.dispatch.calls",
		metric.WithDescription("Number of dispatch calls"),
	); err != nil {
		return nil, err
	}
	if m.dispatchErrors, err = meter.Int64Counter("waypoint.dispatch.errors",
		metric.WithDescription("Number of failed dispatch calls"),
	); err != nil {
		return nil, err
	}
	if m.streamDelivered, err = meter.Int64Counter("waypoint.stream.delivered",
		metric.WithDescription("Messages handed to stream subscribers"),
	); err != nil {
		return nil, err
	}
	if m.streamDropped, err = meter.Int64Counter("waypoint.stream.dropped",
		metric.WithDescription("Subscribers dropped for falling behind"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordSessionCreated(ctx context.Context) {
	m.sessionsCreated.Add(ctx, 1)
}

func (m *otelMetrics) RecordSessionFinished(ctx context.Context, state string, duration time.Duration, cost float64) {
	attrs := metric.WithAttributes(attribute.String("state", state))
	m.sessionsFinished.Add(ctx, 1, attrs)
	m.sessionLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.sessionCost.Record(ctx, cost, attrs)
}

func (m *otelMetrics) RecordStage(ctx context.Context, agent string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.Bool("success", err == nil),
	)
	m.stageRuns.Add(ctx, 1, attrs)
	m.stageLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.stageErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agent)))
	}
}

func (m *otelMetrics) RecordCheckpoint(ctx context.Context, agent string, sizeBytes int64) {
	m.checkpointSize.Record(ctx, sizeBytes, metric.WithAttributes(attribute.String("agent", agent)))
}

func (m *otelMetrics) RecordDispatch(ctx context.Context, agent string, err error) {
	attrs := metric.WithAttributes(attribute.String("agent", agent))
	m.dispatchCalls.Add(ctx, 1, attrs)
	if err != nil {
		m.dispatchErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordDelivery(ctx context.Context, delivered, dropped int) {
	if delivered > 0 {
		m.streamDelivered.Add(ctx, int64(delivered))
	}
	if dropped > 0 {
		m.streamDropped.Add(ctx, int64(dropped))
	}
}
