// Package observability provides structured logging, metrics, and tracing
// for the session core.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// Every log helper accepts a nil logger.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// NewLogger builds a process logger. format is "json" or "text"; level is
// one of debug, info, warn, error.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// EnrichLogger adds session context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "sess-123", "strategist")
//	enriched.Info("doing work") // includes session_id and agent
func EnrichLogger(logger *slog.Logger, sessionID, agent string) *slog.Logger {
	if logger == nil {
		return nil
	}
	if agent == "" {
		return logger.With(slog.String("session_id", sessionID))
	}
	return logger.With(
		slog.String("session_id", sessionID),
		slog.String("agent", agent),
	)
}

// LogSessionCreated logs a new session.
func LogSessionCreated(logger *slog.Logger, sessionID string, estimatedMs int64) {
	if logger == nil {
		return
	}
	logger.Info("session created",
		slog.String("session_id", sessionID),
		slog.Int64("estimated_ms", estimatedMs),
	)
}

// LogTransition logs an accepted state change.
func LogTransition(logger *slog.Logger, sessionID, from, to string) {
	if logger == nil {
		return
	}
	logger.Debug("session transition",
		slog.String("session_id", sessionID),
		slog.String("from", from),
		slog.String("to", to),
	)
}

// LogStageCompleted logs a recorded checkpoint.
func LogStageCompleted(logger *slog.Logger, sessionID, agent, checkpointID string, percentage int) {
	if logger == nil {
		return
	}
	logger.Info("stage completed",
		slog.String("session_id", sessionID),
		slog.String("agent", agent),
		slog.String("checkpoint_id", checkpointID),
		slog.Int("percentage", percentage),
	)
}

// LogStageFailed logs a stage failure reported by an executor.
func LogStageFailed(logger *slog.Logger, sessionID, agent string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("stage failed",
		slog.String("session_id", sessionID),
		slog.String("agent", agent),
		slog.String("error", errString(err)),
	)
}

// LogSessionFinished logs a session reaching a terminal state.
func LogSessionFinished(logger *slog.Logger, sessionID, state string, duration time.Duration, cost float64) {
	if logger == nil {
		return
	}
	logger.Info("session finished",
		slog.String("session_id", sessionID),
		slog.String("state", state),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
		slog.Float64("cost", cost),
	)
}

// LogNoop logs a mutation that was acknowledged without effect, such as a
// duplicate stage callback.
func LogNoop(logger *slog.Logger, sessionID, op string, reason error) {
	if logger == nil {
		return
	}
	logger.Debug("mutation ignored",
		slog.String("session_id", sessionID),
		slog.String("operation", op),
		slog.String("reason", errString(reason)),
	)
}

// LogRecovery logs a recovery from checkpoint.
func LogRecovery(logger *slog.Logger, sessionID, checkpointID, resumeAgent string, retryCount int) {
	if logger == nil {
		return
	}
	logger.Info("session recovering",
		slog.String("session_id", sessionID),
		slog.String("checkpoint_id", checkpointID),
		slog.String("resume_agent", resumeAgent),
		slog.Int("retry_count", retryCount),
	)
}

// LogDispatch logs a dispatched step.
func LogDispatch(logger *slog.Logger, sessionID, agent, handle string) {
	if logger == nil {
		return
	}
	logger.Debug("step dispatched",
		slog.String("session_id", sessionID),
		slog.String("agent", agent),
		slog.String("handle", handle),
	)
}

// LogDispatchError logs a dispatch or dispatch-cancel failure.
func LogDispatchError(logger *slog.Logger, sessionID, agent, op string, err error) {
	if logger == nil {
		return
	}
	logger.Error("dispatch failed",
		slog.String("session_id", sessionID),
		slog.String("agent", agent),
		slog.String("operation", op),
		slog.String("error", errString(err)),
	)
}

// LogStorageError logs a store failure that was not surfaced to a caller.
func LogStorageError(logger *slog.Logger, op, key string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("storage operation failed",
		slog.String("operation", op),
		slog.String("key", key),
		slog.String("error", errString(err)),
	)
}

// LogSubscriberDropped logs a stream subscriber removed during delivery.
func LogSubscriberDropped(logger *slog.Logger, sessionID, subscriberID, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("subscriber dropped",
		slog.String("session_id", sessionID),
		slog.String("subscriber_id", subscriberID),
		slog.String("reason", reason),
	)
}

// LogSweep logs one pass of the stall sweeper.
func LogSweep(logger *slog.Logger, stalled int, duration time.Duration, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn("sweep incomplete",
			slog.Int("stalled", stalled),
			slog.String("error", err.Error()),
		)
		return
	}
	if stalled == 0 {
		logger.Debug("sweep complete", slog.Float64("duration_ms", float64(duration.Milliseconds())))
		return
	}
	logger.Info("stalled sessions failed",
		slog.Int("stalled", stalled),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
