package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHandler captures log records as decoded JSON lines.
type testHandler struct {
	buf   *bytes.Buffer
	attrs []slog.Attr
}

func newTestHandler() *testHandler {
	return &testHandler{buf: &bytes.Buffer{}}
}

func (h *testHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *testHandler) Handle(_ context.Context, r slog.Record) error {
	data := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
	}
	for _, attr := range h.attrs {
		data[attr.Key] = attr.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})
	return json.NewEncoder(h.buf).Encode(data)
}

func (h *testHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &testHandler{buf: h.buf, attrs: merged}
}

func (h *testHandler) WithGroup(string) slog.Handler { return h }

func (h *testHandler) records(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(h.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func (h *testHandler) last(t *testing.T) map[string]any {
	t.Helper()
	recs := h.records(t)
	require.NotEmpty(t, recs)
	return recs[len(recs)-1]
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger, err := NewLogger(&buf, "debug", "json")
	require.NoError(t, err)
	logger.Debug("hello", slog.String("k", "v"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "v", rec["k"])

	buf.Reset()
	logger, err = NewLogger(&buf, "warn", "text")
	require.NoError(t, err)
	logger.Info("suppressed")
	assert.Empty(t, buf.String())
	logger.Warn("shown")
	assert.Contains(t, buf.String(), "msg=shown")

	_, err = NewLogger(&buf, "loud", "json")
	assert.Error(t, err)
	_, err = NewLogger(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestEnrichLogger(t *testing.T) {
	h := newTestHandler()
	logger := slog.New(h)

	EnrichLogger(logger, "sess-1", "strategist").Info("work")
	rec := h.last(t)
	assert.Equal(t, "sess-1", rec["session_id"])
	assert.Equal(t, "strategist", rec["agent"])

	EnrichLogger(logger, "sess-2", "").Info("work")
	rec = h.last(t)
	assert.Equal(t, "sess-2", rec["session_id"])
	_, hasAgent := rec["agent"]
	assert.False(t, hasAgent)

	assert.Nil(t, EnrichLogger(nil, "sess-1", "x"))
}

func TestLogHelpers(t *testing.T) {
	h := newTestHandler()
	logger := slog.New(h)
	boom := errors.New("boom")

	LogSessionCreated(logger, "s1", 600000)
	rec := h.last(t)
	assert.Equal(t, "session created", rec["msg"])
	assert.Equal(t, float64(600000), rec["estimated_ms"])

	LogTransition(logger, "s1", "PLANNING", "INFO_GATHERING")
	rec = h.last(t)
	assert.Equal(t, "DEBUG", rec["level"])
	assert.Equal(t, "INFO_GATHERING", rec["to"])

	LogStageCompleted(logger, "s1", "planner", "cp-1", 25)
	rec = h.last(t)
	assert.Equal(t, "cp-1", rec["checkpoint_id"])
	assert.Equal(t, float64(25), rec["percentage"])

	LogStageFailed(logger, "s1", "gatherer", boom)
	rec = h.last(t)
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "boom", rec["error"])

	LogSessionFinished(logger, "s1", "COMPLETED", 1500*time.Millisecond, 0.42)
	rec = h.last(t)
	assert.Equal(t, float64(1500), rec["duration_ms"])
	assert.Equal(t, 0.42, rec["cost"])

	LogNoop(logger, "s1", "checkpoint", boom)
	assert.Equal(t, "mutation ignored", h.last(t)["msg"])

	LogRecovery(logger, "s1", "cp-2", "strategist", 1)
	rec = h.last(t)
	assert.Equal(t, "strategist", rec["resume_agent"])
	assert.Equal(t, float64(1), rec["retry_count"])

	LogDispatch(logger, "s1", "compiler", "h-1")
	assert.Equal(t, "h-1", h.last(t)["handle"])

	LogDispatchError(logger, "s1", "compiler", "cancel", boom)
	rec = h.last(t)
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "cancel", rec["operation"])

	LogStorageError(logger, "put", "waypoint:session:s1", nil)
	rec = h.last(t)
	assert.Equal(t, "", rec["error"])

	LogSubscriberDropped(logger, "s1", "sub-1", "buffer full")
	assert.Equal(t, "buffer full", h.last(t)["reason"])

	assert.Len(t, h.records(t), 11)
}

func TestLogHelpers_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		LogSessionCreated(nil, "s", 0)
		LogTransition(nil, "s", "a", "b")
		LogStageCompleted(nil, "s", "a", "c", 0)
		LogStageFailed(nil, "s", "a", nil)
		LogSessionFinished(nil, "s", "x", 0, 0)
		LogNoop(nil, "s", "op", nil)
		LogRecovery(nil, "s", "c", "a", 0)
		LogDispatch(nil, "s", "a", "h")
		LogDispatchError(nil, "s", "a", "op", nil)
		LogStorageError(nil, "op", "k", nil)
		LogSubscriberDropped(nil, "s", "sub", "r")
	})
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, done(), 5*time.Millisecond)
}
