package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestNoopMetrics(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordSessionCreated(ctx)
		m.RecordSessionFinished(ctx, "FAILED", time.Second, 1)
		m.RecordStage(ctx, "planner", time.Second, errors.New("x"))
		m.RecordCheckpoint(ctx, "planner", 10)
		m.RecordDispatch(ctx, "planner", nil)
		m.RecordDelivery(ctx, 1, 1)
	})
}

func TestNoopSpanManager(t *testing.T) {
	var sm SpanManager = NoopSpanManager{}
	ctx := context.Background()

	got, span := sm.StartSessionSpan(ctx, "create", "s")
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())

	got, span = sm.StartStageSpan(ctx, "s", "planner")
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())

	assert.NotPanics(t, func() {
		sm.EndSpanWithError(span, errors.New("x"))
		sm.AddSpanEvent(ctx, "e", attribute.String("k", "v"))
	})
}
