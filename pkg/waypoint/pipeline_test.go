package waypoint_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/randalmurphal/waypoint/pkg/waypoint"
	"github.com/randalmurphal/waypoint/pkg/waypoint/dispatch"
	"github.com/randalmurphal/waypoint/pkg/waypoint/kv"
	"github.com/randalmurphal/waypoint/pkg/waypoint/observability"
	"github.com/randalmurphal/waypoint/pkg/waypoint/repository"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
	"github.com/randalmurphal/waypoint/pkg/waypoint/stream"
)

// newLocalPipeline wires a Manager to an in-process dispatcher whose
// executors report back through run.
func newLocalPipeline(t *testing.T, run func(mgr *waypoint.Manager, step dispatch.Step) error) *waypoint.Manager {
	t.Helper()
	repo := repository.New(kv.NewMemoryStore(time.Hour), repository.Config{Logger: quietLogger})
	bc := stream.NewBroadcaster(stream.Config{BufferSize: 256})

	var mgr *waypoint.Manager
	local := dispatch.NewLocalDispatcher(dispatch.LocalConfig{
		Workers: 2,
		Policy:  dispatch.Policy{MaxRetries: 2, Delay: time.Millisecond},
		Logger:  quietLogger,
	})
	for _, agent := range session.Agents {
		local.Register(agent, func(ctx context.Context, step dispatch.Step) error {
			return run(mgr, step)
		})
	}
	mgr = waypoint.New(repo,
		waypoint.WithDispatcher(local),
		waypoint.WithBroadcaster(bc),
		waypoint.WithLogger(quietLogger),
	)
	t.Cleanup(func() {
		_ = local.Close()
		_ = bc.Close()
		_ = repo.Close()
	})
	return mgr
}

func waitForState(t *testing.T, mgr *waypoint.Manager, id string, want session.State) *session.WorkflowSession {
	t.Helper()
	var got *session.WorkflowSession
	require.Eventually(t, func() bool {
		s, found, err := mgr.Get(context.Background(), id)
		if err != nil || !found {
			return false
		}
		got = s
		return s.State == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestPipeline_LocalDispatcherRunsToCompletion(t *testing.T) {
	mgr := newLocalPipeline(t, func(mgr *waypoint.Manager, step dispatch.Step) error {
		_, err := mgr.Checkpoint(context.Background(), step.SessionID, step.Agent, result(step.Agent, 0.1))
		return err
	})

	res, err := mgr.Create(context.Background(), []byte(`{}`), nil)
	require.NoError(t, err)

	s := waitForState(t, mgr, res.SessionID, session.StateCompleted)
	assert.Equal(t, session.Agents, s.Progress.CompletedAgents)
	assert.Len(t, s.Checkpoints, 4)
	assert.InDelta(t, 0.4, s.Metadata.TotalCost, 1e-9)
	assert.Empty(t, s.Progress.FailedAgents)
}

func TestPipeline_DuplicateDeliveryIsHarmless(t *testing.T) {
	var noops atomic.Int32
	mgr := newLocalPipeline(t, func(mgr *waypoint.Manager, step dispatch.Step) error {
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			_, err := mgr.Checkpoint(ctx, step.SessionID, step.Agent, result(step.Agent, 1))
			if waypoint.IsNoop(err) {
				noops.Add(1)
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})

	res, err := mgr.Create(context.Background(), nil, nil)
	require.NoError(t, err)

	s := waitForState(t, mgr, res.SessionID, session.StateCompleted)
	assert.Len(t, s.Checkpoints, 4)
	assert.Equal(t, 4.0, s.Metadata.TotalCost)
	assert.Equal(t, int32(4), noops.Load())
}

func TestPipeline_ConcurrentCallbacksApplyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, nil)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.mgr.Checkpoint(ctx, id, session.AgentContentPlanner, result(session.AgentContentPlanner, 1)); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	s := f.get(t, id)
	assert.Len(t, s.Checkpoints, 1)
	assert.Equal(t, session.StateInfoGathering, s.State)
}

func TestPipeline_ExecutorFailureAutoRecovers(t *testing.T) {
	var failed atomic.Bool
	mgr := newLocalPipeline(t, func(mgr *waypoint.Manager, step dispatch.Step) error {
		ctx := context.Background()
		if step.Agent == session.AgentStrategist && failed.CompareAndSwap(false, true) {
			_, err := mgr.FailStage(ctx, step.SessionID, step.Agent, errors.New("model overloaded"))
			return err
		}
		_, err := mgr.Checkpoint(ctx, step.SessionID, step.Agent, result(step.Agent, 0))
		return err
	})

	res, err := mgr.Create(context.Background(), nil, &session.Config{AutoRecover: true})
	require.NoError(t, err)

	s := waitForState(t, mgr, res.SessionID, session.StateCompleted)
	assert.Equal(t, 1, s.Metadata.RetryCount)
	assert.Len(t, s.EventsOfType(session.EventAgentFailed), 1)
	assert.Len(t, s.EventsOfType(session.EventRecoveryInitiated), 1)
	assert.Len(t, s.Checkpoints, 4)
}

// spanRecorder records the operations a Manager opens spans for.
type spanRecorder struct {
	mu     sync.Mutex
	ops    []string
	stages []string
	errs   int
}

func (r *spanRecorder) StartSessionSpan(ctx context.Context, op, _ string) (context.Context, trace.Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	return ctx, noop.Span{}
}

func (r *spanRecorder) StartStageSpan(ctx context.Context, _, agent string) (context.Context, trace.Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, agent)
	return ctx, noop.Span{}
}

func (r *spanRecorder) EndSpanWithError(_ trace.Span, err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs++
}

func (r *spanRecorder) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}

// countingMetrics counts recorder calls.
type countingMetrics struct {
	observability.NoopMetrics
	created, finished, stages, dispatches atomic.Int32
}

func (c *countingMetrics) RecordSessionCreated(context.Context) { c.created.Add(1) }

func (c *countingMetrics) RecordSessionFinished(context.Context, string, time.Duration, float64) {
	c.finished.Add(1)
}

func (c *countingMetrics) RecordStage(context.Context, string, time.Duration, error) {
	c.stages.Add(1)
}

func (c *countingMetrics) RecordDispatch(context.Context, string, error) { c.dispatches.Add(1) }

func TestManager_Instrumentation(t *testing.T) {
	spans := &spanRecorder{}
	rec := &countingMetrics{}
	f := newFixture(t, waypoint.WithSpanManager(spans), waypoint.WithMetricsRecorder(rec))
	ctx := context.Background()

	id := f.create(t, nil)
	for _, agent := range session.Agents {
		_, err := f.mgr.Checkpoint(ctx, id, agent, result(agent, 0))
		require.NoError(t, err)
	}
	_, err := f.mgr.Checkpoint(ctx, id, session.AgentCompiler, result(session.AgentCompiler, 0))
	require.True(t, waypoint.IsNoop(err))

	assert.Equal(t, []string{"create", "checkpoint", "checkpoint", "checkpoint", "checkpoint", "checkpoint"}, spans.ops)
	assert.Equal(t, []string{"content-planner", "info-gatherer", "strategist", "compiler"}, spans.stages)
	assert.Zero(t, spans.errs, "no-op outcomes do not mark spans failed")

	assert.Equal(t, int32(1), rec.created.Load())
	assert.Equal(t, int32(1), rec.finished.Load())
	assert.Equal(t, int32(4), rec.stages.Load())
	assert.Equal(t, int32(4), rec.dispatches.Load())
}
