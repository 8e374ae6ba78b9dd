package waypoint

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/waypoint/pkg/waypoint/checkpoint"
	"github.com/randalmurphal/waypoint/pkg/waypoint/dispatch"
	"github.com/randalmurphal/waypoint/pkg/waypoint/metrics"
	"github.com/randalmurphal/waypoint/pkg/waypoint/observability"
	"github.com/randalmurphal/waypoint/pkg/waypoint/repository"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
	"github.com/randalmurphal/waypoint/pkg/waypoint/stream"
)

// Manager is the entry point for session lifecycle operations. It is safe
// for concurrent use; mutations of one session are serialized by the
// repository.
type Manager struct {
	repo        *repository.Repository
	checkpoints *checkpoint.Manager
	dispatcher  dispatch.Dispatcher
	broadcaster *stream.Broadcaster
	aggregator  *metrics.Aggregator

	logger  *slog.Logger
	spans   observability.SpanManager
	metrics observability.MetricsRecorder

	callbackURL string
	defaults    session.Config
	now         func() time.Time
	stallAfter  time.Duration
}

// New creates a Manager over repo.
func New(repo *repository.Repository, opts ...Option) *Manager {
	m := &Manager{
		repo:     repo,
		spans:    observability.NoopSpanManager{},
		metrics:  observability.NoopMetrics{},
		defaults: session.DefaultConfig,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.aggregator == nil {
		m.aggregator = metrics.NewAggregator(repo, metrics.Config{
			Logger:  m.logger,
			Metrics: m.metrics,
			Now:     m.now,
		})
	}
	m.checkpoints = checkpoint.NewManager(repo,
		checkpoint.WithLogger(m.logger),
		checkpoint.WithMetricsRecorder(m.metrics),
	)
	return m
}

// CreateResult identifies a new session.
type CreateResult struct {
	SessionID                 string `json:"sessionId"`
	EstimatedCompletionTimeMs int64  `json:"estimatedCompletionTimeMs"`
}

// Create persists a new session and starts its first stage. A nil cfg
// uses the Manager's defaults; zero-valued limits in cfg are filled from
// them.
//
// A dispatch failure does not fail Create: the session is persisted as
// FAILED with the cause in its events.
func (m *Manager) Create(ctx context.Context, formData json.RawMessage, cfg *session.Config) (res CreateResult, err error) {
	ctx, span := m.spans.StartSessionSpan(ctx, "create", "")
	defer func() { m.spans.EndSpanWithError(span, err) }()

	c := m.defaults
	if cfg != nil {
		c = cfg.WithDefaults(m.defaults)
	}
	s, err := m.repo.Create(ctx, formData, c, m.now())
	if err != nil {
		return CreateResult{}, err
	}
	span.SetAttributes(attribute.String("session.id", s.ID))
	m.metrics.RecordSessionCreated(ctx)
	observability.LogSessionCreated(m.logger, s.ID, s.Metadata.EstimatedDurationMs)
	m.publish(s, change{prev: s.State, events: s.Events})

	res = CreateResult{SessionID: s.ID, EstimatedCompletionTimeMs: s.Metadata.EstimatedDurationMs}
	if _, err := m.startStage(ctx, s.ID, session.AgentContentPlanner, false); err != nil && !errors.Is(err, ErrDispatchFailure) {
		return res, err
	}
	return res, nil
}

// Get returns a session with its live subscriber IDs filled in.
// A missing session returns found=false and no error.
func (m *Manager) Get(ctx context.Context, id string) (*session.WorkflowSession, bool, error) {
	s, found, err := m.repo.Find(ctx, id)
	if err != nil || !found {
		return nil, found, err
	}
	if m.broadcaster != nil {
		s.Subscribers = m.broadcaster.Subscribers(id)
	}
	return s, true, nil
}

// Update applies an in-flight report from a stage executor: a heartbeat,
// incremental cost, or a warning.
func (m *Manager) Update(ctx context.Context, id string, u session.StageUpdate) (s *session.WorkflowSession, err error) {
	ctx, span := m.spans.StartSessionSpan(ctx, "update", id)
	defer func() { m.spans.EndSpanWithError(span, spanErr(err)) }()

	s, ch, err := m.mutate(ctx, id, func(s *session.WorkflowSession) error {
		return s.RecordUpdate(u, m.now())
	})
	if err != nil {
		m.logNoop(id, "update", err)
		return nil, err
	}
	m.publish(s, ch)
	return s, nil
}

// Checkpoint is the stage-completion callback. It records the checkpoint,
// advances the session, and dispatches the next stage; after the compiler
// the session is COMPLETED. It returns the checkpoint ID.
//
// A duplicate report returns ErrStaleStage, and a report for a finished
// session returns ErrSessionTerminal. Neither changes anything.
func (m *Manager) Checkpoint(ctx context.Context, id string, agent session.AgentType, result session.StageResult) (cpID string, err error) {
	ctx, span := m.spans.StartSessionSpan(ctx, "checkpoint", id)
	defer func() { m.spans.EndSpanWithError(span, spanErr(err)) }()

	s, cp, err := m.checkpoints.Create(ctx, id, agent, result, m.now())
	if err != nil {
		m.logNoop(id, "checkpoint", err)
		return "", err
	}
	m.metrics.RecordStage(ctx, string(agent), result.Duration, nil)
	observability.LogTransition(m.logger, id, string(cp.StateAtCheckpoint), string(s.State))
	m.publish(s, change{prev: cp.StateAtCheckpoint, events: eventsAfter(s.Events, cp.ID)})

	if s.State.IsTerminal() {
		m.finish(ctx, s)
		return cp.ID, nil
	}
	next, _ := agent.Next()
	if _, err := m.startStage(ctx, id, next, false); err != nil && !errors.Is(err, ErrDispatchFailure) {
		return cp.ID, err
	}
	return cp.ID, nil
}

// Complete records the compiler stage, finishing the session.
func (m *Manager) Complete(ctx context.Context, id string, result session.StageResult) (string, error) {
	return m.Checkpoint(ctx, id, session.AgentCompiler, result)
}

// FailStage is the stage-failure callback. The session moves to FAILED;
// if its config allows auto-recovery and the retry budget is not spent,
// it is recovered at once and the returned session is the resumed one.
func (m *Manager) FailStage(ctx context.Context, id string, agent session.AgentType, cause error) (s *session.WorkflowSession, err error) {
	ctx, span := m.spans.StartSessionSpan(ctx, "fail_stage", id)
	defer func() { m.spans.EndSpanWithError(span, spanErr(err)) }()

	var elapsed time.Duration
	s, ch, err := m.mutate(ctx, id, func(s *session.WorkflowSession) error {
		now := m.now()
		elapsed = now.Sub(s.Metadata.StageStartedAt)
		return s.FailStage(agent, cause, now)
	})
	if err != nil {
		m.logNoop(id, "fail_stage", err)
		return nil, err
	}
	m.metrics.RecordStage(ctx, string(agent), elapsed, stageError(cause))
	observability.LogStageFailed(m.logger, id, string(agent), cause)
	m.publish(s, ch)

	if m.shouldAutoRecover(s) {
		recovered, rerr := m.recover(ctx, id)
		switch {
		case rerr == nil:
			return recovered, nil
		case errors.Is(rerr, ErrDispatchFailure):
			// dispatchFailed has already failed and finished the session.
			if recovered == nil {
				recovered = s
			}
			return recovered, nil
		default:
			observability.LogStorageError(m.logger, "auto_recover", id, rerr)
		}
	}
	m.finish(ctx, s)
	return s, nil
}

// Recover resumes a session at the stage after its latest checkpoint and
// dispatches that stage. It fails with ErrNotRecoverable for a session
// without checkpoints or one that is COMPLETED or CANCELLED.
//
// If the resumed stage cannot be dispatched the session is FAILED again
// and the *dispatch.DispatchError is returned with it.
func (m *Manager) Recover(ctx context.Context, id string) (s *session.WorkflowSession, err error) {
	ctx, span := m.spans.StartSessionSpan(ctx, "recover", id)
	defer func() { m.spans.EndSpanWithError(span, err) }()

	s, err = m.recover(ctx, id)
	if err != nil && !errors.Is(err, ErrDispatchFailure) {
		return nil, err
	}
	return s, err
}

// Cancel moves a session to CANCELLED and ends its streams. The local
// state change stands even if the dispatcher cannot cancel the running
// step.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (s *session.WorkflowSession, err error) {
	ctx, span := m.spans.StartSessionSpan(ctx, "cancel", id)
	defer func() { m.spans.EndSpanWithError(span, spanErr(err)) }()

	var (
		handle string
		agent  session.AgentType
	)
	s, ch, err := m.mutate(ctx, id, func(s *session.WorkflowSession) error {
		handle, agent = s.Metadata.DispatchHandle, s.Progress.CurrentAgent
		return s.Cancel(reason, m.now())
	})
	if err != nil {
		m.logNoop(id, "cancel", err)
		return nil, err
	}
	m.publish(s, ch)
	m.cancelDispatch(ctx, id, agent, handle)
	m.finish(ctx, s)
	return s, nil
}

// List returns a page of sessions, newest first.
func (m *Manager) List(ctx context.Context, filter repository.ListFilter) (repository.ListResult, error) {
	return m.repo.ListByState(ctx, filter)
}

// Delete removes a session and its checkpoints and ends its streams.
// A running stage is cancelled first. Deleting a missing session is not an
// error.
func (m *Manager) Delete(ctx context.Context, id string) error {
	s, found, err := m.repo.Find(ctx, id)
	if err != nil && !errors.Is(err, ErrCorruptedState) {
		return err
	}
	if found && !s.State.IsTerminal() {
		m.cancelDispatch(ctx, id, s.Progress.CurrentAgent, s.Metadata.DispatchHandle)
	}
	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	if m.broadcaster != nil {
		m.broadcaster.CloseSession(id)
	}
	return nil
}

// Metrics returns the aggregate over finished sessions.
func (m *Manager) Metrics(ctx context.Context) (metrics.SessionMetrics, error) {
	return m.aggregator.Snapshot(ctx)
}

// startStage marks agent running and dispatches it.
func (m *Manager) startStage(ctx context.Context, id string, agent session.AgentType, recovering bool) (*session.WorkflowSession, error) {
	s, ch, err := m.mutate(ctx, id, func(s *session.WorkflowSession) error {
		return s.StartStage(agent, m.now())
	})
	if err != nil {
		m.logNoop(id, "start_stage", err)
		return nil, err
	}
	m.publish(s, ch)
	return m.dispatchStage(ctx, s, agent, recovering)
}

func (m *Manager) dispatchStage(ctx context.Context, s *session.WorkflowSession, agent session.AgentType, recovering bool) (*session.WorkflowSession, error) {
	if m.dispatcher == nil {
		if !recovering {
			return s, nil
		}
		return m.recordDispatch(ctx, s.ID, agent, "", recovering)
	}

	sctx, span := m.spans.StartStageSpan(ctx, s.ID, string(agent))
	h, err := m.dispatcher.Dispatch(sctx, m.step(s, agent))
	m.metrics.RecordDispatch(ctx, string(agent), err)
	m.spans.EndSpanWithError(span, err)
	if err != nil {
		return m.dispatchFailed(ctx, s.ID, agent, err)
	}
	observability.LogDispatch(m.logger, s.ID, string(agent), string(h))
	return m.recordDispatch(ctx, s.ID, agent, h, recovering)
}

// recordDispatch stores the handle of a dispatched stage. If the stage has
// already moved on, because a fast executor reported back or the session
// was cancelled meanwhile, nothing is written; a handle left running on a
// finished session is cancelled.
func (m *Manager) recordDispatch(ctx context.Context, id string, agent session.AgentType, h dispatch.Handle, recovering bool) (*session.WorkflowSession, error) {
	s, ch, err := m.mutate(ctx, id, func(s *session.WorkflowSession) error {
		if s.State != agent.State() || s.HasCompleted(agent) {
			return errSkip
		}
		s.Metadata.DispatchHandle = string(h)
		if recovering {
			s.AppendRecoveryCompleted(agent, string(h), m.now())
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		cur, found, ferr := m.repo.Find(ctx, id)
		if ferr != nil {
			return nil, ferr
		}
		if found && cur.State.IsTerminal() {
			m.cancelDispatch(ctx, id, agent, string(h))
		}
		return cur, nil
	}
	if err != nil {
		return nil, err
	}
	m.publish(s, ch)
	return s, nil
}

// dispatchFailed fails the session after the dispatcher gave up.
func (m *Manager) dispatchFailed(ctx context.Context, id string, agent session.AgentType, err error) (*session.WorkflowSession, error) {
	var de *dispatch.DispatchError
	if !errors.As(err, &de) {
		de = &dispatch.DispatchError{SessionID: id, Agent: agent, Attempts: 1, Err: err}
	}
	observability.LogDispatchError(m.logger, id, string(agent), "dispatch", de)

	s, ch, ferr := m.mutate(ctx, id, func(s *session.WorkflowSession) error {
		return s.Fail("dispatch_failed", de, m.now())
	})
	if ferr != nil {
		if IsNoop(ferr) {
			return nil, de
		}
		return nil, errors.Join(de, ferr)
	}
	m.publish(s, ch)
	m.finish(ctx, s)
	return s, de
}

func (m *Manager) cancelDispatch(ctx context.Context, id string, agent session.AgentType, handle string) {
	if m.dispatcher == nil || handle == "" {
		return
	}
	if err := m.dispatcher.Cancel(ctx, dispatch.Handle(handle)); err != nil {
		observability.LogDispatchError(m.logger, id, string(agent), "cancel", err)
	}
}

func (m *Manager) step(s *session.WorkflowSession, agent session.AgentType) dispatch.Step {
	st := dispatch.Step{
		SessionID: s.ID,
		Agent:     agent,
		Stage:     agent.Stage(),
		Attempt:   s.Metadata.RetryCount + 1,
		FormData:  s.FormData,
	}
	if m.callbackURL != "" {
		st.CallbackURL = m.callbackURL + "/" + url.PathEscape(s.ID) + "/" + string(agent)
	}
	if cp, ok := s.LatestCheckpoint(); ok {
		st.PreviousCheckpointID = cp.ID
	}
	return st
}

func (m *Manager) recover(ctx context.Context, id string) (*session.WorkflowSession, error) {
	s, next, err := m.checkpoints.Recover(ctx, id, m.now())
	if err != nil {
		return nil, err
	}
	initiated := s.EventsOfType(session.EventRecoveryInitiated)
	m.publish(s, change{events: initiated[len(initiated)-1:]})
	return m.startStage(ctx, id, next, true)
}

func (m *Manager) shouldAutoRecover(s *session.WorkflowSession) bool {
	if !s.Config.AutoRecover || s.Metadata.RetryCount >= s.Config.MaxRetries {
		return false
	}
	_, _, err := checkpoint.ResumePoint(s)
	return err == nil
}

// finish runs once a session has reached a terminal state it will keep:
// it updates the aggregate and sends the completion message.
func (m *Manager) finish(ctx context.Context, s *session.WorkflowSession) {
	if err := m.recordMetrics(ctx, s); err != nil {
		observability.LogStorageError(m.logger, "record_metrics", s.ID, err)
	}
	observability.LogSessionFinished(m.logger, s.ID, string(s.State), sessionDuration(s), s.Metadata.TotalCost)
	if m.broadcaster != nil {
		m.broadcaster.Publish(s.ID, stream.CompletionMessage(s))
		m.broadcaster.CloseSession(s.ID)
	}
}

// recordMetrics folds s into the aggregate and stores the recorded
// contribution with the session, so a later finish after recovery
// replaces it.
func (m *Manager) recordMetrics(ctx context.Context, s *session.WorkflowSession) error {
	prev := s.Metadata.Recorded
	if _, err := m.aggregator.Record(ctx, s); err != nil {
		return err
	}
	recorded := s.Metadata.Recorded
	if recorded == prev {
		return nil
	}
	updated, err := m.repo.Update(ctx, s.ID, func(cur *session.WorkflowSession) error {
		cur.Metadata.Recorded = recorded
		return nil
	})
	if err != nil {
		return err
	}
	s.Metadata.Version = updated.Metadata.Version
	return nil
}

func (m *Manager) logNoop(id, op string, err error) {
	if IsNoop(err) {
		observability.LogNoop(m.logger, id, op, err)
	}
}

// sessionDuration measures from creation to the terminal timestamp.
func sessionDuration(s *session.WorkflowSession) time.Duration {
	end := s.Metadata.UpdatedAt
	switch {
	case s.Metadata.CompletedAt != nil:
		end = *s.Metadata.CompletedAt
	case s.Metadata.CancelledAt != nil:
		end = *s.Metadata.CancelledAt
	case s.Metadata.FailedAt != nil:
		end = *s.Metadata.FailedAt
	}
	return end.Sub(s.Metadata.CreatedAt)
}

// spanErr keeps no-op outcomes from marking spans as errors.
func spanErr(err error) error {
	if IsNoop(err) {
		return nil
	}
	return err
}

func stageError(cause error) error {
	if cause == nil {
		return errors.New("stage failed")
	}
	return cause
}
