// Package checkpoint records completed stages and resumes failed sessions
// from their latest checkpoint.
//
// A checkpoint lives in two places: inside the session aggregate, which is
// authoritative, and under its own key with a longer TTL so that history can
// be inspected without decoding the whole session.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/waypoint/pkg/waypoint/observability"
	"github.com/randalmurphal/waypoint/pkg/waypoint/repository"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

// ErrNotRecoverable indicates a recovery request on a session with no
// checkpoint history, or one that ended in a state other than FAILED.
var ErrNotRecoverable = errors.New("session not recoverable")

// Manager creates checkpoints and performs recovery.
type Manager struct {
	repo    *repository.Repository
	logger  *slog.Logger
	metrics observability.MetricsRecorder
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetricsRecorder sets the recorder used for checkpoint sizes.
func WithMetricsRecorder(rec observability.MetricsRecorder) Option {
	return func(m *Manager) {
		if rec != nil {
			m.metrics = rec
		}
	}
}

// NewManager creates a checkpoint manager over repo.
func NewManager(repo *repository.Repository, opts ...Option) *Manager {
	m := &Manager{
		repo:    repo,
		metrics: observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create completes agent's stage on the session and returns the updated
// session with the new checkpoint. A repeated delivery for a stage that
// already completed returns session.ErrStaleStage and writes nothing.
//
// The standalone checkpoint record is written after the session is saved;
// a failure there is logged and does not fail the call.
func (m *Manager) Create(ctx context.Context, sessionID string, agent session.AgentType, result session.StageResult, now time.Time) (*session.WorkflowSession, session.Checkpoint, error) {
	var cp session.Checkpoint
	s, err := m.repo.Update(ctx, sessionID, func(s *session.WorkflowSession) error {
		var err error
		cp, err = s.CompleteStage(agent, result, now)
		return err
	})
	if err != nil {
		return nil, session.Checkpoint{}, err
	}

	size, err := m.repo.PutCheckpoint(ctx, cp)
	if err != nil {
		observability.LogStorageError(m.logger, "put_checkpoint", cp.ID, err)
	} else {
		m.metrics.RecordCheckpoint(ctx, string(agent), int64(size))
	}
	observability.LogStageCompleted(m.logger, sessionID, string(agent), cp.ID, s.Progress.Percentage)
	return s, cp, nil
}

// Latest returns the most recent checkpoint of a session. Standalone
// records are consulted first, which keeps working after the session
// itself has expired; the aggregate is the fallback.
func (m *Manager) Latest(ctx context.Context, sessionID string) (session.Checkpoint, bool, error) {
	cps, err := m.repo.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return session.Checkpoint{}, false, err
	}
	if len(cps) > 0 {
		return cps[len(cps)-1], true, nil
	}

	s, found, err := m.repo.Find(ctx, sessionID)
	if err != nil || !found {
		return session.Checkpoint{}, false, err
	}
	cp, ok := s.LatestCheckpoint()
	return cp, ok, nil
}

// History returns every checkpoint of a session, oldest first, from the
// standalone records or, when there are none, from the aggregate.
func (m *Manager) History(ctx context.Context, sessionID string) ([]session.Checkpoint, error) {
	cps, err := m.repo.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(cps) > 0 {
		return cps, nil
	}
	s, found, err := m.repo.Find(ctx, sessionID)
	if err != nil || !found {
		return nil, err
	}
	return s.Checkpoints, nil
}

// Recover re-enters the session at the stage after its latest checkpoint.
// It returns the saved session and the agent to run next. Completed stages
// are never replayed.
//
// A session with no checkpoints, or one that is COMPLETED or CANCELLED,
// fails with ErrNotRecoverable and is left unchanged.
func (m *Manager) Recover(ctx context.Context, sessionID string, now time.Time) (*session.WorkflowSession, session.AgentType, error) {
	var (
		resume session.AgentType
		from   session.Checkpoint
	)
	s, err := m.repo.Update(ctx, sessionID, func(s *session.WorkflowSession) error {
		cp, next, err := ResumePoint(s)
		if err != nil {
			return err
		}
		prev := s.State
		s.Metadata.RetryCount++
		s.AppendRecoveryInitiated(cp, next, prev, now)
		if err := s.Reenter(next, now); err != nil {
			return err
		}
		resume, from = next, cp
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	observability.LogRecovery(m.logger, sessionID, from.ID, string(resume), s.Metadata.RetryCount)
	return s, resume, nil
}

// ResumePoint reports the checkpoint a session would recover from and the
// agent that would run next, or ErrNotRecoverable.
func ResumePoint(s *session.WorkflowSession) (session.Checkpoint, session.AgentType, error) {
	if s.State.IsTerminal() && s.State != session.StateFailed {
		return session.Checkpoint{}, "", fmt.Errorf("%w: session %s is %s", ErrNotRecoverable, s.ID, s.State)
	}
	cp, ok := s.LatestCheckpoint()
	if !ok {
		return session.Checkpoint{}, "", fmt.Errorf("%w: session %s has no checkpoints", ErrNotRecoverable, s.ID)
	}
	next, ok := cp.AgentType.Next()
	if !ok {
		return session.Checkpoint{}, "", fmt.Errorf("%w: session %s has no stage left to run", ErrNotRecoverable, s.ID)
	}
	return cp, next, nil
}
