// Package metrics keeps the process-wide session aggregate: counts by
// outcome, running averages, and per-agent success rates.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/waypoint/pkg/waypoint/observability"
	"github.com/randalmurphal/waypoint/pkg/waypoint/repository"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

// ErrNotTerminal is returned when recording a session that is still running.
var ErrNotTerminal = errors.New("metrics: session is not terminal")

// AgentStats counts one agent's outcomes across sessions.
type AgentStats struct {
	Runs        int64   `json:"runs"`
	Successes   int64   `json:"successes"`
	Failures    int64   `json:"failures"`
	SuccessRate float64 `json:"success_rate"`
}

// SessionMetrics is the aggregate record.
type SessionMetrics struct {
	TotalSessions     int64                            `json:"total_sessions"`
	CompletedSessions int64                            `json:"completed_sessions"`
	FailedSessions    int64                            `json:"failed_sessions"`
	CancelledSessions int64                            `json:"cancelled_sessions"`
	AverageDurationMs float64                          `json:"average_duration_ms"`
	AverageCost       float64                          `json:"average_cost"`
	Agents            map[session.AgentType]AgentStats `json:"agents"`
	UpdatedAt         time.Time                        `json:"updated_at,omitzero"`
}

// Store is the slice of the repository the aggregator needs.
type Store interface {
	LoadMetrics(ctx context.Context) ([]byte, int64, error)
	SaveMetrics(ctx context.Context, data []byte, rev int64) (int64, error)
}

// Compile-time interface check.
var _ Store = (*repository.Repository)(nil)

// Config configures an Aggregator.
type Config struct {
	// ConflictRetries bounds the read-modify-write loop when other
	// processes update the record concurrently. Default: 10
	ConflictRetries int

	// Logger receives conflict exhaustion warnings.
	Logger *slog.Logger

	// Metrics receives every recorded session.
	Metrics observability.MetricsRecorder

	// Now stamps UpdatedAt. Default: time.Now
	Now func() time.Time
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	ConflictRetries: 10,
}

// Aggregator updates the shared metrics record.
type Aggregator struct {
	store Store
	cfg   Config
}

// NewAggregator creates an aggregator. Zero-valued fields of cfg take
// their DefaultConfig values.
func NewAggregator(store Store, cfg Config) *Aggregator {
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = DefaultConfig.ConflictRetries
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{store: store, cfg: cfg}
}

// Snapshot returns the current aggregate. An absent record is the zero
// value.
func (a *Aggregator) Snapshot(ctx context.Context) (SessionMetrics, error) {
	m, _, err := a.load(ctx)
	return m, err
}

// Record folds a terminal session into the aggregate and returns the
// updated record. A session that was recorded before, such as one that
// failed and was recovered, has its earlier contribution replaced rather
// than counted again; recording an unchanged outcome writes nothing. On
// success s.Metadata.Recorded holds the new contribution, and the caller
// persists it with the session.
func (a *Aggregator) Record(ctx context.Context, s *session.WorkflowSession) (SessionMetrics, error) {
	if !s.State.IsTerminal() {
		return SessionMetrics{}, fmt.Errorf("%w: %s is %s", ErrNotTerminal, s.ID, s.State)
	}
	out := s.Outcome()
	prev := s.Metadata.Recorded
	if prev != nil && prev.Equal(out) {
		return a.Snapshot(ctx)
	}
	a.emit(ctx, s)

	var lastErr error
	for attempt := 0; attempt <= a.cfg.ConflictRetries; attempt++ {
		m, rev, err := a.load(ctx)
		if err != nil {
			return SessionMetrics{}, err
		}
		if prev != nil {
			m.revert(*prev)
		}
		m.apply(out)
		m.UpdatedAt = a.cfg.Now().UTC()

		data, err := json.Marshal(m)
		if err != nil {
			return SessionMetrics{}, fmt.Errorf("encode metrics: %w", err)
		}
		_, err = a.store.SaveMetrics(ctx, data, rev)
		if err == nil {
			s.Metadata.Recorded = &out
			return m, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return SessionMetrics{}, err
		}
		lastErr = err
	}
	if a.cfg.Logger != nil {
		a.cfg.Logger.Warn("metrics update abandoned after conflicts",
			slog.String("session_id", s.ID),
			slog.Int("attempts", a.cfg.ConflictRetries+1),
		)
	}
	return SessionMetrics{}, lastErr
}

func (a *Aggregator) load(ctx context.Context) (SessionMetrics, int64, error) {
	data, rev, err := a.store.LoadMetrics(ctx)
	if err != nil {
		return SessionMetrics{}, 0, err
	}
	m := SessionMetrics{Agents: make(map[session.AgentType]AgentStats)}
	if data == nil {
		return m, 0, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return SessionMetrics{}, 0, &repository.CorruptedStateError{Key: "metrics", Err: err}
	}
	if m.Agents == nil {
		m.Agents = make(map[session.AgentType]AgentStats)
	}
	return m, rev, nil
}

// emit mirrors the session outcome to OpenTelemetry.
func (a *Aggregator) emit(ctx context.Context, s *session.WorkflowSession) {
	dur := time.Duration(s.Metadata.ActualDurationMs) * time.Millisecond
	a.cfg.Metrics.RecordSessionFinished(ctx, string(s.State), dur, s.Metadata.TotalCost)
}

// apply folds one session outcome into m.
//
// AverageDurationMs is the mean over completed sessions; AverageCost is
// the mean over every terminal session, since failed and cancelled runs
// still spend.
func (m *SessionMetrics) apply(o session.Outcome) {
	m.TotalSessions++
	m.AverageCost += (o.Cost - m.AverageCost) / float64(m.TotalSessions)

	switch o.State {
	case session.StateCompleted:
		m.CompletedSessions++
		d := float64(o.DurationMs)
		m.AverageDurationMs += (d - m.AverageDurationMs) / float64(m.CompletedSessions)
	case session.StateFailed:
		m.FailedSessions++
	case session.StateCancelled:
		m.CancelledSessions++
	}

	for agent, t := range o.Agents {
		st := m.Agents[agent]
		st.Runs += t.Successes + t.Failures
		st.Successes += t.Successes
		st.Failures += t.Failures
		m.Agents[agent] = st
	}
	m.rates()
}

// revert removes an outcome applied earlier.
func (m *SessionMetrics) revert(o session.Outcome) {
	m.AverageCost = unmean(m.AverageCost, m.TotalSessions, o.Cost)
	m.TotalSessions = max(m.TotalSessions-1, 0)

	switch o.State {
	case session.StateCompleted:
		m.AverageDurationMs = unmean(m.AverageDurationMs, m.CompletedSessions, float64(o.DurationMs))
		m.CompletedSessions = max(m.CompletedSessions-1, 0)
	case session.StateFailed:
		m.FailedSessions = max(m.FailedSessions-1, 0)
	case session.StateCancelled:
		m.CancelledSessions = max(m.CancelledSessions-1, 0)
	}

	for agent, t := range o.Agents {
		st, ok := m.Agents[agent]
		if !ok {
			continue
		}
		st.Runs = max(st.Runs-t.Successes-t.Failures, 0)
		st.Successes = max(st.Successes-t.Successes, 0)
		st.Failures = max(st.Failures-t.Failures, 0)
		m.Agents[agent] = st
	}
	m.rates()
}

func (m *SessionMetrics) rates() {
	for agent, st := range m.Agents {
		st.SuccessRate = 0
		if st.Runs > 0 {
			st.SuccessRate = float64(st.Successes) / float64(st.Runs)
		}
		m.Agents[agent] = st
	}
}

// unmean removes x from a mean taken over n values.
func unmean(mean float64, n int64, x float64) float64 {
	if n <= 1 {
		return 0
	}
	return (mean*float64(n) - x) / float64(n-1)
}
