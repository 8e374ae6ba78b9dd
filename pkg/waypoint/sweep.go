package waypoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/waypoint/pkg/waypoint/observability"
	"github.com/randalmurphal/waypoint/pkg/waypoint/repository"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

// activeStates are the states a stalled session can be stuck in.
var activeStates = func() []session.State {
	out := make([]session.State, 0, len(session.States))
	for _, st := range session.States {
		if !st.IsTerminal() {
			out = append(out, st)
		}
	}
	return out
}()

// Sweep fails every non-terminal session whose current stage has run
// longer than its limit, and returns how many it failed. The limit is the
// session's MaxExecutionTime unless WithStallAfter set one.
//
// Errors for individual sessions do not stop the pass; they are joined in
// the returned error.
func (m *Manager) Sweep(ctx context.Context) (n int, err error) {
	ctx, span := m.spans.StartSessionSpan(ctx, "sweep", "")
	defer func() { m.spans.EndSpanWithError(span, err) }()

	page, err := m.repo.ListByState(ctx, repository.ListFilter{States: activeStates})
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, s := range page.Sessions {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if !m.stalled(s, m.now()) {
			continue
		}
		ok, err := m.failStalled(ctx, s.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (m *Manager) stalled(s *session.WorkflowSession, now time.Time) bool {
	if s.State.IsTerminal() {
		return false
	}
	limit := m.stallAfter
	if limit <= 0 {
		limit = s.Config.MaxExecutionTime
	}
	if limit <= 0 {
		return false
	}
	return now.Sub(s.Metadata.StageStartedAt) > limit
}

// failStalled re-checks the session under its lock, since it may have
// progressed after it was listed.
func (m *Manager) failStalled(ctx context.Context, id string) (bool, error) {
	var (
		handle string
		agent  session.AgentType
	)
	s, ch, err := m.mutate(ctx, id, func(s *session.WorkflowSession) error {
		now := m.now()
		if !m.stalled(s, now) {
			return errSkip
		}
		handle, agent = s.Metadata.DispatchHandle, s.Progress.CurrentAgent
		return s.Fail("stalled", fmt.Errorf("stage exceeded its time limit in %s", s.State), now)
	})
	switch {
	case errors.Is(err, errSkip), IsNoop(err), errors.Is(err, ErrSessionNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	m.publish(s, ch)
	m.cancelDispatch(ctx, id, agent, handle)
	m.finish(ctx, s)
	return true, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			done := observability.TimedOperation()
			n, err := m.Sweep(ctx)
			if ctx.Err() != nil {
				return nil
			}
			observability.LogSweep(m.logger, n, done(), err)
		}
	}
}

// Cleanup deletes terminal sessions created more than olderThan ago and
// returns how many it removed.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	var terminal []session.State
	for _, st := range session.States {
		if st.IsTerminal() {
			terminal = append(terminal, st)
		}
	}
	page, err := m.repo.ListByState(ctx, repository.ListFilter{
		States:        terminal,
		CreatedBefore: m.now().Add(-olderThan),
	})
	if err != nil {
		return 0, err
	}

	var (
		n    int
		errs []error
	)
	for _, s := range page.Sessions {
		if err := m.Delete(ctx, s.ID); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
