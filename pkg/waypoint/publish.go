package waypoint

import (
	"context"

	"github.com/randalmurphal/waypoint/pkg/waypoint/observability"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
	"github.com/randalmurphal/waypoint/pkg/waypoint/stream"
)

// change describes what one accepted mutation did.
type change struct {
	prev   session.State
	events []session.WorkflowEvent
}

// mutate runs fn under the repository's update loop and reports the
// events it appended.
func (m *Manager) mutate(ctx context.Context, id string, fn func(*session.WorkflowSession) error) (*session.WorkflowSession, change, error) {
	var (
		prev   session.State
		lastID string
	)
	s, err := m.repo.Update(ctx, id, func(s *session.WorkflowSession) error {
		prev, lastID = s.State, ""
		if n := len(s.Events); n > 0 {
			lastID = s.Events[n-1].ID
		}
		return fn(s)
	})
	if err != nil {
		return nil, change{}, err
	}
	if prev != s.State {
		observability.LogTransition(m.logger, id, string(prev), string(s.State))
	}
	return s, change{prev: prev, events: eventsAfter(s.Events, lastID)}, nil
}

// eventsAfter returns the events newer than id. Event IDs sort in
// creation order.
func eventsAfter(events []session.WorkflowEvent, id string) []session.WorkflowEvent {
	if id == "" {
		return events
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].ID <= id {
			return events[i+1:]
		}
	}
	return events
}

// publish pushes a mutation to live subscribers: an agent-status message
// for stage lifecycle events, every new event, then the progress snapshot.
// Publishing never fails a mutation.
func (m *Manager) publish(s *session.WorkflowSession, ch change) {
	if m.broadcaster == nil {
		return
	}
	for _, evt := range ch.events {
		if status, ok := agentStatus(evt.Type); ok && evt.AgentType != "" {
			m.broadcaster.Publish(s.ID, stream.AgentStatusMessage(s.ID, evt.AgentType, status, evt.Message))
		}
		m.broadcaster.Publish(s.ID, stream.EventMessage(s.ID, evt))
	}
	m.broadcaster.Publish(s.ID, stream.ProgressMessage(s))
}

func agentStatus(t session.EventType) (stream.AgentStatus, bool) {
	switch t {
	case session.EventAgentStarted:
		return stream.AgentRunning, true
	case session.EventAgentCompleted:
		return stream.AgentCompleted, true
	case session.EventAgentFailed:
		return stream.AgentFailed, true
	}
	return "", false
}
