package stream

import (
	"time"

	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

// MessageType identifies a stream message.
type MessageType string

// Message types sent to subscribers.
const (
	MessageConnected     MessageType = "connected"
	MessageProgress      MessageType = "progress"
	MessageAgentStatus   MessageType = "agent-status"
	MessageWorkflowEvent MessageType = "workflow-event"
	MessageError         MessageType = "error"
	MessageCompletion    MessageType = "completion"
	MessageHeartbeat     MessageType = "heartbeat"
)

// Message is one server-push frame. ID increases monotonically per
// broadcaster.
type Message struct {
	ID        int64       `json:"id"`
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// ConnectedData opens every stream.
type ConnectedData struct {
	SubscriberID string `json:"subscriberId"`
	HeartbeatMs  int64  `json:"heartbeatMs,omitempty"`
}

// ProgressData is a progress snapshot. Version is the session version it
// was taken at.
type ProgressData struct {
	State    session.State    `json:"state"`
	Progress session.Progress `json:"progress"`
	Version  int64            `json:"version"`
}

// AgentStatus is the lifecycle status reported for an agent.
type AgentStatus string

// Agent statuses.
const (
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// AgentStatusData reports a stage starting, finishing, or failing.
type AgentStatusData struct {
	Agent   session.AgentType `json:"agent"`
	Status  AgentStatus       `json:"status"`
	Message string            `json:"message,omitempty"`
}

// CompletionData is sent once when the session reaches a terminal state.
type CompletionData struct {
	State        session.State `json:"state"`
	Percentage   int           `json:"percentage"`
	TotalCost    float64       `json:"totalCost"`
	DurationMs   int64         `json:"durationMs,omitempty"`
	CancelReason string        `json:"cancelReason,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// ErrorData reports a stream or session error.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ProgressMessage builds a progress snapshot of s.
func ProgressMessage(s *session.WorkflowSession) Message {
	return Message{
		Type:      MessageProgress,
		SessionID: s.ID,
		Data: ProgressData{
			State:    s.State,
			Progress: s.Progress,
			Version:  s.Metadata.Version,
		},
	}
}

// AgentStatusMessage builds an agent-status message.
func AgentStatusMessage(sessionID string, agent session.AgentType, status AgentStatus, msg string) Message {
	return Message{
		Type:      MessageAgentStatus,
		SessionID: sessionID,
		Data:      AgentStatusData{Agent: agent, Status: status, Message: msg},
	}
}

// EventMessage wraps a session event.
func EventMessage(sessionID string, evt session.WorkflowEvent) Message {
	return Message{
		Type:      MessageWorkflowEvent,
		SessionID: sessionID,
		Data:      evt,
	}
}

// CompletionMessage builds the terminal message for s.
func CompletionMessage(s *session.WorkflowSession) Message {
	data := CompletionData{
		State:        s.State,
		Percentage:   s.Progress.Percentage,
		TotalCost:    s.Metadata.TotalCost,
		DurationMs:   s.Metadata.ActualDurationMs,
		CancelReason: s.Metadata.CancelReason,
	}
	if s.State == session.StateFailed {
		for i := len(s.Events) - 1; i >= 0; i-- {
			evt := s.Events[i]
			if evt.Type == session.EventError || evt.Type == session.EventAgentFailed {
				data.Error = evt.Message
				break
			}
		}
	}
	return Message{
		Type:      MessageCompletion,
		SessionID: s.ID,
		Data:      data,
	}
}

// ErrorMessage builds an error message.
func ErrorMessage(sessionID, code, msg string) Message {
	return Message{
		Type:      MessageError,
		SessionID: sessionID,
		Data:      ErrorData{Code: code, Message: msg},
	}
}
