package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a workflow event. It also selects the payload variant.
type EventType string

// Workflow event types.
const (
	EventSessionCreated    EventType = "session.created"
	EventAgentStarted      EventType = "agent.started"
	EventAgentCompleted    EventType = "agent.completed"
	EventAgentFailed       EventType = "agent.failed"
	EventCheckpointCreated EventType = "checkpoint.created"
	EventSessionCancelled  EventType = "session.cancelled"
	EventSessionCompleted  EventType = "session.completed"
	EventRecoveryInitiated EventType = "recovery.initiated"
	EventRecoveryCompleted EventType = "recovery.completed"
	EventError             EventType = "error"
	EventWarning           EventType = "warning"
)

// Severity grades an event for alerting.
type Severity string

// Event severities.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// EventData is the typed payload attached to a WorkflowEvent.
// Each implementation belongs to exactly one EventType.
type EventData interface {
	EventType() EventType
}

// SessionCreatedData is the payload of session.created.
type SessionCreatedData struct {
	Config              Config `json:"config"`
	EstimatedDurationMs int64  `json:"estimated_duration_ms"`
}

// AgentStartedData is the payload of agent.started.
type AgentStartedData struct {
	Stage   int `json:"stage"`
	Attempt int `json:"attempt"`
}

// AgentCompletedData is the payload of agent.completed.
type AgentCompletedData struct {
	Stage      int     `json:"stage"`
	Cost       float64 `json:"cost"`
	DurationMs int64   `json:"duration_ms"`
}

// AgentFailedData is the payload of agent.failed.
type AgentFailedData struct {
	Stage   int    `json:"stage"`
	Error   string `json:"error"`
	Attempt int    `json:"attempt"`
}

// CheckpointCreatedData is the payload of checkpoint.created.
type CheckpointCreatedData struct {
	CheckpointID string `json:"checkpoint_id"`
	Percentage   int    `json:"percentage"`
}

// SessionCancelledData is the payload of session.cancelled.
type SessionCancelledData struct {
	Reason        string `json:"reason,omitempty"`
	PreviousState State  `json:"previous_state"`
}

// SessionCompletedData is the payload of session.completed.
type SessionCompletedData struct {
	DurationMs int64   `json:"duration_ms"`
	TotalCost  float64 `json:"total_cost"`
}

// RecoveryInitiatedData is the payload of recovery.initiated.
type RecoveryInitiatedData struct {
	CheckpointID  string    `json:"checkpoint_id"`
	ResumeAgent   AgentType `json:"resume_agent"`
	RetryCount    int       `json:"retry_count"`
	PreviousState State     `json:"previous_state"`
}

// RecoveryCompletedData is the payload of recovery.completed.
type RecoveryCompletedData struct {
	ResumeAgent    AgentType `json:"resume_agent"`
	DispatchHandle string    `json:"dispatch_handle,omitempty"`
}

// ErrorData is the payload of error.
type ErrorData struct {
	Code  string `json:"code"`
	Error string `json:"error"`

	// Attempt is set when the failure belongs to a running stage.
	Attempt int `json:"attempt,omitempty"`
}

// WarningData is the payload of warning.
type WarningData struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

func (SessionCreatedData) EventType() EventType    { return EventSessionCreated }
func (AgentStartedData) EventType() EventType      { return EventAgentStarted }
func (AgentCompletedData) EventType() EventType    { return EventAgentCompleted }
func (AgentFailedData) EventType() EventType       { return EventAgentFailed }
func (CheckpointCreatedData) EventType() EventType { return EventCheckpointCreated }
func (SessionCancelledData) EventType() EventType  { return EventSessionCancelled }
func (SessionCompletedData) EventType() EventType  { return EventSessionCompleted }
func (RecoveryInitiatedData) EventType() EventType { return EventRecoveryInitiated }
func (RecoveryCompletedData) EventType() EventType { return EventRecoveryCompleted }
func (ErrorData) EventType() EventType             { return EventError }
func (WarningData) EventType() EventType           { return EventWarning }

// newEventData returns a zero payload pointer for the event type.
func newEventData(t EventType) (EventData, error) {
	switch t {
	case EventSessionCreated:
		return &SessionCreatedData{}, nil
	case EventAgentStarted:
		return &AgentStartedData{}, nil
	case EventAgentCompleted:
		return &AgentCompletedData{}, nil
	case EventAgentFailed:
		return &AgentFailedData{}, nil
	case EventCheckpointCreated:
		return &CheckpointCreatedData{}, nil
	case EventSessionCancelled:
		return &SessionCancelledData{}, nil
	case EventSessionCompleted:
		return &SessionCompletedData{}, nil
	case EventRecoveryInitiated:
		return &RecoveryInitiatedData{}, nil
	case EventRecoveryCompleted:
		return &RecoveryCompletedData{}, nil
	case EventError:
		return &ErrorData{}, nil
	case EventWarning:
		return &WarningData{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}

// WorkflowEvent is one immutable entry in a session's audit trail.
type WorkflowEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	AgentType AgentType `json:"agent_type,omitempty"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Data      EventData `json:"data,omitempty"`
}

// UnmarshalJSON decodes Data into the variant selected by Type.
func (e *WorkflowEvent) UnmarshalJSON(data []byte) error {
	type alias WorkflowEvent
	aux := struct {
		*alias
		Data json.RawMessage `json:"data,omitempty"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.Data = nil
	if len(aux.Data) == 0 || string(aux.Data) == "null" {
		return nil
	}
	payload, err := newEventData(e.Type)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(aux.Data, payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	e.Data = derefEventData(payload)
	return nil
}

// derefEventData stores payloads by value so decoded events compare equal
// to freshly built ones.
func derefEventData(d EventData) EventData {
	switch v := d.(type) {
	case *SessionCreatedData:
		return *v
	case *AgentStartedData:
		return *v
	case *AgentCompletedData:
		return *v
	case *AgentFailedData:
		return *v
	case *CheckpointCreatedData:
		return *v
	case *SessionCancelledData:
		return *v
	case *SessionCompletedData:
		return *v
	case *RecoveryInitiatedData:
		return *v
	case *RecoveryCompletedData:
		return *v
	case *ErrorData:
		return *v
	case *WarningData:
		return *v
	}
	return d
}
