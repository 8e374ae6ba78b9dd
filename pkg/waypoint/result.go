package waypoint

import (
	"context"

	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

// ResultStatus is the outcome class of a session as seen by a client
// polling for its itinerary.
type ResultStatus string

// Result statuses.
const (
	ResultNotFound  ResultStatus = "not_found"
	ResultPending   ResultStatus = "pending"
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultCancelled ResultStatus = "cancelled"
)

// ResultOptions selects the optional parts of a Result summary.
type ResultOptions struct {
	IncludeTimeline    bool
	IncludeDetails     bool
	IncludePerformance bool
}

// Result is the client view of a session's outcome.
type Result struct {
	SessionID    string             `json:"sessionId"`
	Status       ResultStatus       `json:"status"`
	State        session.State      `json:"state,omitempty"`
	Progress     *session.Progress  `json:"progress,omitempty"`
	Itinerary    *session.Itinerary `json:"itinerary,omitempty"`
	Summary      *ExecutionSummary  `json:"executionSummary,omitempty"`
	Error        string             `json:"error,omitempty"`
	CancelReason string             `json:"cancelReason,omitempty"`
}

// ExecutionSummary describes how a finished session ran.
type ExecutionSummary struct {
	DurationMs int64   `json:"durationMs"`
	TotalCost  float64 `json:"totalCost"`
	RetryCount int     `json:"retryCount"`

	Agents      []AgentSummary          `json:"agents,omitempty"`
	Timeline    []session.WorkflowEvent `json:"timeline,omitempty"`
	Checkpoints []session.Checkpoint    `json:"checkpoints,omitempty"`
	Errors      []session.WorkflowEvent `json:"errors,omitempty"`
	Warnings    []session.WorkflowEvent `json:"warnings,omitempty"`
}

// AgentSummary is the per-agent performance line of a summary.
type AgentSummary struct {
	Agent      session.AgentType `json:"agent"`
	Succeeded  bool              `json:"succeeded"`
	Cost       float64           `json:"cost"`
	DurationMs int64             `json:"durationMs"`
	Attempts   int               `json:"attempts"`
}

// GetResult returns the outcome view of a session. A missing session gives
// Status ResultNotFound and no error. A running session gives
// ResultPending with its progress.
func (m *Manager) GetResult(ctx context.Context, id string, opts ResultOptions) (*Result, error) {
	s, found, err := m.repo.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return &Result{SessionID: id, Status: ResultNotFound}, nil
	}

	r := &Result{SessionID: id, State: s.State}
	switch s.State {
	case session.StateCompleted:
		r.Status = ResultCompleted
		if it, ok := s.Itinerary(); ok {
			r.Itinerary = it
		}
	case session.StateFailed:
		r.Status = ResultFailed
		r.Error = lastError(s)
	case session.StateCancelled:
		r.Status = ResultCancelled
		r.CancelReason = s.Metadata.CancelReason
	default:
		p := s.Progress
		r.Status = ResultPending
		r.Progress = &p
		return r, nil
	}
	r.Summary = summarize(s, opts)
	return r, nil
}

func summarize(s *session.WorkflowSession, opts ResultOptions) *ExecutionSummary {
	sum := &ExecutionSummary{
		DurationMs: sessionDuration(s).Milliseconds(),
		TotalCost:  s.Metadata.TotalCost,
		RetryCount: s.Metadata.RetryCount,
	}
	if s.Metadata.ActualDurationMs > 0 {
		sum.DurationMs = s.Metadata.ActualDurationMs
	}
	if opts.IncludePerformance {
		sum.Agents = agentSummaries(s)
	}
	if opts.IncludeTimeline {
		sum.Timeline = s.Events
	}
	if opts.IncludeDetails {
		sum.Checkpoints = s.Checkpoints
		for _, evt := range s.Events {
			if evt.Type == session.EventError || evt.Type == session.EventAgentFailed {
				sum.Errors = append(sum.Errors, evt)
			}
		}
		sum.Warnings = s.EventsOfType(session.EventWarning)
	}
	return sum
}

func agentSummaries(s *session.WorkflowSession) []AgentSummary {
	out := make([]AgentSummary, 0, len(session.Agents))
	for _, agent := range session.Agents {
		a := AgentSummary{Agent: agent, Succeeded: s.HasCompleted(agent)}
		for _, evt := range s.EventsOfType(session.EventAgentStarted) {
			if evt.AgentType == agent {
				a.Attempts++
			}
		}
		for _, cp := range s.Checkpoints {
			if cp.AgentType == agent {
				a.Cost += cp.Cost
				a.DurationMs += cp.DurationMs
			}
		}
		if a.Attempts == 0 && !a.Succeeded {
			continue
		}
		out = append(out, a)
	}
	return out
}

// lastError returns the message of the most recent failure event.
func lastError(s *session.WorkflowSession) string {
	for i := len(s.Events) - 1; i >= 0; i-- {
		switch s.Events[i].Type {
		case session.EventError, session.EventAgentFailed:
			return s.Events[i].Message
		}
	}
	return ""
}
