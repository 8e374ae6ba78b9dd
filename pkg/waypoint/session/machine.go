package session

import (
	"fmt"
	"math"
	"time"
)

// transitions is the legal edge table. Terminal states have no entry.
var transitions = map[State][]State{
	StateInitialized:     {StateContentPlanning, StateCancelled, StateFailed},
	StateContentPlanning: {StateInfoGathering, StateFailed, StateCancelled},
	StateInfoGathering:   {StateStrategizing, StateFailed, StateCancelled},
	StateStrategizing:    {StateCompiling, StateFailed, StateCancelled},
	StateCompiling:       {StateCompleted, StateFailed, StateCancelled},
}

// CanTransition reports whether from -> to is an edge of the table.
func CanTransition(from, to State) bool {
	for _, target := range transitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Transition moves the session to a new state.
//
// Advancing into a stage state requires the previous stage's agent to be in
// CompletedAgents, and COMPLETED requires the compiler. On rejection the
// session is left untouched.
func (s *WorkflowSession) Transition(to State, now time.Time) error {
	if s.State.IsTerminal() {
		return &TransitionError{From: s.State, To: to, Reason: "no transitions out of a terminal state", Err: ErrSessionTerminal}
	}
	if !CanTransition(s.State, to) {
		return &TransitionError{From: s.State, To: to, Reason: "not an edge of the transition table", Err: ErrInvalidTransition}
	}
	if agent, ok := AgentForState(to); ok {
		if prev, ok := agent.Previous(); ok && !s.HasCompleted(prev) {
			return &TransitionError{
				From:   s.State,
				To:     to,
				Agent:  agent,
				Reason: fmt.Sprintf("previous stage %s has not completed", prev),
				Err:    ErrInvalidTransition,
			}
		}
	}
	if to == StateCompleted && !s.HasCompleted(AgentCompiler) {
		return &TransitionError{From: s.State, To: to, Reason: "compiler stage has not completed", Err: ErrInvalidTransition}
	}

	now = now.UTC()
	s.State = to
	s.Metadata.StageStartedAt = now
	s.Metadata.UpdatedAt = now
	s.recompute()
	return nil
}

// StartStage marks agent as running, entering its stage state if the
// session is not already there.
func (s *WorkflowSession) StartStage(agent AgentType, now time.Time) error {
	if !agent.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, agent)
	}
	if s.State.IsTerminal() {
		return &TransitionError{From: s.State, Agent: agent, Reason: "cannot start a stage", Err: ErrSessionTerminal}
	}
	if s.HasCompleted(agent) {
		return &TransitionError{From: s.State, Agent: agent, Reason: "stage already completed", Err: ErrStaleStage}
	}
	if s.State != agent.State() {
		if err := s.Transition(agent.State(), now); err != nil {
			return err
		}
	}

	now = now.UTC()
	if s.Metadata.StartedAt == nil {
		started := now
		s.Metadata.StartedAt = &started
	}
	s.Metadata.LastHeartbeat = now
	s.recompute()
	s.appendEvent(now, EventAgentStarted, agent, SeverityLow, fmt.Sprintf("%s started", agent), AgentStartedData{
		Stage:   agent.Stage(),
		Attempt: s.Metadata.RetryCount + 1,
	})
	return nil
}

// CompleteStage records a successful stage: it appends a linked checkpoint,
// marks the agent completed, and advances to the next stage state, or to
// COMPLETED after the compiler.
//
// A second report for the same agent returns ErrStaleStage and changes
// nothing, which makes stage callbacks safe under duplicate delivery.
func (s *WorkflowSession) CompleteStage(agent AgentType, result StageResult, now time.Time) (Checkpoint, error) {
	if !agent.Valid() {
		return Checkpoint{}, fmt.Errorf("%w: %q", ErrUnknownAgent, agent)
	}
	if s.State.IsTerminal() {
		return Checkpoint{}, &TransitionError{From: s.State, Agent: agent, Reason: "cannot complete a stage", Err: ErrSessionTerminal}
	}
	if s.HasCompleted(agent) {
		return Checkpoint{}, &TransitionError{From: s.State, Agent: agent, Reason: "stage already completed", Err: ErrStaleStage}
	}
	if s.State != agent.State() {
		return Checkpoint{}, &TransitionError{From: s.State, Agent: agent, Reason: "not the running stage", Err: ErrInvalidTransition}
	}
	if result.Output != nil && result.Output.Agent() != agent {
		return Checkpoint{}, &TransitionError{
			From:   s.State,
			Agent:  agent,
			Reason: fmt.Sprintf("output belongs to %s", result.Output.Agent()),
			Err:    ErrInvalidTransition,
		}
	}

	ts := s.nextTimestamp(now)
	cp := Checkpoint{
		ID:                NewID(ts),
		SessionID:         s.ID,
		Timestamp:         ts,
		AgentType:         agent,
		StateAtCheckpoint: s.State,
		Data:              result.Output,
		Cost:              result.Cost,
		DurationMs:        result.Duration.Milliseconds(),
		RetryCount:        s.Metadata.RetryCount,
	}
	if prev, ok := s.LatestCheckpoint(); ok {
		cp.PreviousCheckpointID = prev.ID
	}

	s.Progress.CompletedAgents = append(s.Progress.CompletedAgents, agent)
	s.Progress.FailedAgents = removeAgent(s.Progress.FailedAgents, agent)
	s.recompute()
	cp.ProgressPercentage = s.Progress.Percentage

	if s.AgentResults == nil {
		s.AgentResults = make(AgentResults)
	}
	if result.Output != nil {
		s.AgentResults[agent] = result.Output
	}
	s.Metadata.TotalCost += result.Cost
	s.Metadata.LastHeartbeat = ts
	s.Checkpoints = append(s.Checkpoints, cp)

	s.appendEvent(ts, EventAgentCompleted, agent, SeverityLow, fmt.Sprintf("%s completed", agent), AgentCompletedData{
		Stage:      agent.Stage(),
		Cost:       result.Cost,
		DurationMs: cp.DurationMs,
	})
	s.appendEvent(ts, EventCheckpointCreated, agent, SeverityLow, "checkpoint created", CheckpointCreatedData{
		CheckpointID: cp.ID,
		Percentage:   cp.ProgressPercentage,
	})
	s.checkCostBudget(ts)

	if next, ok := agent.Next(); ok {
		if err := s.Transition(next.State(), ts); err != nil {
			return Checkpoint{}, err
		}
		return cp, nil
	}
	if err := s.Transition(StateCompleted, ts); err != nil {
		return Checkpoint{}, err
	}
	completed := ts
	s.Metadata.CompletedAt = &completed
	if s.Metadata.StartedAt != nil {
		s.Metadata.ActualDurationMs = completed.Sub(*s.Metadata.StartedAt).Milliseconds()
	}
	s.appendEvent(ts, EventSessionCompleted, "", SeverityLow, "workflow completed", SessionCompletedData{
		DurationMs: s.Metadata.ActualDurationMs,
		TotalCost:  s.Metadata.TotalCost,
	})
	return cp, nil
}

// FailStage records that the running agent failed and moves the session to
// FAILED.
func (s *WorkflowSession) FailStage(agent AgentType, cause error, now time.Time) error {
	if !agent.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, agent)
	}
	if s.State.IsTerminal() {
		return &TransitionError{From: s.State, Agent: agent, Reason: "cannot fail a stage", Err: ErrSessionTerminal}
	}
	if s.HasCompleted(agent) {
		return &TransitionError{From: s.State, Agent: agent, Reason: "stage already completed", Err: ErrStaleStage}
	}
	if s.State != agent.State() {
		return &TransitionError{From: s.State, Agent: agent, Reason: "not the running stage", Err: ErrInvalidTransition}
	}

	ts := s.nextTimestamp(now)
	msg := "stage failed"
	if cause != nil {
		msg = cause.Error()
	}
	if !containsAgent(s.Progress.FailedAgents, agent) {
		s.Progress.FailedAgents = append(s.Progress.FailedAgents, agent)
	}
	s.appendEvent(ts, EventAgentFailed, agent, SeverityHigh, fmt.Sprintf("%s failed: %s", agent, msg), AgentFailedData{
		Stage:   agent.Stage(),
		Error:   msg,
		Attempt: s.Metadata.RetryCount + 1,
	})
	return s.markFailed(ts)
}

// Fail moves the session to FAILED for a reason outside any single stage
// report, such as dispatch exhaustion or a stall. The cause is recorded as an
// error event.
func (s *WorkflowSession) Fail(code string, cause error, now time.Time) error {
	if s.State.IsTerminal() {
		return &TransitionError{From: s.State, To: StateFailed, Reason: "already terminal", Err: ErrSessionTerminal}
	}
	ts := s.nextTimestamp(now)
	msg := code
	if cause != nil {
		msg = cause.Error()
	}
	data := ErrorData{Code: code, Error: msg}
	agent := s.Progress.CurrentAgent
	if agent != "" {
		data.Attempt = s.Metadata.RetryCount + 1
		if !containsAgent(s.Progress.FailedAgents, agent) {
			s.Progress.FailedAgents = append(s.Progress.FailedAgents, agent)
		}
	}
	s.appendEvent(ts, EventError, agent, SeverityCritical, msg, data)
	return s.markFailed(ts)
}

func (s *WorkflowSession) markFailed(ts time.Time) error {
	if err := s.Transition(StateFailed, ts); err != nil {
		return err
	}
	failed := ts
	s.Metadata.FailedAt = &failed
	s.Metadata.DispatchHandle = ""
	return nil
}

// Cancel moves the session to CANCELLED.
func (s *WorkflowSession) Cancel(reason string, now time.Time) error {
	prev := s.State
	ts := s.nextTimestamp(now)
	if err := s.Transition(StateCancelled, ts); err != nil {
		return err
	}
	cancelled := ts
	s.Metadata.CancelledAt = &cancelled
	s.Metadata.CancelReason = reason
	msg := "workflow cancelled"
	if reason != "" {
		msg = "workflow cancelled: " + reason
	}
	s.appendEvent(ts, EventSessionCancelled, "", SeverityMedium, msg, SessionCancelledData{
		Reason:        reason,
		PreviousState: prev,
	})
	return nil
}

// Reenter is the recovery move: it puts the session back into the stage
// state of agent. It is the only transition that may leave FAILED or move
// against the table, and it rebuilds CompletedAgents from the checkpoint
// history. Callers are responsible for deciding that recovery is allowed.
func (s *WorkflowSession) Reenter(agent AgentType, now time.Time) error {
	if !agent.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, agent)
	}
	ts := s.nextTimestamp(now)
	completed := make([]AgentType, 0, len(s.Checkpoints))
	for _, cp := range s.Checkpoints {
		if !containsAgent(completed, cp.AgentType) {
			completed = append(completed, cp.AgentType)
		}
	}
	s.Progress.CompletedAgents = completed
	s.Progress.FailedAgents = removeAgent(s.Progress.FailedAgents, agent)
	s.State = agent.State()
	s.Metadata.FailedAt = nil
	s.Metadata.DispatchHandle = ""
	s.Metadata.StageStartedAt = ts
	s.Metadata.LastHeartbeat = ts
	s.Metadata.UpdatedAt = ts
	s.recompute()
	return nil
}

// RecordUpdate applies an in-flight executor report: heartbeat, incremental
// cost, and an optional warning event.
func (s *WorkflowSession) RecordUpdate(u StageUpdate, now time.Time) error {
	if s.State.IsTerminal() {
		return &TransitionError{From: s.State, Agent: u.Agent, Reason: "cannot update", Err: ErrSessionTerminal}
	}
	if u.Agent != "" {
		if !u.Agent.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownAgent, u.Agent)
		}
		if s.HasCompleted(u.Agent) {
			return &TransitionError{From: s.State, Agent: u.Agent, Reason: "stage already completed", Err: ErrStaleStage}
		}
		if s.State != u.Agent.State() {
			return &TransitionError{From: s.State, Agent: u.Agent, Reason: "not the running stage", Err: ErrInvalidTransition}
		}
	}

	ts := s.nextTimestamp(now)
	s.Metadata.LastHeartbeat = ts
	s.Metadata.UpdatedAt = ts
	if u.Cost > 0 {
		s.Metadata.TotalCost += u.Cost
	}
	if u.Warning {
		s.appendEvent(ts, EventWarning, u.Agent, SeverityMedium, u.Message, WarningData{Code: "agent_warning", Detail: u.Message})
	}
	s.checkCostBudget(ts)
	return nil
}

// AppendRecoveryInitiated records the start of a recovery.
func (s *WorkflowSession) AppendRecoveryInitiated(cp Checkpoint, resume AgentType, prev State, now time.Time) {
	ts := s.nextTimestamp(now)
	s.appendEvent(ts, EventRecoveryInitiated, resume, SeverityMedium,
		fmt.Sprintf("recovering from checkpoint %s, resuming at %s", cp.ID, resume),
		RecoveryInitiatedData{
			CheckpointID:  cp.ID,
			ResumeAgent:   resume,
			RetryCount:    s.Metadata.RetryCount,
			PreviousState: prev,
		})
}

// AppendRecoveryCompleted records that the resumed stage was dispatched.
func (s *WorkflowSession) AppendRecoveryCompleted(resume AgentType, handle string, now time.Time) {
	ts := s.nextTimestamp(now)
	s.appendEvent(ts, EventRecoveryCompleted, resume, SeverityLow,
		fmt.Sprintf("recovery resumed %s", resume),
		RecoveryCompletedData{ResumeAgent: resume, DispatchHandle: handle})
}

// AppendWarning records a warning event without changing state.
func (s *WorkflowSession) AppendWarning(agent AgentType, code, message string, now time.Time) {
	ts := s.nextTimestamp(now)
	s.appendEvent(ts, EventWarning, agent, SeverityMedium, message, WarningData{Code: code, Detail: message})
}

func (s *WorkflowSession) checkCostBudget(ts time.Time) {
	if s.Config.MaxCost <= 0 || s.Metadata.CostWarned || s.Metadata.TotalCost <= s.Config.MaxCost {
		return
	}
	s.Metadata.CostWarned = true
	msg := fmt.Sprintf("total cost %.4f exceeds budget %.4f", s.Metadata.TotalCost, s.Config.MaxCost)
	s.appendEvent(ts, EventWarning, s.Progress.CurrentAgent, SeverityHigh, msg, WarningData{Code: "cost_budget_exceeded", Detail: msg})
}

// recompute derives Progress from State, CompletedAgents, and Config.
func (s *WorkflowSession) recompute() {
	p := &s.Progress
	p.TotalSteps = TotalSteps
	p.Percentage = int(math.Round(float64(len(p.CompletedAgents)) / TotalSteps * 100))

	p.CurrentAgent = ""
	switch {
	case s.State == StateCompleted:
		p.CurrentStep = TotalSteps
	default:
		if agent, ok := AgentForState(s.State); ok {
			p.CurrentStep = agent.Stage()
			p.CurrentAgent = agent
		} else {
			p.CurrentStep = len(p.CompletedAgents)
		}
	}

	if s.State.IsTerminal() {
		p.EstimatedTimeRemainingMs = 0
		return
	}
	budget := float64(s.Config.MaxExecutionTime.Milliseconds())
	p.EstimatedTimeRemainingMs = int64(budget * (1 - float64(p.Percentage)/100))
}

// nextTimestamp returns now, clamped so that events and checkpoints never go
// backwards in time.
func (s *WorkflowSession) nextTimestamp(now time.Time) time.Time {
	ts := now.UTC()
	if n := len(s.Events); n > 0 && ts.Before(s.Events[n-1].Timestamp) {
		ts = s.Events[n-1].Timestamp
	}
	if n := len(s.Checkpoints); n > 0 && ts.Before(s.Checkpoints[n-1].Timestamp) {
		ts = s.Checkpoints[n-1].Timestamp
	}
	return ts
}

func (s *WorkflowSession) appendEvent(now time.Time, t EventType, agent AgentType, sev Severity, msg string, data EventData) WorkflowEvent {
	ts := s.nextTimestamp(now)
	evt := WorkflowEvent{
		ID:        NewID(ts),
		Timestamp: ts,
		Type:      t,
		AgentType: agent,
		Message:   msg,
		Severity:  sev,
		Data:      data,
	}
	s.Events = append(s.Events, evt)
	return evt
}
