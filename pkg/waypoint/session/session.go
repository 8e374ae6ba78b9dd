// Package session defines the workflow session aggregate and the state
// machine that guards every mutation of it.
//
// A WorkflowSession is one end-to-end run of the four-stage itinerary
// pipeline. Callers never assign State or Progress directly: the methods in
// machine.go validate each transition against the transition table and
// recompute progress from the set of completed agents.
package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle state of a workflow session.
type State string

// Session states. The four stage states are entered in order; the last three
// are terminal.
const (
	StateInitialized     State = "INITIALIZED"
	StateContentPlanning State = "CONTENT_PLANNING"
	StateInfoGathering   State = "INFO_GATHERING"
	StateStrategizing    State = "STRATEGIZING"
	StateCompiling       State = "COMPILING"
	StateCompleted       State = "COMPLETED"
	StateFailed          State = "FAILED"
	StateCancelled       State = "CANCELLED"
)

// States lists every state, in lifecycle order.
var States = []State{
	StateInitialized,
	StateContentPlanning,
	StateInfoGathering,
	StateStrategizing,
	StateCompiling,
	StateCompleted,
	StateFailed,
	StateCancelled,
}

// IsTerminal reports whether no further transitions are accepted from s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// ParseState converts a string into a State.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown session state %q", v)
	}
	return s, nil
}

// AgentType identifies one of the four pipeline stages.
type AgentType string

// Pipeline agents in execution order.
const (
	AgentContentPlanner AgentType = "content-planner"
	AgentInfoGatherer   AgentType = "info-gatherer"
	AgentStrategist     AgentType = "strategist"
	AgentCompiler       AgentType = "compiler"
)

// TotalSteps is the number of stages in the pipeline.
const TotalSteps = 4

// Agents lists the pipeline stages in execution order.
var Agents = []AgentType{
	AgentContentPlanner,
	AgentInfoGatherer,
	AgentStrategist,
	AgentCompiler,
}

var agentStates = map[AgentType]State{
	AgentContentPlanner: StateContentPlanning,
	AgentInfoGatherer:   StateInfoGathering,
	AgentStrategist:     StateStrategizing,
	AgentCompiler:       StateCompiling,
}

// StageEstimates are the expected stage durations used for the initial
// completion estimate.
var StageEstimates = map[AgentType]time.Duration{
	AgentContentPlanner: 30 * time.Second,
	AgentInfoGatherer:   90 * time.Second,
	AgentStrategist:     60 * time.Second,
	AgentCompiler:       60 * time.Second,
}

// ParseAgent converts a string into an AgentType.
func ParseAgent(v string) (AgentType, error) {
	a := AgentType(v)
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgent, v)
	}
	return a, nil
}

// Valid reports whether a is one of the pipeline agents.
func (a AgentType) Valid() bool {
	_, ok := agentStates[a]
	return ok
}

// Stage returns the 1-based stage number, or 0 for an unknown agent.
func (a AgentType) Stage() int {
	for i, agent := range Agents {
		if agent == a {
			return i + 1
		}
	}
	return 0
}

// State returns the session state in which the agent runs.
func (a AgentType) State() State {
	return agentStates[a]
}

// Next returns the agent that runs after a.
func (a AgentType) Next() (AgentType, bool) {
	stage := a.Stage()
	if stage == 0 || stage == TotalSteps {
		return "", false
	}
	return Agents[stage], true
}

// Previous returns the agent that runs before a.
func (a AgentType) Previous() (AgentType, bool) {
	stage := a.Stage()
	if stage <= 1 {
		return "", false
	}
	return Agents[stage-2], true
}

// AgentForState returns the agent that runs in the given stage state.
func AgentForState(s State) (AgentType, bool) {
	for agent, state := range agentStates {
		if state == s {
			return agent, true
		}
	}
	return "", false
}

// EstimatedDuration is the sum of all stage estimates.
func EstimatedDuration() time.Duration {
	var total time.Duration
	for _, agent := range Agents {
		total += StageEstimates[agent]
	}
	return total
}

// Config holds per-session execution limits.
type Config struct {
	// MaxExecutionTime bounds how long a session may sit in one state before
	// it is treated as stalled.
	MaxExecutionTime time.Duration `json:"max_execution_time"`

	// MaxCost is a soft budget; exceeding it emits a warning event.
	// Zero disables the check.
	MaxCost float64 `json:"max_cost,omitempty"`

	// MaxRetries caps recovery attempts.
	MaxRetries int `json:"max_retries"`

	EnableStreaming bool `json:"enable_streaming"`

	// AutoRecover resumes from the latest checkpoint when a stage fails and
	// the retry budget allows it.
	AutoRecover bool `json:"auto_recover"`
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	MaxExecutionTime: 10 * time.Minute,
	MaxRetries:       3,
	EnableStreaming:  true,
}

// WithDefaults fills zero-valued limits from defaults.
// Boolean flags are taken as given.
func (c Config) WithDefaults(defaults Config) Config {
	if c.MaxExecutionTime <= 0 {
		c.MaxExecutionTime = defaults.MaxExecutionTime
	}
	if c.MaxCost <= 0 {
		c.MaxCost = defaults.MaxCost
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	return c
}

// Progress is derived state. It is recomputed on every accepted mutation.
type Progress struct {
	CurrentStep              int         `json:"current_step"`
	TotalSteps               int         `json:"total_steps"`
	Percentage               int         `json:"percentage"`
	CurrentAgent             AgentType   `json:"current_agent,omitempty"`
	EstimatedTimeRemainingMs int64       `json:"estimated_time_remaining_ms"`
	CompletedAgents          []AgentType `json:"completed_agents"`
	FailedAgents             []AgentType `json:"failed_agents"`
}

// Metadata carries timing, cost, and bookkeeping for a session.
type Metadata struct {
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	CancelledAt         *time.Time `json:"cancelled_at,omitempty"`
	FailedAt            *time.Time `json:"failed_at,omitempty"`
	StageStartedAt      time.Time  `json:"stage_started_at"`
	TotalCost           float64    `json:"total_cost"`
	EstimatedDurationMs int64      `json:"estimated_duration_ms"`
	ActualDurationMs    int64      `json:"actual_duration_ms,omitempty"`
	RetryCount          int        `json:"retry_count"`
	LastHeartbeat       time.Time  `json:"last_heartbeat"`

	// Version is the optimistic-concurrency token. It matches the store
	// revision the session was read at.
	Version int64 `json:"version"`

	DispatchHandle string `json:"dispatch_handle,omitempty"`
	CancelReason   string `json:"cancel_reason,omitempty"`
	CostWarned     bool   `json:"cost_warned,omitempty"`

	// Recorded is the contribution last folded into the metrics aggregate.
	Recorded *Outcome `json:"recorded,omitempty"`
}

// WorkflowSession is the aggregate root for one pipeline run.
type WorkflowSession struct {
	ID           string          `json:"id"`
	State        State           `json:"state"`
	Progress     Progress        `json:"progress"`
	AgentResults AgentResults    `json:"agent_results"`
	FormData     json.RawMessage `json:"form_data,omitempty"`
	Config       Config          `json:"config"`
	Metadata     Metadata        `json:"metadata"`
	Checkpoints  []Checkpoint    `json:"checkpoints"`
	Events       []WorkflowEvent `json:"events"`

	// Subscribers is filled from the live broadcaster on read and is never
	// persisted.
	Subscribers []string `json:"-"`
}

// New builds an INITIALIZED session and records its session.created event.
func New(id string, formData json.RawMessage, cfg Config, now time.Time) *WorkflowSession {
	now = now.UTC()
	s := &WorkflowSession{
		ID:           id,
		State:        StateInitialized,
		AgentResults: make(AgentResults),
		FormData:     formData,
		Config:       cfg,
		Metadata: Metadata{
			CreatedAt:           now,
			UpdatedAt:           now,
			StageStartedAt:      now,
			LastHeartbeat:       now,
			EstimatedDurationMs: EstimatedDuration().Milliseconds(),
		},
		Checkpoints: []Checkpoint{},
		Events:      []WorkflowEvent{},
	}
	s.recompute()
	s.appendEvent(now, EventSessionCreated, "", SeverityLow, "workflow session created", SessionCreatedData{
		Config:              cfg,
		EstimatedDurationMs: s.Metadata.EstimatedDurationMs,
	})
	return s
}

// Marshal serializes the session to JSON.
func (s *WorkflowSession) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal deserializes a session from JSON.
func Unmarshal(data []byte) (*WorkflowSession, error) {
	var s WorkflowSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.ID == "" || !s.State.Valid() {
		return nil, fmt.Errorf("session payload missing id or state")
	}
	if s.AgentResults == nil {
		s.AgentResults = make(AgentResults)
	}
	return &s, nil
}

// HasCompleted reports whether agent is in the completed set.
func (s *WorkflowSession) HasCompleted(agent AgentType) bool {
	return containsAgent(s.Progress.CompletedAgents, agent)
}

// LatestCheckpoint returns the most recent checkpoint.
func (s *WorkflowSession) LatestCheckpoint() (Checkpoint, bool) {
	if len(s.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return s.Checkpoints[len(s.Checkpoints)-1], true
}

// Itinerary returns the compiled output once the compiler stage has run.
func (s *WorkflowSession) Itinerary() (*Itinerary, bool) {
	out, ok := s.AgentResults[AgentCompiler]
	if !ok {
		return nil, false
	}
	it, ok := out.(*Itinerary)
	return it, ok
}

// EventsOfType returns events of the given type in chronological order.
func (s *WorkflowSession) EventsOfType(t EventType) []WorkflowEvent {
	var out []WorkflowEvent
	for _, evt := range s.Events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

// TailEvents returns at most n of the most recent events.
func (s *WorkflowSession) TailEvents(n int) []WorkflowEvent {
	if n <= 0 || len(s.Events) == 0 {
		return nil
	}
	if n > len(s.Events) {
		n = len(s.Events)
	}
	out := make([]WorkflowEvent, n)
	copy(out, s.Events[len(s.Events)-n:])
	return out
}

// TrimEvents drops the oldest events beyond max, keeping order.
func (s *WorkflowSession) TrimEvents(max int) {
	if max <= 0 || len(s.Events) <= max {
		return
	}
	trimmed := make([]WorkflowEvent, max)
	copy(trimmed, s.Events[len(s.Events)-max:])
	s.Events = trimmed
}

func containsAgent(agents []AgentType, agent AgentType) bool {
	for _, a := range agents {
		if a == agent {
			return true
		}
	}
	return false
}

func removeAgent(agents []AgentType, agent AgentType) []AgentType {
	out := agents[:0:0]
	for _, a := range agents {
		if a != agent {
			out = append(out, a)
		}
	}
	return out
}
