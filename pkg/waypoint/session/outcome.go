package session

import "maps"

// AgentTally counts one agent's results within a single session.
type AgentTally struct {
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// Outcome is what a terminal session contributes to the metrics aggregate.
// The last recorded Outcome is kept in Metadata.Recorded so a session that
// is recovered and finishes again replaces its contribution instead of
// adding a second one.
type Outcome struct {
	State      State                    `json:"state"`
	Cost       float64                  `json:"cost"`
	DurationMs int64                    `json:"duration_ms"`
	Agents     map[AgentType]AgentTally `json:"agents,omitempty"`
}

// Equal reports whether o and other contribute the same counts.
func (o Outcome) Equal(other Outcome) bool {
	return o.State == other.State &&
		o.Cost == other.Cost &&
		o.DurationMs == other.DurationMs &&
		maps.Equal(o.Agents, other.Agents)
}

// Outcome summarizes the session as it stands. Successes are the completed
// stages; failures are distinct (agent, attempt) pairs, so a stage reported
// failed and then failed again by a stall or dispatch error in the same
// attempt counts once.
func (s *WorkflowSession) Outcome() Outcome {
	o := Outcome{
		State:      s.State,
		Cost:       s.Metadata.TotalCost,
		DurationMs: s.Metadata.ActualDurationMs,
		Agents:     make(map[AgentType]AgentTally),
	}
	for _, agent := range s.Progress.CompletedAgents {
		t := o.Agents[agent]
		t.Successes++
		o.Agents[agent] = t
	}
	for agent, n := range s.FailedAttempts() {
		t := o.Agents[agent]
		t.Failures += int64(n)
		o.Agents[agent] = t
	}
	return o
}

// FailedAttempts counts, per agent, the distinct attempts that ended in
// agent.failed or error events.
func (s *WorkflowSession) FailedAttempts() map[AgentType]int {
	type key struct {
		agent   AgentType
		attempt int
	}
	seen := make(map[key]struct{})
	out := make(map[AgentType]int)
	for _, evt := range s.Events {
		if evt.AgentType == "" {
			continue
		}
		var attempt int
		switch d := evt.Data.(type) {
		case AgentFailedData:
			attempt = d.Attempt
		case ErrorData:
			attempt = d.Attempt
		default:
			continue
		}
		k := key{evt.AgentType, attempt}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out[evt.AgentType]++
	}
	return out
}
