package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// StageOutput is the typed result an agent hands back when its stage
// completes. The concrete type is fixed per agent.
type StageOutput interface {
	Agent() AgentType
}

// ContentPlan is produced by the content-planner stage.
type ContentPlan struct {
	Destinations []string `json:"destinations"`
	Themes       []string `json:"themes,omitempty"`
	Sections     []string `json:"sections,omitempty"`
	Summary      string   `json:"summary,omitempty"`
}

// GatheredInfo is produced by the info-gatherer stage.
type GatheredInfo struct {
	Sources []string          `json:"sources,omitempty"`
	Facts   map[string]string `json:"facts,omitempty"`
	Summary string            `json:"summary,omitempty"`
}

// Strategy is produced by the strategist stage.
type Strategy struct {
	Budget     float64  `json:"budget,omitempty"`
	Currency   string   `json:"currency,omitempty"`
	Pacing     string   `json:"pacing,omitempty"`
	Priorities []string `json:"priorities,omitempty"`
	Summary    string   `json:"summary,omitempty"`
}

// Itinerary is the compiled output of the pipeline.
type Itinerary struct {
	Title    string         `json:"title"`
	Days     []ItineraryDay `json:"days"`
	Markdown string         `json:"markdown,omitempty"`
}

// ItineraryDay is one day of an itinerary.
type ItineraryDay struct {
	Day        int      `json:"day"`
	Title      string   `json:"title,omitempty"`
	Activities []string `json:"activities"`
}

func (*ContentPlan) Agent() AgentType  { return AgentContentPlanner }
func (*GatheredInfo) Agent() AgentType { return AgentInfoGatherer }
func (*Strategy) Agent() AgentType     { return AgentStrategist }
func (*Itinerary) Agent() AgentType    { return AgentCompiler }

// NewOutput returns an empty output value for the agent.
func NewOutput(agent AgentType) (StageOutput, error) {
	switch agent {
	case AgentContentPlanner:
		return &ContentPlan{}, nil
	case AgentInfoGatherer:
		return &GatheredInfo{}, nil
	case AgentStrategist:
		return &Strategy{}, nil
	case AgentCompiler:
		return &Itinerary{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agent)
	}
}

// DecodeOutput decodes raw stage output for the given agent.
// Empty input yields a nil output.
func DecodeOutput(agent AgentType, data []byte) (StageOutput, error) {
	out, err := NewOutput(agent)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decode %s output: %w", agent, err)
	}
	return out, nil
}

// AgentResults maps each completed agent to its output.
type AgentResults map[AgentType]StageOutput

// UnmarshalJSON decodes each entry into the variant owned by its agent key.
func (r *AgentResults) UnmarshalJSON(data []byte) error {
	var raw map[AgentType]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(AgentResults, len(raw))
	for agent, payload := range raw {
		decoded, err := DecodeOutput(agent, payload)
		if err != nil {
			return err
		}
		if decoded != nil {
			out[agent] = decoded
		}
	}
	*r = out
	return nil
}

// StageResult is what a stage executor reports on success.
type StageResult struct {
	Output   StageOutput
	Cost     float64
	Duration time.Duration
}

// StageUpdate is an in-flight report from a stage executor.
type StageUpdate struct {
	Agent   AgentType
	Message string
	Cost    float64
	Warning bool
}
