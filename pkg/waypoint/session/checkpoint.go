package session

import (
	"encoding/json"
	"time"
)

// Checkpoint is the immutable record of a completed stage. Checkpoints of a
// session form a singly linked list through PreviousCheckpointID.
type Checkpoint struct {
	ID                   string      `json:"id"`
	SessionID            string      `json:"session_id"`
	Timestamp            time.Time   `json:"timestamp"`
	AgentType            AgentType   `json:"agent_type"`
	StateAtCheckpoint    State       `json:"state_at_checkpoint"`
	ProgressPercentage   int         `json:"progress_percentage"`
	Data                 StageOutput `json:"data,omitempty"`
	Cost                 float64     `json:"cost"`
	DurationMs           int64       `json:"duration_ms"`
	RetryCount           int         `json:"retry_count"`
	PreviousCheckpointID string      `json:"previous_checkpoint_id,omitempty"`
}

// Marshal serializes a checkpoint to JSON.
func (c *Checkpoint) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalCheckpoint deserializes a checkpoint from JSON.
func UnmarshalCheckpoint(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// UnmarshalJSON decodes Data into the output type owned by AgentType.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	type alias Checkpoint
	aux := struct {
		*alias
		Data json.RawMessage `json:"data,omitempty"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	out, err := DecodeOutput(c.AgentType, aux.Data)
	if err != nil {
		return err
	}
	c.Data = out
	return nil
}
