package session_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentOrder(t *testing.T) {
	next, ok := session.AgentContentPlanner.Next()
	require.True(t, ok)
	assert.Equal(t, session.AgentInfoGatherer, next)

	_, ok = session.AgentCompiler.Next()
	assert.False(t, ok)

	prev, ok := session.AgentCompiler.Previous()
	require.True(t, ok)
	assert.Equal(t, session.AgentStrategist, prev)

	_, ok = session.AgentContentPlanner.Previous()
	assert.False(t, ok)

	assert.Equal(t, 3, session.AgentStrategist.Stage())
	assert.Equal(t, session.StateCompiling, session.AgentCompiler.State())

	agent, ok := session.AgentForState(session.StateInfoGathering)
	require.True(t, ok)
	assert.Equal(t, session.AgentInfoGatherer, agent)

	_, ok = session.AgentForState(session.StateCompleted)
	assert.False(t, ok)
}

func TestParse(t *testing.T) {
	st, err := session.ParseState("COMPILING")
	require.NoError(t, err)
	assert.Equal(t, session.StateCompiling, st)

	_, err = session.ParseState("compiling")
	assert.Error(t, err)

	agent, err := session.ParseAgent("strategist")
	require.NoError(t, err)
	assert.Equal(t, session.AgentStrategist, agent)

	_, err = session.ParseAgent("reviewer")
	assert.ErrorIs(t, err, session.ErrUnknownAgent)
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := session.Config{MaxCost: 2, AutoRecover: true}.WithDefaults(session.DefaultConfig)

	assert.Equal(t, 10*time.Minute, cfg.MaxExecutionTime)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 2.0, cfg.MaxCost)
	assert.True(t, cfg.AutoRecover)
}

func TestMarshalRoundTripKeepsTypedPayloads(t *testing.T) {
	s := startedSession(t)
	_, err := s.CompleteStage(session.AgentContentPlanner, session.StageResult{
		Output: &session.ContentPlan{Destinations: []string{"Porto", "Lisbon"}, Themes: []string{"food"}},
		Cost:   0.1,
	}, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.Cancel("done testing", t0.Add(2*time.Minute)))

	data, err := s.Marshal()
	require.NoError(t, err)

	got, err := session.Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.State, got.State)
	assert.Equal(t, s.Progress, got.Progress)

	plan, ok := got.AgentResults[session.AgentContentPlanner].(*session.ContentPlan)
	require.True(t, ok)
	assert.Equal(t, []string{"Porto", "Lisbon"}, plan.Destinations)

	require.Len(t, got.Checkpoints, 1)
	_, ok = got.Checkpoints[0].Data.(*session.ContentPlan)
	assert.True(t, ok)

	require.Len(t, got.Events, len(s.Events))
	for i := range s.Events {
		assert.Equal(t, s.Events[i].Type, got.Events[i].Type)
		assert.Equal(t, s.Events[i].Data, got.Events[i].Data)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := session.Unmarshal([]byte("{not json"))
	assert.Error(t, err)

	_, err = session.Unmarshal([]byte(`{"id":"x","state":"SLEEPING"}`))
	assert.Error(t, err)

	_, err = session.Unmarshal([]byte(`{"state":"INITIALIZED"}`))
	assert.Error(t, err)
}

func TestWorkflowEvent_UnknownType(t *testing.T) {
	var evt session.WorkflowEvent
	err := json.Unmarshal([]byte(`{"id":"1","type":"mystery","data":{"a":1}}`), &evt)
	assert.Error(t, err)

	err = json.Unmarshal([]byte(`{"id":"1","type":"mystery"}`), &evt)
	assert.NoError(t, err)
	assert.Nil(t, evt.Data)
}

func TestTailAndTrimEvents(t *testing.T) {
	s := startedSession(t)
	completeThrough(t, s, session.AgentStrategist)
	total := len(s.Events)
	require.Greater(t, total, 5)

	tail := s.TailEvents(5)
	require.Len(t, tail, 5)
	assert.Equal(t, s.Events[total-1].ID, tail[4].ID)
	assert.Len(t, s.TailEvents(1000), total)
	assert.Nil(t, s.TailEvents(0))

	last := s.Events[total-1].ID
	s.TrimEvents(3)
	require.Len(t, s.Events, 3)
	assert.Equal(t, last, s.Events[2].ID)
}

func TestItinerary(t *testing.T) {
	s := startedSession(t)
	_, ok := s.Itinerary()
	assert.False(t, ok)

	completeThrough(t, s, session.AgentStrategist)
	_, err := s.CompleteStage(session.AgentCompiler, session.StageResult{
		Output: &session.Itinerary{Title: "Three days in Lisbon", Days: []session.ItineraryDay{{Day: 1, Activities: []string{"Alfama"}}}},
	}, t0.Add(time.Hour))
	require.NoError(t, err)

	it, ok := s.Itinerary()
	require.True(t, ok)
	assert.Equal(t, "Three days in Lisbon", it.Title)
}

func TestNewID_Monotonic(t *testing.T) {
	prev := session.NewID(t0)
	for i := 0; i < 100; i++ {
		id := session.NewID(t0)
		assert.Less(t, prev, id)
		prev = id
	}
	assert.NotEqual(t, session.NewSessionID(), session.NewSessionID())
}
