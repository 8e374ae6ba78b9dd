package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/waypoint/pkg/waypoint/kv"
	"github.com/randalmurphal/waypoint/pkg/waypoint/repository"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

func TestCheckpointRecords(t *testing.T) {
	repo := newRepo(t, nil)
	ctx := context.Background()

	s := session.New("sess-1", nil, session.DefaultConfig, t0)
	require.NoError(t, s.StartStage(session.AgentContentPlanner, t0))

	var written []session.Checkpoint
	at := t0.Add(time.Minute)
	for _, agent := range []session.AgentType{session.AgentContentPlanner, session.AgentInfoGatherer} {
		var out session.StageOutput
		if agent == session.AgentContentPlanner {
			out = &session.ContentPlan{Destinations: []string{"Porto"}}
		}
		cp, err := s.CompleteStage(agent, session.StageResult{Output: out, Cost: 0.1}, at)
		require.NoError(t, err)
		_, err = repo.PutCheckpoint(ctx, cp)
		require.NoError(t, err)
		written = append(written, cp)
		at = at.Add(time.Minute)
	}

	got, err := repo.ListCheckpoints(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, written[0].ID, got[0].ID)
	assert.Equal(t, written[1].ID, got[1].ID)
	assert.Equal(t, got[0].ID, got[1].PreviousCheckpointID)

	plan, ok := got[0].Data.(*session.ContentPlan)
	require.True(t, ok)
	assert.Equal(t, []string{"Porto"}, plan.Destinations)

	other, err := repo.ListCheckpoints(ctx, "sess-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestCheckpointRecords_OutliveSession(t *testing.T) {
	now := t0
	store := kv.NewMemoryStore(time.Hour, kv.WithClock(func() time.Time { return now }))
	repo := repository.New(store, repository.Config{
		SessionTTL:    time.Hour,
		CheckpointTTL: 3 * time.Hour,
		Logger:        quietLogger,
	})
	defer repo.Close()
	ctx := context.Background()

	s, err := repo.Create(ctx, nil, session.DefaultConfig, t0)
	require.NoError(t, err)
	require.NoError(t, s.StartStage(session.AgentContentPlanner, t0))
	cp, err := s.CompleteStage(session.AgentContentPlanner, session.StageResult{}, t0)
	require.NoError(t, err)
	_, err = repo.PutCheckpoint(ctx, cp)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)

	_, found, err := repo.Find(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, found)

	cps, err := repo.ListCheckpoints(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 1)
}

func TestMetricsRecord(t *testing.T) {
	repo := newRepo(t, nil)
	ctx := context.Background()

	data, rev, err := repo.LoadMetrics(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Zero(t, rev)

	rev, err = repo.SaveMetrics(ctx, []byte(`{"total_sessions":1}`), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	_, err = repo.SaveMetrics(ctx, []byte(`{"total_sessions":9}`), 0)
	assert.ErrorIs(t, err, repository.ErrVersionConflict)

	data, rev, err = repo.LoadMetrics(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_sessions":1}`, string(data))
	assert.Equal(t, int64(1), rev)
}
