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

func seed(t *testing.T, repo *repository.Repository) []*session.WorkflowSession {
	t.Helper()
	ctx := context.Background()
	var out []*session.WorkflowSession
	for i := 0; i < 5; i++ {
		s, err := repo.Create(ctx, nil, session.DefaultConfig, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		out = append(out, s)
	}
	// Cancel the second and fourth.
	for _, i := range []int{1, 3} {
		_, err := repo.Update(ctx, out[i].ID, func(s *session.WorkflowSession) error {
			return s.Cancel("test", t0.Add(time.Hour))
		})
		require.NoError(t, err)
	}
	return out
}

func TestListByState_NewestFirst(t *testing.T) {
	repo := newRepo(t, nil)
	created := seed(t, repo)

	res, err := repo.ListByState(context.Background(), repository.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	assert.False(t, res.HasMore)
	require.Len(t, res.Sessions, 5)
	assert.Equal(t, created[4].ID, res.Sessions[0].ID)
	assert.Equal(t, created[0].ID, res.Sessions[4].ID)
}

func TestListByState_Filters(t *testing.T) {
	repo := newRepo(t, nil)
	created := seed(t, repo)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter repository.ListFilter
		want   []string
		total  int
		more   bool
	}{
		{
			name:   "by state",
			filter: repository.ListFilter{States: []session.State{session.StateCancelled}},
			want:   []string{created[3].ID, created[1].ID},
			total:  2,
		},
		{
			name: "created window",
			filter: repository.ListFilter{
				CreatedAfter:  t0,
				CreatedBefore: t0.Add(3 * time.Minute),
			},
			want:  []string{created[2].ID, created[1].ID},
			total: 2,
		},
		{
			name:   "paged",
			filter: repository.ListFilter{Limit: 2, Offset: 1},
			want:   []string{created[3].ID, created[2].ID},
			total:  5,
			more:   true,
		},
		{
			name:   "offset past end",
			filter: repository.ListFilter{Offset: 10},
			total:  5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := repo.ListByState(ctx, tt.filter)
			require.NoError(t, err)
			var ids []string
			for _, s := range res.Sessions {
				ids = append(ids, s.ID)
			}
			assert.Equal(t, tt.want, ids)
			assert.Equal(t, tt.total, res.Total)
			assert.Equal(t, tt.more, res.HasMore)
		})
	}
}

func TestListByState_SkipsCorrupted(t *testing.T) {
	store := kv.NewMemoryStore(time.Hour)
	repo := newRepo(t, store)
	ctx := context.Background()

	s, err := repo.Create(ctx, nil, session.DefaultConfig, t0)
	require.NoError(t, err)
	_, err = store.Put(ctx, "waypoint:session:junk", []byte(`[]`), 0)
	require.NoError(t, err)

	res, err := repo.ListByState(ctx, repository.ListFilter{})
	require.NoError(t, err)
	require.Len(t, res.Sessions, 1)
	assert.Equal(t, s.ID, res.Sessions[0].ID)
}
