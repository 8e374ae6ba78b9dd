package repository_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/randalmurphal/waypoint/pkg/waypoint/kv"
	"github.com/randalmurphal/waypoint/pkg/waypoint/repository"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"

	wperrors "github.com/randalmurphal/waypoint/pkg/waypoint/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// flakyStore fails the next n calls with a transport-style error.
type flakyStore struct {
	kv.Store
	failures atomic.Int32
	calls    atomic.Int32
}

var errFlaky = errors.New("connection reset")

func (f *flakyStore) fail() error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errFlaky
	}
	return nil
}

func (f *flakyStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	if err := f.fail(); err != nil {
		return kv.Entry{}, err
	}
	return f.Store.Get(ctx, key)
}

func (f *flakyStore) PutIf(ctx context.Context, key string, value []byte, ttl time.Duration, rev int64) (int64, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return f.Store.PutIf(ctx, key, value, ttl, rev)
}

func newRepo(t *testing.T, store kv.Store) *repository.Repository {
	t.Helper()
	if store == nil {
		store = kv.NewMemoryStore(time.Hour)
	}
	repo := repository.New(store, repository.Config{
		Logger: quietLogger,
		Retry: wperrors.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
	})
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestCreateAndFind(t *testing.T) {
	repo := newRepo(t, nil)
	ctx := context.Background()

	s, err := repo.Create(ctx, []byte(`{"destination":"Kyoto"}`), session.DefaultConfig, t0)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, int64(1), s.Metadata.Version)

	got, found, err := repo.Find(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, session.StateInitialized, got.State)
	assert.Equal(t, s.Metadata.Version, got.Metadata.Version)
	assert.JSONEq(t, `{"destination":"Kyoto"}`, string(got.FormData))
	require.Len(t, got.EventsOfType(session.EventSessionCreated), 1)
}

func TestFind_Absent(t *testing.T) {
	repo := newRepo(t, nil)

	s, found, err := repo.Find(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, s)
}

func TestFind_Corrupted(t *testing.T) {
	store := kv.NewMemoryStore(time.Hour)
	repo := newRepo(t, store)
	ctx := context.Background()

	_, err := store.Put(ctx, "waypoint:session:bad", []byte(`{not json`), 0)
	require.NoError(t, err)

	_, found, err := repo.Find(ctx, "bad")
	assert.False(t, found)
	require.Error(t, err)
	assert.True(t, errors.Is(err, repository.ErrCorruptedState))

	var corrupted *repository.CorruptedStateError
	require.True(t, errors.As(err, &corrupted))
	assert.Equal(t, "waypoint:session:bad", corrupted.Key)
}

func TestSave_VersionConflict(t *testing.T) {
	repo := newRepo(t, nil)
	ctx := context.Background()

	s, err := repo.Create(ctx, nil, session.DefaultConfig, t0)
	require.NoError(t, err)

	a, _, err := repo.Find(ctx, s.ID)
	require.NoError(t, err)
	b, _, err := repo.Find(ctx, s.ID)
	require.NoError(t, err)

	require.NoError(t, a.StartStage(session.AgentContentPlanner, t0.Add(time.Second)))
	require.NoError(t, repo.Save(ctx, a))

	require.NoError(t, b.Cancel("late writer", t0.Add(time.Second)))
	err = repo.Save(ctx, b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, repository.ErrVersionConflict))

	got, _, err := repo.Find(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateContentPlanning, got.State)
}

func TestSave_TrimsEvents(t *testing.T) {
	store := kv.NewMemoryStore(time.Hour)
	repo := repository.New(store, repository.Config{MaxEvents: 3, Logger: quietLogger})
	defer repo.Close()
	ctx := context.Background()

	s, err := repo.Create(ctx, nil, session.DefaultConfig, t0)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		s.AppendWarning("", "test", "warning", t0.Add(time.Duration(i)*time.Second))
	}
	require.NoError(t, repo.Save(ctx, s))

	got, _, err := repo.Find(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, got.Events, 3)
	for i := 1; i < len(got.Events); i++ {
		assert.False(t, got.Events[i].Timestamp.Before(got.Events[i-1].Timestamp))
	}
}

func TestSave_ResetsTTL(t *testing.T) {
	now := t0
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	store := kv.NewMemoryStore(time.Hour, kv.WithClock(clock))
	repo := repository.New(store, repository.Config{SessionTTL: time.Hour, Logger: quietLogger})
	defer repo.Close()
	ctx := context.Background()

	s, err := repo.Create(ctx, nil, session.DefaultConfig, t0)
	require.NoError(t, err)

	advance(50 * time.Minute)
	require.NoError(t, repo.Save(ctx, s))

	advance(50 * time.Minute)
	_, found, err := repo.Find(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, found, "save should have renewed the TTL")

	advance(time.Hour)
	_, found, err = repo.Find(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpdate(t *testing.T) {
	repo := newRepo(t, nil)
	ctx := context.Background()

	s, err := repo.Create(ctx, nil, session.DefaultConfig, t0)
	require.NoError(t, err)

	updated, err := repo.Update(ctx, s.ID, func(s *session.WorkflowSession) error {
		return s.StartStage(session.AgentContentPlanner, t0.Add(time.Second))
	})
	require.NoError(t, err)
	assert.Equal(t, session.StateContentPlanning, updated.State)
	assert.Equal(t, int64(2), updated.Metadata.Version)
}

func TestUpdate_FnErrorWritesNothing(t *testing.T) {
	repo := newRepo(t, nil)
	ctx := context.Background()

	s, err := repo.Create(ctx, nil, session.DefaultConfig, t0)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = repo.Update(ctx, s.ID, func(s *session.WorkflowSession) error {
		s.State = session.StateCancelled
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _, err := repo.Find(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateInitialized, got.State)
	assert.Equal(t, int64(1), got.Metadata.Version)
}

func TestUpdate_NotFound(t *testing.T) {
	repo := newRepo(t, nil)

	_, err := repo.Update(context.Background(), "missing", func(*session.WorkflowSession) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)
}

func TestUpdate_ConcurrentCallersSerialize(t *testing.T) {
	repo := newRepo(t, nil)
	ctx := context.Background()

	s, err := repo.Create(ctx, nil, session.DefaultConfig, t0)
	require.NoError(t, err)
	_, err = repo.Update(ctx, s.ID, func(s *session.WorkflowSession) error {
		return s.StartStage(session.AgentContentPlanner, t0)
	})
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := repo.Update(ctx, s.ID, func(s *session.WorkflowSession) error {
				return s.RecordUpdate(session.StageUpdate{Cost: 0.01}, t0.Add(time.Second))
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, _, err := repo.Find(ctx, s.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, got.Metadata.TotalCost, 1e-9)
	assert.Equal(t, int64(2+n), got.Metadata.Version)
}

func TestUpdate_RetriesCrossProcessConflict(t *testing.T) {
	store := kv.NewMemoryStore(time.Hour)
	repo := newRepo(t, store)
	other := repository.New(store, repository.Config{Logger: quietLogger})
	ctx := context.Background()

	s, err := repo.Create(ctx, nil, session.DefaultConfig, t0)
	require.NoError(t, err)

	calls := 0
	_, err = repo.Update(ctx, s.ID, func(s *session.WorkflowSession) error {
		calls++
		if calls == 1 {
			// Another process writes between our load and save.
			_, err := other.Update(ctx, s.ID, func(s *session.WorkflowSession) error {
				return s.RecordUpdate(session.StageUpdate{Cost: 1}, t0)
			})
			require.NoError(t, err)
		}
		return s.RecordUpdate(session.StageUpdate{Cost: 2}, t0)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	got, _, err := repo.Find(ctx, s.ID)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, got.Metadata.TotalCost, 1e-9)
}

func TestStorageRetries(t *testing.T) {
	flaky := &flakyStore{Store: kv.NewMemoryStore(time.Hour)}
	repo := newRepo(t, flaky)
	ctx := context.Background()

	flaky.failures.Store(2)
	s, err := repo.Create(ctx, nil, session.DefaultConfig, t0)
	require.NoError(t, err, "two transient failures fit in three attempts")

	flaky.failures.Store(3)
	_, _, err = repo.Find(ctx, s.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrStorageUnavailable)
	assert.ErrorIs(t, err, errFlaky)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	store := kv.NewMemoryStore(time.Hour)
	repo := repository.New(store, repository.Config{Logger: quietLogger})
	require.NoError(t, repo.Close())

	_, _, err := repo.Find(context.Background(), "x")
	assert.ErrorIs(t, err, repository.ErrStorageUnavailable)
	assert.ErrorIs(t, err, kv.ErrStoreClosed)
}

func TestDelete(t *testing.T) {
	repo := newRepo(t, nil)
	ctx := context.Background()

	s, err := repo.Create(ctx, nil, session.DefaultConfig, t0)
	require.NoError(t, err)
	require.NoError(t, s.StartStage(session.AgentContentPlanner, t0))
	cp, err := s.CompleteStage(session.AgentContentPlanner, session.StageResult{}, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, s))
	_, err = repo.PutCheckpoint(ctx, cp)
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, s.ID))
	require.NoError(t, repo.Delete(ctx, s.ID), "delete is idempotent")

	_, found, err := repo.Find(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, found)

	cps, err := repo.ListCheckpoints(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, cps)
}
