package kv_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/waypoint/pkg/waypoint/kv"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Sweep(t *testing.T) {
	clock := newFakeClock()
	store := kv.NewMemoryStore(time.Hour, kv.WithClock(clock.Now))
	defer store.Close()
	ctx := context.Background()

	_, err := store.Put(ctx, "a", []byte("1"), time.Second)
	require.NoError(t, err)
	_, err = store.Put(ctx, "b", []byte("2"), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())

	assert.Equal(t, 0, store.Sweep())
	clock.Advance(time.Minute)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStore_JanitorRuns(t *testing.T) {
	store := kv.NewMemoryStore(10 * time.Millisecond)
	defer store.Close()

	_, err := store.Put(context.Background(), "a", []byte("1"), time.Millisecond)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return store.Len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSQLiteStore_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store1, err := kv.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	_, err = store1.Put(ctx, "session:1", []byte("persistent"), time.Hour)
	require.NoError(t, err)
	require.NoError(t, store1.Close())

	store2, err := kv.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store2.Close()

	e, err := store2.Get(ctx, "session:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("persistent"), e.Value)
	assert.Equal(t, int64(1), e.Revision)
}

func TestSQLiteStore_InvalidPath(t *testing.T) {
	_, err := kv.NewSQLiteStore("/nonexistent/path/db.sqlite")
	assert.Error(t, err)
}

func TestSQLiteStore_Sweep(t *testing.T) {
	clock := newFakeClock()
	store, err := kv.NewSQLiteStore(":memory:", kv.WithClock(clock.Now))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	_, err = store.Put(ctx, "a", []byte("1"), time.Second)
	require.NoError(t, err)
	_, err = store.Put(ctx, "b", []byte("2"), 0)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	n, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()

	store1, err := kv.NewFileStore(fs, "/var/waypoint")
	require.NoError(t, err)
	_, err = store1.Put(ctx, "waypoint:session:abc", []byte(`{"id":"abc"}`), 0)
	require.NoError(t, err)
	require.NoError(t, store1.Close())

	store2, err := kv.NewFileStore(fs, "/var/waypoint")
	require.NoError(t, err)
	defer store2.Close()

	e, err := store2.Get(ctx, "waypoint:session:abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"abc"}`, string(e.Value))

	files, err := afero.ReadDir(fs, "/var/waypoint")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestFileStore_CorruptFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := kv.NewFileStore(fs, "/data")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	_, err = store.Put(ctx, "k", []byte("v"), 0)
	require.NoError(t, err)

	files, err := afero.ReadDir(fs, "/data")
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.NoError(t, afero.WriteFile(fs, filepath.Join("/data", files[0].Name()), []byte("{broken"), 0o644))

	_, err = store.Get(ctx, "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, kv.ErrNotFound)
}
