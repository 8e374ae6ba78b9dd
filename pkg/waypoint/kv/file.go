package kv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// FileStore keeps one JSON file per key under a directory of an afero
// filesystem. Use afero.NewOsFs for disk and afero.NewMemMapFs for tests.
type FileStore struct {
	fs     afero.Fs
	dir    string
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

// Compile-time interface check.
var _ Store = (*FileStore)(nil)

// fileEnvelope is the on-disk layout of one entry.
type fileEnvelope struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Revision  int64     `json:"revision"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

const fileSuffix = ".json"

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(fs afero.Fs, dir string, opts ...Option) (*FileStore, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{fs: fs, dir: dir, now: applyOptions(opts).now}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+fileSuffix)
}

// read loads the envelope for key. Expired envelopes report ErrNotFound.
// Caller holds mu.
func (f *FileStore) read(key string) (fileEnvelope, error) {
	data, err := afero.ReadFile(f.fs, f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return fileEnvelope{}, ErrNotFound
	}
	if err != nil {
		return fileEnvelope{}, fmt.Errorf("read %s: %w", key, err)
	}

	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fileEnvelope{}, fmt.Errorf("decode %s: %w", key, err)
	}
	if expired(env.ExpiresAt, f.now()) {
		return fileEnvelope{}, ErrNotFound
	}
	return env, nil
}

// Get implements Store.
func (f *FileStore) Get(_ context.Context, key string) (Entry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return Entry{}, ErrStoreClosed
	}

	env, err := f.read(key)
	if err != nil {
		return Entry{}, err
	}
	return env.entry(), nil
}

// Put implements Store.
func (f *FileStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	return f.write(key, value, ttl, -1)
}

// PutIf implements Store.
func (f *FileStore) PutIf(_ context.Context, key string, value []byte, ttl time.Duration, expectRev int64) (int64, error) {
	return f.write(key, value, ttl, expectRev)
}

func (f *FileStore) write(key string, value []byte, ttl time.Duration, expectRev int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrStoreClosed
	}

	var current int64
	env, err := f.read(key)
	switch {
	case err == nil:
		current = env.Revision
	case errors.Is(err, ErrNotFound):
	default:
		return 0, err
	}

	if expectRev >= 0 && current != expectRev {
		return 0, ErrRevisionMismatch
	}

	next := fileEnvelope{
		Key:       key,
		Value:     value,
		Revision:  current + 1,
		ExpiresAt: expiry(f.now(), ttl),
	}
	data, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}

	// Write then rename so readers never see a partial file.
	target := f.path(key)
	tmp := target + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, data, 0o644); err != nil {
		return 0, fmt.Errorf("write %s: %w", key, err)
	}
	if err := f.fs.Rename(tmp, target); err != nil {
		return 0, fmt.Errorf("rename %s: %w", key, err)
	}
	return next.Revision, nil
}

// Delete implements Store.
func (f *FileStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	err := f.fs.Remove(f.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List implements Store.
func (f *FileStore) List(_ context.Context, prefix string) ([]Entry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}

	infos, err := afero.ReadDir(f.fs, f.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	entries := make([]Entry, 0)
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			continue
		}
		key := string(raw)
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		env, err := f.read(key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, env.entry())
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

// Close implements Store.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (e fileEnvelope) entry() Entry {
	return Entry{Key: e.Key, Value: e.Value, Revision: e.Revision, ExpiresAt: e.ExpiresAt}
}
