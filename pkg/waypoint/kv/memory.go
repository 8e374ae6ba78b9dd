package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultJanitorInterval is how often MemoryStore reclaims expired entries.
const DefaultJanitorInterval = time.Minute

// MemoryStore is an in-memory store for tests and single-process use.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]memoryEntry
	closed bool
	now    func() time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

type memoryEntry struct {
	value     []byte
	revision  int64
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory store. A background janitor removes
// expired entries every interval until Close; an interval <= 0 uses
// DefaultJanitorInterval.
func NewMemoryStore(interval time.Duration, opts ...Option) *MemoryStore {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	m := &MemoryStore{
		data: make(map[string]memoryEntry),
		now:  applyOptions(opts).now,
		done: make(chan struct{}),
	}

	m.wg.Add(1)
	go m.janitor(interval)
	return m
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Entry{}, ErrStoreClosed
	}

	e, ok := m.data[key]
	if !ok || expired(e.expiresAt, m.now()) {
		return Entry{}, ErrNotFound
	}
	return Entry{Key: key, Value: copyBytes(e.value), Revision: e.revision, ExpiresAt: e.expiresAt}, nil
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	return m.write(key, value, ttl, m.currentRevision(key)), nil
}

// PutIf implements Store.
func (m *MemoryStore) PutIf(_ context.Context, key string, value []byte, ttl time.Duration, expectRev int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	current := m.currentRevision(key)
	if current != expectRev {
		return 0, ErrRevisionMismatch
	}
	return m.write(key, value, ttl, current), nil
}

// currentRevision returns 0 for absent or expired keys. Caller holds mu.
func (m *MemoryStore) currentRevision(key string) int64 {
	e, ok := m.data[key]
	if !ok || expired(e.expiresAt, m.now()) {
		return 0
	}
	return e.revision
}

func (m *MemoryStore) write(key string, value []byte, ttl time.Duration, current int64) int64 {
	rev := current + 1
	m.data[key] = memoryEntry{
		value:     copyBytes(value),
		revision:  rev,
		expiresAt: expiry(m.now(), ttl),
	}
	return rev
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	delete(m.data, key)
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	now := m.now()
	entries := make([]Entry, 0)
	for key, e := range m.data {
		if !strings.HasPrefix(key, prefix) || expired(e.expiresAt, now) {
			continue
		}
		entries = append(entries, Entry{Key: key, Value: copyBytes(e.value), Revision: e.revision, ExpiresAt: e.expiresAt})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

// Close implements Store. It stops the janitor.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.data = nil
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// Len returns the number of stored entries, expired ones included.
// Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Sweep removes expired entries and returns how many were dropped.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, e := range m.data {
		if expired(e.expiresAt, now) {
			delete(m.data, key)
			removed++
		}
	}
	return removed
}

func (m *MemoryStore) janitor(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
