// Package kv provides the TTL key-value store that holds session records.
//
// Every backend carries a per-key revision so callers can do
// compare-and-swap writes with PutIf. Expired entries behave exactly like
// missing ones.
package kv

import (
	"context"
	"errors"
	"time"
)

// Store is a TTL key-value map with revisions.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry for key.
	// Returns ErrNotFound if the key is absent or expired.
	Get(ctx context.Context, key string) (Entry, error)

	// Put writes value unconditionally and returns the new revision.
	// A ttl of 0 means the entry never expires.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error)

	// PutIf writes value only if the current revision equals expectRev.
	// An expectRev of 0 requires the key to be absent.
	// Returns ErrRevisionMismatch otherwise.
	PutIf(ctx context.Context, key string, value []byte, ttl time.Duration, expectRev int64) (int64, error)

	// Delete removes key. Returns nil if it doesn't exist.
	Delete(ctx context.Context, key string) error

	// List returns all unexpired entries whose key starts with prefix,
	// ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// Close releases any resources (connections, files, goroutines).
	Close() error
}

// Entry is one stored value.
type Entry struct {
	Key      string
	Value    []byte
	Revision int64

	// ExpiresAt is zero for entries without a TTL.
	ExpiresAt time.Time
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the key doesn't exist or has expired.
	ErrNotFound = errors.New("key not found")

	// ErrRevisionMismatch indicates a PutIf lost a compare-and-swap race.
	ErrRevisionMismatch = errors.New("revision mismatch")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store closed")
)

// Option configures a store backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
