// Package repository persists workflow sessions, standalone checkpoints,
// and the metrics record in a kv.Store.
//
// Sessions are written whole with optimistic concurrency: the session's
// Metadata.Version is the store revision it was read at, and Save fails
// with ErrVersionConflict if another writer got there first. Update wraps
// the load/apply/save loop and retries conflicts.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/waypoint/pkg/waypoint/kv"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"

	wperrors "github.com/randalmurphal/waypoint/pkg/waypoint/errors"
)

// Config configures a Repository.
type Config struct {
	// Prefix is prepended to every key.
	// Default: "waypoint:"
	Prefix string

	// SessionTTL is the lifetime of a session record, reset on every save.
	// Default: 24 hours
	SessionTTL time.Duration

	// CheckpointTTL is the lifetime of standalone checkpoint records.
	// Default: 72 hours
	CheckpointTTL time.Duration

	// MaxEvents bounds the event log kept on a session.
	// Default: 100
	MaxEvents int

	// ConflictRetries is how many times Update reloads after a version
	// conflict before giving up.
	// Default: 5
	ConflictRetries int

	// Retry governs retries of failed store calls.
	// Default: errors.StorageRetry
	Retry wperrors.RetryConfig

	// Logger receives retry and corruption warnings.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Prefix:          "waypoint:",
	SessionTTL:      24 * time.Hour,
	CheckpointTTL:   72 * time.Hour,
	MaxEvents:       100,
	ConflictRetries: 5,
	Retry:           wperrors.StorageRetry,
}

// Repository is the session persistence layer.
// It is safe for concurrent use.
type Repository struct {
	store   kv.Store
	cfg     Config
	handler *wperrors.Handler
	logger  *slog.Logger
	locks   *keyedMutex
}

// New creates a repository over store. Zero-valued fields of cfg take
// their DefaultConfig values.
func New(store kv.Store, cfg Config) *Repository {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig.Prefix
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultConfig.SessionTTL
	}
	if cfg.CheckpointTTL <= 0 {
		cfg.CheckpointTTL = DefaultConfig.CheckpointTTL
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultConfig.MaxEvents
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = DefaultConfig.ConflictRetries
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultConfig.Retry
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	retry := cfg.Retry
	retry.RetryableFunc = retryableStoreError

	return &Repository{
		store: store,
		cfg:   cfg,
		handler: wperrors.NewHandler(
			wperrors.WithRetryConfig(retry),
			wperrors.WithLogger(cfg.Logger),
		),
		logger: cfg.Logger,
		locks:  newKeyedMutex(),
	}
}

// Config returns the resolved configuration.
func (r *Repository) Config() Config {
	return r.cfg
}

// Close closes the underlying store.
func (r *Repository) Close() error {
	return r.store.Close()
}

func (r *Repository) sessionKey(id string) string {
	return r.cfg.Prefix + "session:" + id
}

func (r *Repository) sessionPrefix() string {
	return r.cfg.Prefix + "session:"
}

func (r *Repository) checkpointPrefix(sessionID string) string {
	return r.cfg.Prefix + "checkpoint:" + sessionID + ":"
}

func (r *Repository) metricsKey() string {
	return r.cfg.Prefix + "metrics"
}

// Create persists a new INITIALIZED session with a fresh ID.
func (r *Repository) Create(ctx context.Context, formData []byte, cfg session.Config, now time.Time) (*session.WorkflowSession, error) {
	s := session.New(session.NewSessionID(), formData, cfg, now)
	if err := r.Save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Find loads a session. It returns found=false with a nil error when the
// session is absent or expired.
func (r *Repository) Find(ctx context.Context, id string) (*session.WorkflowSession, bool, error) {
	var entry kv.Entry
	err := r.do(ctx, "find", func(ctx context.Context) error {
		var err error
		entry, err = r.store.Get(ctx, r.sessionKey(id))
		return err
	})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	s, err := session.Unmarshal(entry.Value)
	if err != nil {
		return nil, false, &CorruptedStateError{Key: entry.Key, Err: err}
	}
	s.Metadata.Version = entry.Revision
	return s, true, nil
}

// Save writes the whole aggregate if nobody else saved it since it was
// read, trims its event log, and resets its TTL. On success
// s.Metadata.Version holds the new revision.
func (r *Repository) Save(ctx context.Context, s *session.WorkflowSession) error {
	s.TrimEvents(r.cfg.MaxEvents)

	expect := s.Metadata.Version
	s.Metadata.Version = expect + 1
	data, err := s.Marshal()
	if err != nil {
		s.Metadata.Version = expect
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}

	var rev int64
	err = r.do(ctx, "save", func(ctx context.Context) error {
		var err error
		rev, err = r.store.PutIf(ctx, r.sessionKey(s.ID), data, r.cfg.SessionTTL, expect)
		return err
	})
	if err != nil {
		s.Metadata.Version = expect
		if errors.Is(err, kv.ErrRevisionMismatch) {
			return fmt.Errorf("%w: session %s at version %d", ErrVersionConflict, s.ID, expect)
		}
		return err
	}
	s.Metadata.Version = rev
	return nil
}

// Update loads the session, applies fn, and saves the result, holding the
// session's in-process lock throughout. On a version conflict it reloads
// and calls fn again, so fn must not keep state between calls.
// If fn returns an error nothing is written and that error is returned.
func (r *Repository) Update(ctx context.Context, id string, fn func(*session.WorkflowSession) error) (*session.WorkflowSession, error) {
	unlock := r.locks.lock(id)
	defer unlock()

	for attempt := 0; ; attempt++ {
		s, found, err := r.Find(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}

		if err := fn(s); err != nil {
			return nil, err
		}

		err = r.Save(ctx, s)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= r.cfg.ConflictRetries {
			return nil, err
		}
		r.logger.Debug("version conflict, reloading session",
			slog.String("session_id", id),
			slog.Int("attempt", attempt+1),
		)
	}
}

// Delete removes a session and its standalone checkpoints.
// Deleting a missing session is not an error.
func (r *Repository) Delete(ctx context.Context, id string) error {
	unlock := r.locks.lock(id)
	defer unlock()

	if err := r.do(ctx, "delete", func(ctx context.Context) error {
		return r.store.Delete(ctx, r.sessionKey(id))
	}); err != nil {
		return err
	}

	var entries []kv.Entry
	if err := r.do(ctx, "list_checkpoints", func(ctx context.Context) error {
		var err error
		entries, err = r.store.List(ctx, r.checkpointPrefix(id))
		return err
	}); err != nil {
		return err
	}
	for _, e := range entries {
		key := e.Key
		if err := r.do(ctx, "delete_checkpoint", func(ctx context.Context) error {
			return r.store.Delete(ctx, key)
		}); err != nil {
			return err
		}
	}
	return nil
}

// do runs fn under the storage retry policy. Not-found and revision
// mismatch are expected outcomes: they are returned as-is without being
// retried or logged. Anything else that survives the retries is wrapped in
// ErrStorageUnavailable.
func (r *Repository) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var expected error
	err := r.handler.Execute(ctx, "kv."+op, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, kv.ErrNotFound) || errors.Is(err, kv.ErrRevisionMismatch) {
			expected = err
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
	}
	return expected
}

// retryableStoreError retries everything except a closed store and a
// finished context.
func retryableStoreError(err error) bool {
	switch {
	case errors.Is(err, kv.ErrStoreClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}
