package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/waypoint/pkg/waypoint/kv"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

// PutCheckpoint writes a standalone checkpoint record with the checkpoint
// TTL and returns the encoded size. Checkpoint IDs sort chronologically,
// so key order is history order.
func (r *Repository) PutCheckpoint(ctx context.Context, cp session.Checkpoint) (int, error) {
	data, err := cp.Marshal()
	if err != nil {
		return 0, fmt.Errorf("encode checkpoint %s: %w", cp.ID, err)
	}
	key := r.checkpointPrefix(cp.SessionID) + cp.ID
	err = r.do(ctx, "put_checkpoint", func(ctx context.Context) error {
		_, err := r.store.Put(ctx, key, data, r.cfg.CheckpointTTL)
		return err
	})
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// ListCheckpoints returns a session's standalone checkpoints, oldest
// first. Records that fail to decode are skipped with a warning.
func (r *Repository) ListCheckpoints(ctx context.Context, sessionID string) ([]session.Checkpoint, error) {
	var entries []kv.Entry
	if err := r.do(ctx, "list_checkpoints", func(ctx context.Context) error {
		var err error
		entries, err = r.store.List(ctx, r.checkpointPrefix(sessionID))
		return err
	}); err != nil {
		return nil, err
	}

	out := make([]session.Checkpoint, 0, len(entries))
	for _, e := range entries {
		cp, err := session.UnmarshalCheckpoint(e.Value)
		if err != nil {
			r.logger.Warn("skipping corrupted checkpoint record",
				slog.String("key", e.Key),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, *cp)
	}
	return out, nil
}

// LoadMetrics returns the raw metrics record and its revision.
// An absent record yields nil data and revision 0.
func (r *Repository) LoadMetrics(ctx context.Context) ([]byte, int64, error) {
	var entry kv.Entry
	err := r.do(ctx, "load_metrics", func(ctx context.Context) error {
		var err error
		entry, err = r.store.Get(ctx, r.metricsKey())
		return err
	})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return entry.Value, entry.Revision, nil
}

// SaveMetrics writes the metrics record if it is still at rev. The record
// never expires. Returns ErrVersionConflict if another writer won.
func (r *Repository) SaveMetrics(ctx context.Context, data []byte, rev int64) (int64, error) {
	var next int64
	err := r.do(ctx, "save_metrics", func(ctx context.Context) error {
		var err error
		next, err = r.store.PutIf(ctx, r.metricsKey(), data, 0, rev)
		return err
	})
	if errors.Is(err, kv.ErrRevisionMismatch) {
		return 0, fmt.Errorf("%w: metrics at revision %d", ErrVersionConflict, rev)
	}
	return next, err
}
