package repository

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/randalmurphal/waypoint/pkg/waypoint/kv"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

// ListFilter selects sessions for ListByState.
type ListFilter struct {
	// States restricts results to these states. Empty means all.
	States []session.State

	// CreatedAfter and CreatedBefore bound CreatedAt. Zero means unbounded.
	CreatedAfter  time.Time
	CreatedBefore time.Time

	// Limit caps the page size. Zero means no limit.
	Limit  int
	Offset int
}

// ListResult is one page of sessions, newest first.
type ListResult struct {
	Sessions []*session.WorkflowSession
	Total    int
	HasMore  bool
}

func (f ListFilter) matches(s *session.WorkflowSession) bool {
	if len(f.States) > 0 {
		ok := false
		for _, st := range f.States {
			if s.State == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.CreatedAfter.IsZero() && !s.Metadata.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !s.Metadata.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// ListByState scans all sessions and returns the filtered page, newest
// created first. Records that fail to decode are skipped with a warning.
func (r *Repository) ListByState(ctx context.Context, filter ListFilter) (ListResult, error) {
	var entries []kv.Entry
	if err := r.do(ctx, "list", func(ctx context.Context) error {
		var err error
		entries, err = r.store.List(ctx, r.sessionPrefix())
		return err
	}); err != nil {
		return ListResult{}, err
	}

	matched := make([]*session.WorkflowSession, 0, len(entries))
	for _, e := range entries {
		s, err := session.Unmarshal(e.Value)
		if err != nil {
			r.logger.Warn("skipping corrupted session record",
				slog.String("key", e.Key),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.Metadata.Version = e.Revision
		if filter.matches(s) {
			matched = append(matched, s)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].Metadata.CreatedAt, matched[j].Metadata.CreatedAt
		if a.Equal(b) {
			return matched[i].ID > matched[j].ID
		}
		return a.After(b)
	})

	total := len(matched)
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < total {
		end = start + filter.Limit
	}

	return ListResult{
		Sessions: matched[start:end],
		Total:    total,
		HasMore:  end < total,
	}, nil
}
