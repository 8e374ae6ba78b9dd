package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/afero"

	"github.com/randalmurphal/waypoint/pkg/waypoint/config"
	"github.com/randalmurphal/waypoint/pkg/waypoint/dispatch"
	"github.com/randalmurphal/waypoint/pkg/waypoint/kv"
	"github.com/randalmurphal/waypoint/pkg/waypoint/repository"
)

// openRepository opens the configured store.
func openRepository(s config.Settings, opts repository.Config) (*repository.Repository, error) {
	var (
		store kv.Store
		err   error
	)
	switch s.Store.Backend {
	case config.BackendMemory:
		store = kv.NewMemoryStore(time.Minute)
	case config.BackendSQLite:
		store, err = kv.NewSQLiteStore(s.Store.Path)
	case config.BackendFile:
		store, err = kv.NewFileStore(afero.NewOsFs(), s.Store.Path)
	default:
		err = fmt.Errorf("unknown store backend %q", s.Store.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", s.Store.Backend, err)
	}

	opts.Prefix = s.Store.Prefix
	opts.SessionTTL = s.Store.SessionTTL
	opts.CheckpointTTL = s.Store.CheckpointTTL
	opts.MaxEvents = s.Store.MaxEvents
	return repository.New(store, opts), nil
}

// newHTTPDispatcher builds the remote dispatcher with redelivery.
func newHTTPDispatcher(s config.Settings, policy dispatch.Policy, logger *slog.Logger) (dispatch.Dispatcher, error) {
	d, err := dispatch.NewHTTPDispatcher(s.Dispatch.Endpoint,
		dispatch.WithHTTPClient(&http.Client{Timeout: s.Dispatch.Timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch.endpoint: %w", err)
	}
	return dispatch.WithRetry(d, policy, logger), nil
}
