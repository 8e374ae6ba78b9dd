package config

import (
	"fmt"
	"time"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// Dispatch modes.
const (
	DispatchLocal = "local"
	DispatchHTTP  = "http"
)

// Settings is the resolved configuration of a waypoint process.
type Settings struct {
	Server   ServerSettings
	Store    StoreSettings
	Dispatch DispatchSettings
	Stream   StreamSettings
	Session  SessionSettings
	Sweeper  SweeperSettings
	Log      LogSettings
}

// ServerSettings configures the HTTP listener.
type ServerSettings struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// StoreSettings configures the key-value store and record lifetimes.
type StoreSettings struct {
	Backend       string
	Path          string
	Prefix        string
	SessionTTL    time.Duration
	CheckpointTTL time.Duration
	MaxEvents     int
}

// DispatchSettings configures step dispatch.
type DispatchSettings struct {
	Mode        string
	Endpoint    string
	CallbackURL string
	MaxRetries  int
	Delay       time.Duration
	Workers     int
	Timeout     time.Duration
}

// StreamSettings configures live-update streams.
type StreamSettings struct {
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	TailSize          int
	CloseGrace        time.Duration
	BufferSize        int
}

// SessionSettings are the defaults applied to new sessions.
type SessionSettings struct {
	MaxExecutionTime time.Duration
	MaxCost          float64
	MaxRetries       int
	EnableStreaming  bool
	AutoRecover      bool
}

// SweeperSettings configures stall detection and cleanup.
type SweeperSettings struct {
	Interval       time.Duration
	CleanupAfter   time.Duration
	CleanupEnabled bool
}

// LogSettings configures the process logger.
type LogSettings struct {
	Level  string
	Format string
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		Server: ServerSettings{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreSettings{
			Backend:       BackendMemory,
			Path:          "waypoint.db",
			Prefix:        "waypoint:",
			SessionTTL:    24 * time.Hour,
			CheckpointTTL: 72 * time.Hour,
			MaxEvents:     100,
		},
		Dispatch: DispatchSettings{
			Mode:       DispatchLocal,
			MaxRetries: 3,
			Delay:      2 * time.Second,
			Workers:    4,
			Timeout:    30 * time.Second,
		},
		Stream: StreamSettings{
			HeartbeatInterval: 15 * time.Second,
			PollInterval:      2 * time.Second,
			TailSize:          5,
			CloseGrace:        time.Second,
			BufferSize:        64,
		},
		Session: SessionSettings{
			MaxExecutionTime: 10 * time.Minute,
			MaxRetries:       3,
			EnableStreaming:  true,
		},
		Sweeper: SweeperSettings{
			Interval:     30 * time.Second,
			CleanupAfter: 6 * time.Hour,
		},
		Log: LogSettings{
			Level:  "info",
			Format: "text",
		},
	}
}

// FromConfig resolves settings from cfg, falling back to Defaults for
// anything missing.
func FromConfig(cfg Config) Settings {
	d := Defaults()
	return Settings{
		Server: ServerSettings{
			Addr:            cfg.String("server.addr", d.Server.Addr),
			ShutdownTimeout: cfg.Duration("server.shutdown_timeout", d.Server.ShutdownTimeout),
		},
		Store: StoreSettings{
			Backend:       cfg.String("store.backend", d.Store.Backend),
			Path:          cfg.String("store.path", d.Store.Path),
			Prefix:        cfg.String("store.prefix", d.Store.Prefix),
			SessionTTL:    cfg.Duration("store.session_ttl", d.Store.SessionTTL),
			CheckpointTTL: cfg.Duration("store.checkpoint_ttl", d.Store.CheckpointTTL),
			MaxEvents:     cfg.Int("store.max_events", d.Store.MaxEvents),
		},
		Dispatch: DispatchSettings{
			Mode:        cfg.String("dispatch.mode", d.Dispatch.Mode),
			Endpoint:    cfg.String("dispatch.endpoint", d.Dispatch.Endpoint),
			CallbackURL: cfg.String("dispatch.callback_url", d.Dispatch.CallbackURL),
			MaxRetries:  cfg.Int("dispatch.max_retries", d.Dispatch.MaxRetries),
			Delay:       cfg.Duration("dispatch.delay", d.Dispatch.Delay),
			Workers:     cfg.Int("dispatch.workers", d.Dispatch.Workers),
			Timeout:     cfg.Duration("dispatch.timeout", d.Dispatch.Timeout),
		},
		Stream: StreamSettings{
			HeartbeatInterval: cfg.Duration("stream.heartbeat_interval", d.Stream.HeartbeatInterval),
			PollInterval:      cfg.Duration("stream.poll_interval", d.Stream.PollInterval),
			TailSize:          cfg.Int("stream.tail_size", d.Stream.TailSize),
			CloseGrace:        cfg.Duration("stream.close_grace", d.Stream.CloseGrace),
			BufferSize:        cfg.Int("stream.buffer_size", d.Stream.BufferSize),
		},
		Session: SessionSettings{
			MaxExecutionTime: cfg.Duration("session.max_execution_time", d.Session.MaxExecutionTime),
			MaxCost:          cfg.Float("session.max_cost", d.Session.MaxCost),
			MaxRetries:       cfg.Int("session.max_retries", d.Session.MaxRetries),
			EnableStreaming:  cfg.Bool("session.enable_streaming", d.Session.EnableStreaming),
			AutoRecover:      cfg.Bool("session.auto_recover", d.Session.AutoRecover),
		},
		Sweeper: SweeperSettings{
			Interval:       cfg.Duration("sweeper.interval", d.Sweeper.Interval),
			CleanupAfter:   cfg.Duration("sweeper.cleanup_after", d.Sweeper.CleanupAfter),
			CleanupEnabled: cfg.Bool("sweeper.cleanup_enabled", d.Sweeper.CleanupEnabled),
		},
		Log: LogSettings{
			Level:  cfg.String("log.level", d.Log.Level),
			Format: cfg.String("log.format", d.Log.Format),
		},
	}
}

// Validate reports the first setting that cannot work.
func (s Settings) Validate() error {
	switch s.Store.Backend {
	case BackendMemory, BackendSQLite, BackendFile:
	default:
		return fmt.Errorf("store.backend: unknown backend %q", s.Store.Backend)
	}
	if s.Store.Backend != BackendMemory && s.Store.Path == "" {
		return fmt.Errorf("store.path: required for %s backend", s.Store.Backend)
	}
	if s.Store.SessionTTL <= 0 {
		return fmt.Errorf("store.session_ttl: must be positive")
	}
	if s.Store.CheckpointTTL < s.Store.SessionTTL {
		return fmt.Errorf("store.checkpoint_ttl: must not be shorter than store.session_ttl")
	}

	switch s.Dispatch.Mode {
	case DispatchLocal:
	case DispatchHTTP:
		if s.Dispatch.Endpoint == "" {
			return fmt.Errorf("dispatch.endpoint: required for http mode")
		}
	default:
		return fmt.Errorf("dispatch.mode: unknown mode %q", s.Dispatch.Mode)
	}
	if s.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries: must not be negative")
	}

	if s.Stream.TailSize < 0 || s.Stream.BufferSize <= 0 {
		return fmt.Errorf("stream: tail_size must be >= 0 and buffer_size > 0")
	}
	if s.Session.MaxExecutionTime <= 0 {
		return fmt.Errorf("session.max_execution_time: must be positive")
	}
	return nil
}
