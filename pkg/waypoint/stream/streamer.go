package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

// ErrSessionNotFound is returned by Stream when the session does not exist.
var ErrSessionNotFound = errors.New("stream: session not found")

// Finder loads a session snapshot. The façade's Manager satisfies it.
type Finder interface {
	Get(ctx context.Context, id string) (*session.WorkflowSession, bool, error)
}

// StreamerConfig configures the stream protocol.
type StreamerConfig struct {
	// HeartbeatInterval spaces heartbeats on streams that asked for them.
	// Default: 15s
	HeartbeatInterval time.Duration

	// PollInterval is how often the session is re-read to catch changes
	// made by other processes. Default: 2s
	PollInterval time.Duration

	// TailSize is how many recent events follow the snapshot. Default: 5
	TailSize int

	// CloseGrace is how long a stream stays open after its completion
	// message. Default: 1s
	CloseGrace time.Duration
}

// DefaultStreamerConfig provides reasonable defaults.
var DefaultStreamerConfig = StreamerConfig{
	HeartbeatInterval: 15 * time.Second,
	PollInterval:      2 * time.Second,
	TailSize:          5,
	CloseGrace:        time.Second,
}

// Streamer runs the protocol shared by SSE and WebSocket clients:
// connected, a progress snapshot, the most recent events, then live
// messages until the session ends or the client goes away.
type Streamer struct {
	b      *Broadcaster
	finder Finder
	cfg    StreamerConfig
	logger *slog.Logger
}

// NewStreamer creates a streamer. Zero-valued fields of cfg take their
// DefaultStreamerConfig values.
func NewStreamer(b *Broadcaster, finder Finder, cfg StreamerConfig, logger *slog.Logger) *Streamer {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultStreamerConfig.HeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultStreamerConfig.PollInterval
	}
	if cfg.TailSize <= 0 {
		cfg.TailSize = DefaultStreamerConfig.TailSize
	}
	if cfg.CloseGrace < 0 {
		cfg.CloseGrace = 0
	}
	return &Streamer{b: b, finder: finder, cfg: cfg, logger: logger}
}

// Stream runs the protocol for one client, calling send for every
// message. It returns nil when the session reaches a terminal state or ctx
// ends, ErrSessionNotFound before sending anything if the session does not
// exist, and send's error if a write fails.
func (st *Streamer) Stream(ctx context.Context, sessionID string, heartbeat bool, send func(Message) error) error {
	// Subscribe before the snapshot so nothing published in between is lost.
	sub := st.b.Subscribe(sessionID, "")
	defer st.b.Unsubscribe(sessionID, sub.ID)

	s, found, err := st.finder.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !found {
		return ErrSessionNotFound
	}

	emit := func(msg Message) error {
		msg.SessionID = sessionID
		return send(st.b.Stamp(msg))
	}

	connected := ConnectedData{SubscriberID: sub.ID}
	if heartbeat {
		connected.HeartbeatMs = st.cfg.HeartbeatInterval.Milliseconds()
	}
	if err := emit(Message{Type: MessageConnected, Data: connected}); err != nil {
		return err
	}
	if err := emit(ProgressMessage(s)); err != nil {
		return err
	}
	for _, evt := range s.TailEvents(st.cfg.TailSize) {
		if err := emit(EventMessage(sessionID, evt)); err != nil {
			return err
		}
	}
	if s.State.IsTerminal() {
		return st.finish(ctx, s, emit)
	}
	version := s.Metadata.Version

	var beat <-chan time.Time
	if heartbeat {
		t := time.NewTicker(st.cfg.HeartbeatInterval)
		defer t.Stop()
		beat = t.C
	}
	poll := time.NewTicker(st.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-sub.C():
			if !ok {
				if sub.Reason() == ReasonBufferFull {
					_ = emit(ErrorMessage(sessionID, "slow_consumer", "stream fell behind; reconnect to resume"))
				}
				return nil
			}
			if p, ok := msg.Data.(ProgressData); ok && p.Version > version {
				version = p.Version
			}
			if err := send(msg); err != nil {
				return err
			}
			if msg.Type == MessageCompletion {
				st.grace(ctx)
				return nil
			}

		case <-beat:
			if err := emit(Message{Type: MessageHeartbeat}); err != nil {
				return err
			}

		case <-poll.C:
			cur, found, err := st.finder.Get(ctx, sessionID)
			if err != nil {
				if st.logger != nil {
					st.logger.Debug("stream poll failed",
						slog.String("session_id", sessionID),
						slog.String("error", err.Error()),
					)
				}
				continue
			}
			if !found {
				_ = emit(ErrorMessage(sessionID, "session_expired", "session no longer exists"))
				return nil
			}
			if cur.Metadata.Version <= version {
				continue
			}
			version = cur.Metadata.Version
			if err := emit(ProgressMessage(cur)); err != nil {
				return err
			}
			if cur.State.IsTerminal() {
				return st.finish(ctx, cur, emit)
			}
		}
	}
}

func (st *Streamer) finish(ctx context.Context, s *session.WorkflowSession, emit func(Message) error) error {
	if err := emit(CompletionMessage(s)); err != nil {
		return err
	}
	st.grace(ctx)
	return nil
}

func (st *Streamer) grace(ctx context.Context) {
	if st.cfg.CloseGrace <= 0 {
		return
	}
	t := time.NewTimer(st.cfg.CloseGrace)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
