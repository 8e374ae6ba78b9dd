// Package stream fans session progress out to live subscribers.
//
// The Broadcaster is process-local and keeps no history: a subscriber that
// connects late, or reconnects after a restart, gets its starting point
// from the snapshot that Streamer sends before live messages.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/waypoint/pkg/waypoint/observability"
)

// Reasons a subscription ends.
const (
	ReasonUnsubscribed  = "unsubscribed"
	ReasonBufferFull    = "buffer full"
	ReasonSessionClosed = "session closed"
	ReasonHandlerFailed = "handler failed"
	ReasonShutdown      = "broadcaster closed"
)

// Config configures a Broadcaster.
type Config struct {
	// BufferSize is the per-subscriber queue length. A subscriber whose
	// queue is full when a message arrives is disconnected.
	// Default: 64
	BufferSize int

	// Logger receives drop and handler-failure warnings.
	Logger *slog.Logger

	// Metrics records deliveries and drops.
	Metrics observability.MetricsRecorder

	// Now stamps messages. Default: time.Now
	Now func() time.Time
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	BufferSize: 64,
}

// Broadcaster delivers messages to the subscribers of each session.
// Publish never blocks; one slow subscriber never delays another.
type Broadcaster struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]map[string]*Subscription
	closed   bool

	nextID   atomic.Int64
	handlers sync.WaitGroup
}

// Subscription is one subscriber's queue. C is closed when the
// subscription ends; Reason then tells why.
type Subscription struct {
	ID        string
	SessionID string

	ch     chan Message
	reason string
}

// C returns the message channel.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Reason returns why the subscription ended. It is only meaningful after
// C has been closed.
func (s *Subscription) Reason() string {
	return s.reason
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(cfg Config) *Broadcaster {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig.BufferSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Broadcaster{
		cfg:      cfg,
		sessions: make(map[string]map[string]*Subscription),
	}
}

// Stamp assigns the next message ID, and a timestamp if msg has none.
func (b *Broadcaster) Stamp(msg Message) Message {
	msg.ID = b.nextID.Add(1)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.cfg.Now().UTC()
	}
	return msg
}

// Subscribe registers subscriberID on a session and returns its
// subscription. Subscribing an ID that is already registered returns the
// existing subscription. An empty subscriberID gets a generated one.
// After Close, the returned subscription is already closed.
func (b *Broadcaster) Subscribe(sessionID, subscriberID string) *Subscription {
	sub, _ := b.subscribe(sessionID, subscriberID)
	return sub
}

// subscribe reports whether the subscription is new and open.
func (b *Broadcaster) subscribe(sessionID, subscriberID string) (*Subscription, bool) {
	if subscriberID == "" {
		subscriberID = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.sessions[sessionID]; ok {
		if existing, ok := subs[subscriberID]; ok {
			return existing, false
		}
	}

	sub := &Subscription{
		ID:        subscriberID,
		SessionID: sessionID,
		ch:        make(chan Message, b.cfg.BufferSize),
	}
	if b.closed {
		sub.reason = ReasonShutdown
		close(sub.ch)
		return sub, false
	}

	if b.sessions[sessionID] == nil {
		b.sessions[sessionID] = make(map[string]*Subscription)
	}
	b.sessions[sessionID][subscriberID] = sub
	return sub, true
}

// SubscribeFunc subscribes and runs fn for each message on its own
// goroutine. A handler that returns an error or panics is unsubscribed;
// other subscribers are unaffected. If subscriberID is already registered
// the existing subscription is returned and fn is not started.
func (b *Broadcaster) SubscribeFunc(sessionID, subscriberID string, fn func(Message) error) *Subscription {
	sub, fresh := b.subscribe(sessionID, subscriberID)
	if !fresh {
		return sub
	}

	b.handlers.Add(1)
	go func() {
		defer b.handlers.Done()
		for msg := range sub.ch {
			if err := b.invoke(fn, msg); err != nil {
				observability.LogSubscriberDropped(b.cfg.Logger, sessionID, sub.ID,
					fmt.Sprintf("%s: %v", ReasonHandlerFailed, err))
				b.remove(sessionID, sub.ID, ReasonHandlerFailed)
				// Drain so remove's close ends the loop.
				for range sub.ch {
				}
				return
			}
		}
	}()
	return sub
}

func (b *Broadcaster) invoke(fn func(Message) error, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(msg)
}

// Unsubscribe removes a subscriber. Unknown IDs are ignored.
func (b *Broadcaster) Unsubscribe(sessionID, subscriberID string) {
	b.remove(sessionID, subscriberID, ReasonUnsubscribed)
}

// Publish delivers msg to every subscriber of the session and returns how
// many received it. Subscribers whose queue is full are disconnected.
func (b *Broadcaster) Publish(sessionID string, msg Message) int {
	msg.SessionID = sessionID
	msg = b.Stamp(msg)

	var (
		delivered int
		full      []string
	)

	b.mu.RLock()
	for id, sub := range b.sessions[sessionID] {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			full = append(full, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range full {
		observability.LogSubscriberDropped(b.cfg.Logger, sessionID, id, ReasonBufferFull)
		b.remove(sessionID, id, ReasonBufferFull)
	}
	b.cfg.Metrics.RecordDelivery(context.Background(), delivered, len(full))
	return delivered
}

// CloseSession ends every subscription of a session.
func (b *Broadcaster) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.sessions[sessionID] {
		b.closeLocked(sub, ReasonSessionClosed)
		delete(b.sessions[sessionID], id)
	}
	delete(b.sessions, sessionID)
}

// Subscribers returns the subscriber IDs of a session, sorted.
func (b *Broadcaster) Subscribers(sessionID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.sessions[sessionID]))
	for id := range b.sessions[sessionID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SessionCount returns the number of sessions with live subscribers.
func (b *Broadcaster) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Close ends all subscriptions and waits for SubscribeFunc handlers to
// return. Closing twice is a no-op.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for sessionID, subs := range b.sessions {
		for _, sub := range subs {
			b.closeLocked(sub, ReasonShutdown)
		}
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()

	b.handlers.Wait()
	return nil
}

func (b *Broadcaster) remove(sessionID, subscriberID, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	sub, ok := subs[subscriberID]
	if !ok {
		return
	}
	b.closeLocked(sub, reason)
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(b.sessions, sessionID)
	}
}

// closeLocked ends a subscription. Caller holds mu for writing.
func (b *Broadcaster) closeLocked(sub *Subscription, reason string) {
	sub.reason = reason
	close(sub.ch)
}
