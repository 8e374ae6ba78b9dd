package stream

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const wsWriteWait = 10 * time.Second

// ServeWebSocket streams a session over an upgraded connection as JSON
// text frames, then closes conn. Client frames are read and discarded; a
// client close ends the stream.
func (st *Streamer) ServeWebSocket(ctx context.Context, conn *websocket.Conn, sessionID string, heartbeat bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return nil
			}
		}
	})

	err := st.Stream(ctx, sessionID, heartbeat, func(msg Message) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(msg)
	})
	if errors.Is(err, ErrSessionNotFound) {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = conn.WriteJSON(st.b.Stamp(ErrorMessage(sessionID, "not_found", "session not found")))
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
	_ = conn.Close()
	_ = g.Wait()
	return err
}
