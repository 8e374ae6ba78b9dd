package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ServeSSE streams a session as Server-Sent Events. Response headers are
// written with the first message, so ErrSessionNotFound leaves w untouched
// for the caller to answer 404.
func (st *Streamer) ServeSSE(ctx context.Context, w http.ResponseWriter, sessionID string, heartbeat bool) error {
	flusher, _ := w.(http.Flusher)
	started := false

	return st.Stream(ctx, sessionID, heartbeat, func(msg Message) error {
		if !started {
			h := w.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			h.Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := writeSSE(w, msg); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
}

// writeSSE writes one frame: id, event, and a single-line JSON data field.
func writeSSE(w http.ResponseWriter, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", msg.ID, msg.Type, data)
	return err
}
