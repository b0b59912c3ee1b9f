package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"

	"github.com/streamdock/streamdock/internal/metrics"
)

// WebSocket close code for the event stream.
const wsCloseSessionNotFound = 4004

// WSEventsHandler returns an http.Handler that streams a session's
// events over WebSocket.
//
// Protocol:
//  1. Client opens a WebSocket on /ws/sessions/{id} with subprotocol
//     "streamdock.events.v1". The optional after_seq query parameter
//     resumes from a known position.
//  2. Server replays persisted events with seq > after_seq, then
//     streams live events, each as a JSON-encoded text frame.
//  3. Server closes with 1000 when the session ends.
func WSEventsHandler(svc *Service, shutdownCh <-chan struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reject new WebSocket connections during shutdown.
		if shutdownCh != nil {
			select {
			case <-shutdownCh:
				http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
				return
			default:
			}
		}

		sessionID := r.PathValue("id")
		var afterSeq int64
		if raw := r.URL.Query().Get("after_seq"); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n < 0 {
				http.Error(w, "invalid after_seq", http.StatusBadRequest)
				return
			}
			afterSeq = n
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"streamdock.events.v1"},
		})
		if err != nil {
			slog.Debug("ws/events: accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()

		metrics.WSConnectionsActive.Inc()
		defer metrics.WSConnectionsActive.Dec()

		ctx := r.Context()

		// Subscribe before replaying so no event falls between the
		// replay query and the live feed. Duplicates across the
		// boundary are filtered by seq.
		sub, err := svc.Subscribe(sessionID)
		if err != nil {
			// Session exists but is no longer running: replay history
			// then close normally.
			if events, evErr := svc.Events(ctx, sessionID, afterSeq, 0); evErr == nil {
				for _, e := range events {
					if writeErr := writeEvent(ctx, conn, e); writeErr != nil {
						return
					}
				}
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			_ = conn.Close(websocket.StatusCode(wsCloseSessionNotFound), "session not found")
			return
		}
		defer sub.Cancel()

		lastSeq := afterSeq
		events, err := svc.Events(ctx, sessionID, afterSeq, 0)
		if err != nil {
			slog.Debug("ws/events: replay failed", "session_id", sessionID, "error", err)
			_ = conn.Close(websocket.StatusInternalError, "replay failed")
			return
		}
		for _, e := range events {
			if err := writeEvent(ctx, conn, e); err != nil {
				return
			}
			lastSeq = e.Seq
		}

		// Drain client frames so pings and close frames are handled.
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case e, ok := <-sub.Events():
				if !ok {
					// Session ended.
					_ = conn.Close(websocket.StatusNormalClosure, "")
					return
				}
				if e.Seq <= lastSeq {
					continue
				}
				if err := writeEvent(ctx, conn, e); err != nil {
					slog.Debug("ws/events: write failed", "session_id", sessionID, "error", err)
					return
				}
				lastSeq = e.Seq
			case <-readDone:
				return
			case <-ctx.Done():
				return
			}
		}
	})
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	metrics.WSMessagesTotal.Inc()
	return nil
}
