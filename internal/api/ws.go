package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// streamPollInterval is how often the stream drains the session buffer. The
// watch registry buffers events between drains, so a slow consumer receives
// them in bursts; the buffer is bounded and drops its oldest events when full.
const streamPollInterval = 100 * time.Millisecond

// handleWatchStream upgrades GET /api/v1/watch/{session}/stream to a
// WebSocket that pushes buffered events as JSON, draining the buffer as it
// goes. The stream ends when the client disconnects or the session stops.
func (s *Server) handleWatchStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/watch/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "stream" || parts[0] == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	sessionID := parts[0]

	registry := s.gw.Watch()
	if _, err := registry.GetEvents(sessionID); err != nil {
		s.respondError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := r.Context()
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := registry.GetEvents(sessionID)
			if err != nil {
				// Session stopped underneath us; end the stream cleanly.
				conn.Close(websocket.StatusNormalClosure, "session stopped")
				return
			}
			if len(events) == 0 {
				continue
			}
			if err := registry.ClearEvents(sessionID); err != nil {
				return
			}
			for _, ev := range events {
				if err := wsjson.Write(ctx, conn, ev); err != nil {
					return
				}
			}
		}
	}
}
