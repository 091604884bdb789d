package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The reviewer UI is served from a different origin in deployment; the
	// bearer token on the upgrade request is the actual gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleValidationFeed streams validation lifecycle events (created and
// resolved requests) to reviewer UIs.
func (h *Handler) handleValidationFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events := h.humanLoop.Subscribe()
	defer h.humanLoop.Unsubscribe(events)

	// Send the current queue first so a reconnecting UI starts complete.
	if err := conn.WriteJSON(map[string]interface{}{
		"type":    "snapshot",
		"pending": h.humanLoop.Pending(),
	}); err != nil {
		return
	}

	// Reader goroutine: we ignore client messages but need to observe close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case req := <-events:
			if err := conn.WriteJSON(map[string]interface{}{
				"type":    "validation",
				"request": req,
			}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
