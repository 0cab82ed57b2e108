package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/faultline/faultline/internal/notify"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards connect from arbitrary origins; access control is out of
	// band of the socket.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewStreamHandler returns the handler for
// GET /api/v1/projects/{projectID}/stream. It upgrades to a websocket and
// forwards the project's notifications as JSON messages, interleaved with
// heartbeats so idle connections stay verifiably alive.
func NewStreamHandler(registry *notify.Registry, heartbeat time.Duration) http.HandlerFunc {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := requireProject(w, r)
		if !ok {
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the error response.
			return
		}

		sub := registry.Subscribe(projectID)
		defer sub.Close()
		defer conn.Close()

		// Reader loop: we never expect client messages, but reading is what
		// surfaces close frames and dead peers.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case n, open := <-sub.C():
				if !open {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(n); err != nil {
					slog.Debug("stream write failed, dropping subscriber",
						"project_id", projectID, "error", err)
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(notify.Notification{
					Type:      notify.TypeHeartbeat,
					ProjectID: projectID,
					Timestamp: time.Now().UTC(),
				}); err != nil {
					return
				}
			case <-done:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}
