package loader

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ziadkadry99/bundlevault/internal/handles"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is the outgoing WebSocket message format.
type wsMessage struct {
	Type   string        `json:"type"` // "progress", "result" or "error"
	Event  *Event        `json:"event,omitempty"`
	Result *loadResponse `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
	Status int           `json:"status,omitempty"`
}

// keepIfDelivered adds c to sessions and keeps it only if deliver, which
// hands the session id to the client, succeeds.
func keepIfDelivered(sessions *Sessions, c *handles.Cache, deliver func() error) error {
	sessions.Add(c)
	if err := deliver(); err != nil {
		sessions.Release(c.ID())
		return err
	}
	return nil
}

// handleLoadWS upgrades the connection, streams loader events while the
// version loads and finishes with a single result or error message.
func handleLoadWS(l *Loader, sessions *Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version := chi.URLParam(r, "version")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.log.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		// The observer runs on rewrite goroutines; gorilla allows one writer.
		var mu sync.Mutex
		send := func(msg wsMessage) error {
			mu.Lock()
			defer mu.Unlock()
			err := conn.WriteJSON(msg)
			if err != nil {
				l.log.Debug("websocket write failed", "error", err)
			}
			return err
		}

		res, err := l.LoadWithObserver(r.Context(), version, func(ev Event) {
			send(wsMessage{Type: "progress", Event: &ev})
		})
		if err != nil {
			send(wsMessage{Type: "error", Error: err.Error(), Status: StatusFor(err)})
		} else {
			resp := newLoadResponse(res)
			err := keepIfDelivered(sessions, res.Session, func() error {
				return send(wsMessage{Type: "result", Result: &resp})
			})
			if err != nil {
				l.log.Info("released undelivered session", "session", res.Session.ID(), "version", version)
				return
			}
		}

		mu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		mu.Unlock()
	}
}
