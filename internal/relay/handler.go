package relay

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

// upgrader upgrades HTTP connections to WebSocket
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow connections from any origin (CORS handled by middleware)
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler serves the relay endpoint: WebSocket upgrades start a
// session, while plain HTTP requests get a fixed 200 body so
// infrastructure probes succeed without speaking the protocol.
type Handler struct {
	hub *Hub
}

// NewHandler creates a relay handler bound to the hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP handles the shared endpoint on the relay port.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("parley chat relay OK\n"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Relay] Upgrade failed: %v", err)
		return
	}
	log.Printf("[Relay] New connection from %s", r.RemoteAddr)

	go newSession(h.hub, conn, r.RemoteAddr).run()
}
