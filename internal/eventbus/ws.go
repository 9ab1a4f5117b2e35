package eventbus

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongWait     = 60 * time.Second
	wsSendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsEnvelope is the wire shape sent to websocket clients.
type wsEnvelope struct {
	Type string `json:"type"`
	Data Event  `json:"data"`
}

// Hub streams bus events over websocket connections. Each connection gets
// its own subscription, so a slow tracking screen only loses its own events.
type Hub struct {
	bus *Bus
	log *slog.Logger
}

func NewHub(bus *Bus, log *slog.Logger) *Hub {
	return &Hub{bus: bus, log: log}
}

// Serve upgrades the request and streams every event matching filter until
// the client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, filter Filter) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	sub := h.bus.Subscribe(filter, wsSendBuffer)

	go h.writePump(conn, sub)
	go h.readPump(conn, sub)
}

func (h *Hub) writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
	}()

	for {
		select {
		case e, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(wsEnvelope{Type: e.Kind(), Data: e}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains inbound frames so pong handling works and the connection
// close is noticed promptly. The stream is outbound-only; client actions go
// through the REST API.
func (h *Hub) readPump(conn *websocket.Conn, sub *Subscription) {
	defer sub.Close()
	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
