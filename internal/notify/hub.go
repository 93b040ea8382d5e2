package notify

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleetradar/internal/domain"
)

const writeTimeout = 5 * time.Second

// Hub broadcasts update frames to connected websocket subscribers. Slow or
// broken subscribers are dropped, never waited on.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	// writeMu serializes broadcasts; gorilla connections allow only one
	// concurrent writer.
	writeMu sync.Mutex
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and keeps the connection registered until
// the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "event", "ws.upgrade.error", "error", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Info("subscriber connected", "event", "ws.connected", "subscribers", count)

	go h.readLoop(conn)
}

func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.drop(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	count := len(h.clients)
	h.mu.Unlock()
	conn.Close()
	h.log.Info("subscriber disconnected", "event", "ws.disconnected", "subscribers", count)
}

type frame struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Hub) broadcast(event string, data any) {
	msg := frame{Event: event, Data: data, Timestamp: time.Now().UTC()}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.WriteJSON(msg); err != nil {
			h.log.Warn("subscriber write failed", "event", "ws.write.error", "error", err)
			h.drop(c)
		}
	}
}

func (h *Hub) ProcessUpdated(p domain.Process) {
	h.broadcast(EventProcessUpdate, p)
}

func (h *Hub) AlertRaised(a Alert) {
	h.broadcast(EventAlert, a)
}

func (h *Hub) PredictionGenerated(e PredictionEvent) {
	h.broadcast(EventInsight, e)
}
