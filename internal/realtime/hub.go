// Package realtime fans completed-order events out to connected dashboard
// clients over WebSockets. Delivery is best-effort: a slow or broken client
// is dropped, and events published with no hub running are discarded.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"tradeflow/internal/orders"
)

// Hub manages WebSocket clients and broadcasts order events to them.
type Hub struct {
	upgrader websocket.Upgrader
	logf     func(string, ...any)

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte

	mu          sync.Mutex
	connections map[*websocket.Conn]struct{}
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithHubLogf overrides the hub's log function.
func WithHubLogf(logf func(string, ...any)) HubOption {
	return func(h *Hub) { h.logf = logf }
}

// NewHub constructs a Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		logf:        log.Printf,
		register:    make(chan *websocket.Conn),
		unregister:  make(chan *websocket.Conn),
		broadcast:   make(chan []byte, 64),
		connections: make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run processes register/unregister/broadcast events until ctx is cancelled,
// then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			conn.Close()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish broadcasts a completed-order event to every connected client.
// When no hub goroutine is draining the channel the event is dropped.
func (h *Hub) Publish(event orders.OrderCompleted) {
	msg, err := json.Marshal(event)
	if err != nil {
		h.logf("realtime: encode event for order %s: %v", event.OrderID, err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logf("realtime: dropping event for order %s: hub backlogged", event.OrderID)
	}
}

// ServeWS upgrades the request and keeps the connection registered until the
// client goes away. Client frames are read and discarded; the stream is
// one-way.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logf("realtime: upgrade: %v", err)
		return
	}
	h.register <- conn

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister <- conn
				return
			}
		}
	}()
}

// ClientCount reports how many clients are connected (for inspection).
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.connections {
		conn.Close()
	}
	h.connections = make(map[*websocket.Conn]struct{})
}
