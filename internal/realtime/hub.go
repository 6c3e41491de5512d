package realtime

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Message is a payload addressed to one tenant's subscribers. An empty
// TenantID reaches everyone.
type Message struct {
	TenantID string
	Data     []byte
}

type subscriber struct {
	conn     *websocket.Conn
	tenantID string
}

// Hub manages WebSocket clients and broadcasts order updates to them.
type Hub struct {
	connections map[*websocket.Conn]string
	register    chan subscriber
	unregister  chan *websocket.Conn
	broadcast   chan Message
	upgrader    websocket.Upgrader
	logf        func(format string, args ...any)
	mu          sync.Mutex
}

// NewHub constructs a Hub.
func NewHub(logf func(format string, args ...any)) *Hub {
	if logf == nil {
		logf = log.Printf
	}
	return &Hub{
		connections: make(map[*websocket.Conn]string),
		register:    make(chan subscriber),
		unregister:  make(chan *websocket.Conn),
		broadcast:   make(chan Message, 64),
		upgrader:    websocket.Upgrader{},
		logf:        logf,
	}
}

// Run processes register/unregister/broadcast events until ctx ends, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.connections {
				conn.Close()
				delete(h.connections, conn)
			}
			h.mu.Unlock()
			return
		case sub := <-h.register:
			h.mu.Lock()
			h.connections[sub.conn] = sub.tenantID
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, tenantID := range h.connections {
				if msg.TenantID != "" && msg.TenantID != tenantID {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues data for the tenant's subscribers.
func (h *Hub) Broadcast(ctx context.Context, tenantID string, data []byte) error {
	select {
	case h.broadcast <- Message{TenantID: tenantID, Data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// ServeHTTP upgrades the request and subscribes the connection to the tenant
// named by the X-Tenant-ID header or the tenant query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	if tenantID == "" {
		tenantID = strings.TrimSpace(r.URL.Query().Get("tenant"))
	}
	if tenantID == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logf("websocket upgrade: %v", err)
		return
	}
	select {
	case h.register <- subscriber{conn: conn, tenantID: tenantID}:
	case <-r.Context().Done():
		conn.Close()
		return
	}

	// Drain reads so close frames are noticed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister <- conn
				return
			}
		}
	}()
}
