// Package api implements the REST/WS facade spec §6 describes — grounded on
// the teacher pack's gin+gorilla/websocket servers (internal/api/server and
// the semstreams websocket output's clients-map broadcaster).
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Envelope is the JSON frame every WS console message carries, matching the
// MQTT topic it mirrors — spec §6's "WS/console forwards the same events
// published to MQTT".
type Envelope struct {
	Topic     string `json:"topic"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// Hub fans decoded events out to every connected WS console client —
// implements alerts.Broadcaster.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan Envelope
}

// NewHub constructs an empty Hub. Origin checking is disabled (AllowAllOrigins
// matches the REST API's own CORS policy) since the console is served from
// the same process behind the reverse proxy operators put in front of it.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: map[*websocket.Conn]chan Envelope{},
	}
}

// Broadcast implements alerts.Broadcaster — pushes topic/payload to every
// connected client's send queue, dropping the message for any client whose
// queue is full rather than blocking the publisher.
func (h *Hub) Broadcast(topic string, payload any) {
	env := Envelope{Topic: topic, Payload: payload, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, ch := range h.clients {
		select {
		case ch <- env:
		default:
			log.Printf("⚠️  ws hub: client %s send queue full, dropping message", conn.RemoteAddr())
		}
	}
}

// ServeWS upgrades the request to a WebSocket connection and pumps queued
// envelopes to it until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("⚠️  ws hub: upgrade: %v", err)
		return
	}

	send := make(chan Envelope, 32)
	h.mu.Lock()
	h.clients[conn] = send
	h.mu.Unlock()
	log.Printf("🔌 ws hub: client connected (%s), %d total", conn.RemoteAddr(), len(h.clients))

	go h.readPump(conn)
	h.writePump(conn, send)
}

// readPump discards client frames but detects disconnects via read errors —
// gorilla/websocket requires the read loop to run for ping/pong/close
// handling even when the server never expects client messages.
func (h *Hub) readPump(conn *websocket.Conn) {
	defer h.remove(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, send chan Envelope) {
	defer h.remove(conn)
	defer conn.Close()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case env, ok := <-send:
			if !ok {
				return
			}
			b, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
		log.Printf("🔌 ws hub: client disconnected (%s), %d remaining", conn.RemoteAddr(), len(h.clients))
	}
}
