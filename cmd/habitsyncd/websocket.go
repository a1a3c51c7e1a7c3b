// Package main provides the WebSocket server for real-time sync state events.
package main

import (
	"encoding/json"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkarlsson/habitsync/internal/logging"
	syncpkg "github.com/dkarlsson/habitsync/internal/sync"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Only allow connections from localhost
		return r.Host == "localhost" || r.Host == "localhost:8090" || r.Host == "127.0.0.1:8090"
	},
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub maintains active client connections and broadcasts sync state
// transitions plus the per-second rate-limit countdown.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         stdsync.RWMutex

	engine        *syncpkg.Engine
	countdownOnce stdsync.Mutex
	countingDown  bool
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// =====================================================
// WebSocket Event Types
// =====================================================

const (
	EventSyncState     = "sync.state"
	EventSyncCountdown = "sync.ratelimit_countdown"
)

// NewWSHub creates a hub wired to the engine's state transitions.
func NewWSHub(engine *syncpkg.Engine) *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		engine:     engine,
	}
	engine.OnStateChange(hub.BroadcastState)
	go hub.run()
	return hub
}

// run manages client connections and broadcasts.
func (h *WSHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client connected",
				map[string]interface{}{"client_id": client.id, "total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected",
				map[string]interface{}{"client_id": client.id, "total": total})

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client send buffer is full, close connection
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(messageType string, data map[string]interface{}) {
	envelope := WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("Failed to marshal WebSocket message", err)
		return
	}

	h.broadcast <- bytes
}

// BroadcastState publishes a sync state transition to all clients. Entering
// the rate-limited state additionally starts a one-per-second countdown
// stream so UIs can show a live timer without polling.
func (h *WSHub) BroadcastState(state syncpkg.State) {
	data := map[string]interface{}{
		"state": string(state.Kind),
	}
	switch state.Kind {
	case syncpkg.StateSyncing:
		data["current"] = state.Current
		data["total"] = state.Total
	case syncpkg.StateRateLimited:
		data["retry_after_seconds"] = int(state.RetryAfter.Seconds())
		data["pending_count"] = state.PendingCount
	case syncpkg.StateError:
		data["message"] = state.Message
		data["escalated"] = state.Escalated
	}

	h.Broadcast(EventSyncState, data)

	if state.Kind == syncpkg.StateRateLimited {
		h.startCountdown()
	}
}

// startCountdown streams the remaining rate-limit window once per second
// until it expires. A single stream runs regardless of how many windows
// were opened while it was active.
func (h *WSHub) startCountdown() {
	h.countdownOnce.Lock()
	if h.countingDown {
		h.countdownOnce.Unlock()
		return
	}
	h.countingDown = true
	h.countdownOnce.Unlock()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		defer func() {
			h.countdownOnce.Lock()
			h.countingDown = false
			h.countdownOnce.Unlock()
		}()

		for range ticker.C {
			remaining := h.engine.RateLimitRemaining()
			h.Broadcast(EventSyncCountdown, map[string]interface{}{
				"remaining_seconds": int(remaining.Seconds()),
			})
			if remaining <= 0 {
				return
			}
		}
	}()
}

// readPump pumps messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("WebSocket read error",
					map[string]interface{}{"error": err.Error()})
			}
			break
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if action, ok := msg["action"].(string); ok && action == "ping" {
			c.sendPong()
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendPong sends a pong response.
func (c *WSClient) sendPong() {
	envelope := map[string]interface{}{
		"action":    "pong",
		"timestamp": time.Now().Unix(),
	}

	bytes, _ := json.Marshal(envelope)
	c.send <- bytes
}

// HandleWebSocket handles WebSocket connection upgrades. Each new client
// immediately receives the current state so it never starts blank.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("Failed to upgrade WebSocket connection",
				map[string]interface{}{"error": err.Error()})
			return
		}

		clientID := time.Now().Format("20060102150405") + "-" + r.RemoteAddr

		client := &WSClient{
			id:   clientID,
			conn: conn,
			send: make(chan []byte, 256),
			hub:  hub,
		}

		hub.register <- client

		go client.writePump()
		go client.readPump()

		hub.BroadcastState(hub.engine.State())
	}
}
