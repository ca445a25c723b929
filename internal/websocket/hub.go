package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Event is a real-time notification pushed to connected portal pages and
// the admin dashboard: session transitions, bottle confirmations, and
// periodic metric snapshots.
type Event struct {
	Type      string `json:"type"`
	SessionID int64  `json:"session_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// SessionEvent builds an Event for a session transition.
func SessionEvent(action string, sessionID int64, payload any) Event {
	return Event{Type: "session_" + action, SessionID: sessionID, Payload: payload}
}

// Hub maintains the set of active WebSocket clients and broadcasts events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends an event to all connected clients.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow client, drop the event. Pages resync from the
			// session endpoint.
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
