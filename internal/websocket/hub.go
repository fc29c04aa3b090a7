package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Message is a delivery activity event streamed to connected ops clients.
type Message struct {
	Type     string         `json:"type"`
	UserID   int64          `json:"user_id,omitempty"`
	Endpoint string         `json:"endpoint,omitempty"`
	Tag      string         `json:"tag,omitempty"`
	RunID    string         `json:"run_id,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// DeliveryMessage builds an event for a single subscription outcome,
// kind is "sent" or "evicted".
func DeliveryMessage(kind string, userID int64, endpoint, tag string) Message {
	return Message{
		Type:     "delivery_" + kind,
		UserID:   userID,
		Endpoint: endpoint,
		Tag:      tag,
	}
}

// RunMessage builds an event summarizing a completed notification run.
func RunMessage(runID string, sent, failed int) Message {
	return Message{
		Type:  "run_completed",
		RunID: runID,
		Extra: map[string]any{"sent": sent, "failed": failed},
	}
}

// Hub maintains the set of active WebSocket clients and broadcasts messages.
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

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
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
			// Client buffer full, drop rather than block delivery
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
