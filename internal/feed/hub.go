package feed

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/provadorai/provador/internal/metrics"
	"github.com/provadorai/provador/internal/model"
)

// Hub fans change events out to the subscribers of each store.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to its store's subscriber set.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.storeID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.storeID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	metrics.FeedSubscribers.Inc()
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	removed := false
	if set, ok := h.clients[c.storeID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
			removed = true
		}
		if len(set) == 0 {
			delete(h.clients, c.storeID)
		}
	}
	h.mu.Unlock()
	if removed {
		metrics.FeedSubscribers.Dec()
	}
}

// Publish sends the event to every subscriber of event.StoreID.
//
// A subscriber whose buffer is full is disconnected instead of silently
// skipped: it will resubscribe and refetch, which is how it catches up.
func (h *Hub) Publish(event model.ChangeEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal change event", "store_id", event.StoreID, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[event.StoreID] {
		select {
		case c.send <- data:
		default:
			metrics.FeedDropped.Inc()
			h.logger.Warn("subscriber too slow, disconnecting", "store_id", event.StoreID)
			c.kick()
		}
	}
}

// ClientCount returns the number of subscribers for storeID.
func (h *Hub) ClientCount(storeID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[storeID])
}
