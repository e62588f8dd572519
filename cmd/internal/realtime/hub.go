package realtime

import (
	"log/slog"
	"sync"
)

// Hub owns per-user channels. Empty channels are dropped.
type Hub struct {
	log *slog.Logger

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		log:      log,
		channels: make(map[string]*Channel),
	}
}

// Subscribe joins client to the channel of client.UserID.
func (h *Hub) Subscribe(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[client.UserID]
	if !ok {
		ch = NewChannel(h.log, client.UserID)
		h.channels[client.UserID] = ch
	}
	ch.Join(client)
}

// Unsubscribe removes client and drops its channel once empty.
func (h *Hub) Unsubscribe(client *Client) {
	if client == nil || client.UserID == "" {
		client.Close()
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[client.UserID]
	if !ok {
		client.Close()
		return
	}
	if ch.Leave(client.ConnID) == 0 {
		delete(h.channels, client.UserID)
	}
}

// Publish sends env to every connection of userID and returns the delivery count.
func (h *Hub) Publish(userID string, env Envelope) int {
	h.mu.Lock()
	ch := h.channels[userID]
	h.mu.Unlock()

	return ch.Broadcast(env)
}

// Connections returns the number of live connections of userID.
func (h *Hub) Connections(userID string) int {
	h.mu.Lock()
	ch := h.channels[userID]
	h.mu.Unlock()

	if ch == nil {
		return 0
	}
	return ch.Len()
}
