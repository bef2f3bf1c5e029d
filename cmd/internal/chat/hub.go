package chat

import (
	"log/slog"
	"sync"
)

// Hub owns in-memory channels and provides stable channel handles.
// It is intentionally minimal: persistence lives behind Store, the shared
// member registry behind PresenceStore.
type Hub struct {
	log *slog.Logger

	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:      log,
		channels: make(map[string]*Channel),
	}
}

// GetOrCreateChannel returns a stable in-memory channel handle for a conversation.
func (h *Hub) GetOrCreateChannel(conversationID string) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.channels[conversationID]; ok {
		return c
	}

	c := NewChannel(h.log, conversationID)
	h.channels[conversationID] = c
	return c
}

// Lookup returns the channel for a conversation if any session is attached
// to it on this node.
func (h *Hub) Lookup(conversationID string) *Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channels[conversationID]
}
