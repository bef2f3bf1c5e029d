package chat

import (
	"log/slog"
	"sync"

	v1 "fitlink/shared/contracts/chat/v1"
)

// Channel is the node-local fanout primitive for one conversation.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Channel struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewChannel constructs a channel for one conversation.
func NewChannel(log *slog.Logger, id string) *Channel {
	return &Channel{
		log:     log,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Join adds a client session to membership.
func (c *Channel) Join(client *Client) {
	if c == nil || client == nil || client.SessionID == "" {
		return
	}

	c.mu.Lock()
	c.members[client.SessionID] = client
	c.mu.Unlock()

	c.log.Info("channel.member.join", "conversation_id", c.ID, "session_id", client.SessionID, "user_id", client.UserID)
}

// Leave removes a client session from membership and signals its shutdown.
func (c *Channel) Leave(sessionID string) {
	if c == nil || sessionID == "" {
		return
	}

	var cl *Client

	c.mu.Lock()
	cl = c.members[sessionID]
	delete(c.members, sessionID)
	c.mu.Unlock()

	// Signal client shutdown after removing from membership.
	// This ordering avoids race windows where a broadcaster still holds a pointer
	// while the client goroutines are being torn down.
	if cl != nil {
		cl.Close()
	}

	c.log.Info("channel.member.leave", "conversation_id", c.ID, "session_id", sessionID)
}

// Size returns the number of attached sessions.
func (c *Channel) Size() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// Broadcast fanouts an envelope to all members.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (c *Channel) Broadcast(env v1.Envelope) {
	c.BroadcastExcept(env, "")
}

// BroadcastExcept fanouts an envelope to all members except the session that
// originated it (the originator already has the data).
func (c *Channel) BroadcastExcept(env v1.Envelope, exceptSessionID string) {
	if c == nil {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	dropped := 0
	for sid, m := range c.members {
		if sid == exceptSessionID {
			continue
		}
		// Drop rather than block the whole channel: slow consumers recover
		// through gap-fill on their next attach.
		if !m.TrySend(env) {
			dropped++
		}
	}
	if dropped > 0 {
		c.log.Debug("channel.broadcast.dropped", "conversation_id", c.ID, "type", env.Type, "dropped", dropped)
	}
}
