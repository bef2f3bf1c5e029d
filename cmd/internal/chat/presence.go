package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// PresenceStore is the ephemeral per-conversation member registry.
//
// Entries expire after presenceTTL unless refreshed, so a crashed gateway node
// cannot strand ghost members. Nothing here is persisted; presence is derived
// state and is rebuilt from enter/refresh traffic.
type PresenceStore interface {
	// Enter registers (or refreshes) userID as present in conversationID.
	Enter(ctx context.Context, conversationID, userID string, now time.Time) error
	// Leave removes userID from the registry. A user with another live
	// session re-enters on the next heartbeat refresh.
	Leave(ctx context.Context, conversationID, userID string) error
	// Members returns the ids of currently present users, sorted.
	Members(ctx context.Context, conversationID string, now time.Time) ([]string, error)
}

// InMemoryPresence is a single-node PresenceStore used when Redis is not
// configured.
type InMemoryPresence struct {
	mu    sync.Mutex
	seen  map[string]map[string]time.Time // conversation -> user -> last refresh
	ttl   time.Duration
}

// NewInMemoryPresence constructs an in-memory presence registry.
func NewInMemoryPresence() *InMemoryPresence {
	return &InMemoryPresence{
		seen: make(map[string]map[string]time.Time),
		ttl:  presenceTTL,
	}
}

// Enter registers or refreshes a member.
func (p *InMemoryPresence) Enter(ctx context.Context, conversationID, userID string, now time.Time) error {
	if conversationID == "" || userID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	m := p.seen[conversationID]
	if m == nil {
		m = make(map[string]time.Time)
		p.seen[conversationID] = m
	}
	m[userID] = now
	return nil
}

// Leave removes a member.
func (p *InMemoryPresence) Leave(ctx context.Context, conversationID, userID string) error {
	if conversationID == "" || userID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if m := p.seen[conversationID]; m != nil {
		delete(m, userID)
		if len(m) == 0 {
			delete(p.seen, conversationID)
		}
	}
	return nil
}

// Members returns live members, pruning expired entries.
func (p *InMemoryPresence) Members(ctx context.Context, conversationID string, now time.Time) ([]string, error) {
	if conversationID == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	m := p.seen[conversationID]
	if len(m) == 0 {
		return nil, nil
	}

	cut := now.Add(-p.ttl)
	out := make([]string, 0, len(m))
	for user, last := range m {
		if last.Before(cut) {
			delete(m, user)
			continue
		}
		out = append(out, user)
	}
	sort.Strings(out)
	return out, nil
}
