package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"fitlink/cmd/internal/ids"
)

const memMaxMessagesPerConversation = 10_000

// InMemoryStore is a dev/test fallback when DB is not configured.
// It implements the same idempotency and ordering contract as PostgresStore.
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConv
	pairs map[[2]string]string // canonical pair -> conversation id
}

type memConv struct {
	conv Conversation
	msgs []Message // ordered by created_at
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]*memConv),
		pairs: make(map[[2]string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// GetOrCreateConversation returns the existing conversation for the pair or
// creates one. Idempotent regardless of argument order.
func (s *InMemoryStore) GetOrCreateConversation(ctx context.Context, userA, userB string, now time.Time) (Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return Conversation{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	a, b := canonicalPair(userA, userB)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.pairs[[2]string{a, b}]; ok {
		return s.convs[id].conv, nil
	}

	conv := Conversation{
		ID:             ids.MustULID(now),
		ParticipantA:   a,
		ParticipantB:   b,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	s.pairs[[2]string{a, b}] = conv.ID
	s.convs[conv.ID] = &memConv{conv: conv, msgs: make([]Message, 0, 64)}
	return conv, nil
}

// GetConversation returns a conversation by id.
func (s *InMemoryStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return c.conv, nil
}

// IsParticipant reports whether userID belongs to conversationID.
func (s *InMemoryStore) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		if err == ErrConversationNotFound {
			return false, nil
		}
		return false, err
	}
	return conv.Involves(userID), nil
}

// InsertMessage appends a message with a server-assigned id and bumps the
// conversation's last-activity timestamp.
func (s *InMemoryStore) InsertMessage(ctx context.Context, in InsertMessageInput) (Message, error) {
	if in.ConversationID == "" || in.SenderID == "" || in.Text == "" {
		return Message{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return Message{}, ErrConversationNotFound
	}
	if !c.conv.Involves(in.SenderID) {
		return Message{}, ErrNotParticipant
	}

	msg := Message{
		ID:             ids.MustULID(now),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Text:           in.Text,
		AttachmentURL:  in.AttachmentURL,
		CreatedAt:      now,
	}
	c.msgs = append(c.msgs, msg)
	c.conv.LastActivityAt = now

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	return msg, nil
}

// ListMessages returns messages ordered by created_at ASC.
func (s *InMemoryStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	return s.list(ctx, conversationID, limit, func(Message) bool { return true })
}

// ListMessagesSince returns messages whose created_at OR updated_at is
// strictly greater than since, ordered by created_at ASC.
func (s *InMemoryStore) ListMessagesSince(ctx context.Context, conversationID string, since time.Time, limit int) ([]Message, error) {
	return s.list(ctx, conversationID, limit, func(m Message) bool {
		if m.CreatedAt.After(since) {
			return true
		}
		return m.UpdatedAt != nil && m.UpdatedAt.After(since)
	})
}

func (s *InMemoryStore) list(ctx context.Context, conversationID string, limit int, keep func(Message) bool) ([]Message, error) {
	if conversationID == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	s.mu.Lock()
	c := s.convs[conversationID]
	var snap []Message
	if c != nil {
		snap = append([]Message(nil), c.msgs...)
	}
	s.mu.Unlock()

	if c == nil {
		return nil, ErrConversationNotFound
	}

	// Ensure ordering defensively.
	sort.Slice(snap, func(i, j int) bool { return snap[i].CreatedAt.Before(snap[j].CreatedAt) })

	out := make([]Message, 0, limit)
	for _, m := range snap {
		if !keep(m) {
			continue
		}
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkRead stamps read_at/updated_at on the peer's unread messages.
func (s *InMemoryStore) MarkRead(ctx context.Context, conversationID, readerID string, now time.Time) (int64, error) {
	if conversationID == "" || readerID == "" {
		return 0, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return 0, ErrConversationNotFound
	}
	if !c.conv.Involves(readerID) {
		return 0, ErrNotParticipant
	}

	var n int64
	for i := range c.msgs {
		m := &c.msgs[i]
		if m.SenderID == readerID || m.ReadAt != nil {
			continue
		}
		ts := now
		m.ReadAt = &ts
		m.UpdatedAt = &ts
		n++
	}
	return n, nil
}
