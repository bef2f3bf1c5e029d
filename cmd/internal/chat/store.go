package chat

import (
	"context"
	"time"
)

// Conversation is a durable two-party channel.
// Participants are stored in canonical order (lexicographically smaller first)
// so get-or-create is idempotent regardless of which side initiates.
type Conversation struct {
	ID             string
	ParticipantA   string
	ParticipantB   string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Involves reports whether userID is one of the two participants.
func (c Conversation) Involves(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Message is the persisted message row. The relational store is the single
// source of truth; realtime delivery is notify-only.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	AttachmentURL  string
	CreatedAt      time.Time
	UpdatedAt      *time.Time
	ReadAt         *time.Time
}

// LatestTimestamp returns the greater of created/updated time. Clients use it
// to advance their gap-fill watermark past receipt mutations too.
func (m Message) LatestTimestamp() time.Time {
	if m.UpdatedAt != nil && m.UpdatedAt.After(m.CreatedAt) {
		return *m.UpdatedAt
	}
	return m.CreatedAt
}

// InsertMessageInput describes a durable message write.
type InsertMessageInput struct {
	ConversationID string
	SenderID       string
	Text           string
	AttachmentURL  string
	Now            time.Time
}

// Store persists and queries conversations and messages.
//
// Requirements:
//   - GetOrCreateConversation is idempotent per participant pair
//   - InsertMessage assigns a globally unique server-side message id and
//     bumps the conversation's last-activity timestamp
//   - ListMessages is ordered by created_at ASC
//   - ListMessagesSince returns rows whose created_at OR updated_at is
//     strictly greater than since, ordered by created_at ASC
type Store interface {
	GetOrCreateConversation(ctx context.Context, userA, userB string, now time.Time) (Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)

	InsertMessage(ctx context.Context, in InsertMessageInput) (Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	ListMessagesSince(ctx context.Context, conversationID string, since time.Time, limit int) ([]Message, error)

	// MarkRead stamps read_at/updated_at on the peer's unread messages and
	// returns the number of rows touched.
	MarkRead(ctx context.Context, conversationID, readerID string, now time.Time) (int64, error)

	Close() error
}

// canonicalPair orders two participant ids deterministically.
func canonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
