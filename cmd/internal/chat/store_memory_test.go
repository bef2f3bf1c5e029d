package chat

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGetOrCreateConversation_Idempotent(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first, err := s.GetOrCreateConversation(ctx, "trainer-7", "client-3", now)
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	// Same pair, reversed argument order, later clock.
	second, err := s.GetOrCreateConversation(ctx, "client-3", "trainer-7", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetOrCreateConversation (reversed): %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("expected same conversation id, got %q and %q", first.ID, second.ID)
	}
	if first.ParticipantA != "client-3" || first.ParticipantB != "trainer-7" {
		t.Fatalf("participants not canonically ordered: %q / %q", first.ParticipantA, first.ParticipantB)
	}
}

func TestGetOrCreateConversation_Invalid(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a, b string
	}{
		{name: "empty a", a: "", b: "client-3"},
		{name: "empty b", a: "trainer-7", b: ""},
		{name: "self pair", a: "trainer-7", b: "trainer-7"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := s.GetOrCreateConversation(ctx, tc.a, tc.b, now); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("want ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestInsertMessage_MembershipAndOrdering(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	conv, err := s.GetOrCreateConversation(ctx, "trainer-7", "client-3", base)
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	if _, err := s.InsertMessage(ctx, InsertMessageInput{
		ConversationID: conv.ID,
		SenderID:       "stranger",
		Text:           "hi",
		Now:            base,
	}); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("want ErrNotParticipant for outsider, got %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.InsertMessage(ctx, InsertMessageInput{
			ConversationID: conv.ID,
			SenderID:       "trainer-7",
			Text:           "session plan",
			Now:            base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("InsertMessage %d: %v", i, err)
		}
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("want 3 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("messages not ordered by created_at: %v before %v", msgs[i].CreatedAt, msgs[i-1].CreatedAt)
		}
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	want := base.Add(2 * time.Minute)
	if !got.LastActivityAt.Equal(want) {
		t.Fatalf("last activity not bumped: want %v, got %v", want, got.LastActivityAt)
	}
}

func TestListMessagesSince_CreatedOrUpdated(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	conv, err := s.GetOrCreateConversation(ctx, "trainer-7", "client-3", base)
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	// Two old messages from the trainer, one new from the client.
	for i := 0; i < 2; i++ {
		if _, err := s.InsertMessage(ctx, InsertMessageInput{
			ConversationID: conv.ID,
			SenderID:       "trainer-7",
			Text:           "old",
			Now:            base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}
	newMsg, err := s.InsertMessage(ctx, InsertMessageInput{
		ConversationID: conv.ID,
		SenderID:       "client-3",
		Text:           "new",
		Now:            base.Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	since := base.Add(5 * time.Minute)

	got, err := s.ListMessagesSince(ctx, conv.ID, since, 0)
	if err != nil {
		t.Fatalf("ListMessagesSince: %v", err)
	}
	if len(got) != 1 || got[0].ID != newMsg.ID {
		t.Fatalf("want only the new message, got %d rows", len(got))
	}

	// Marking read mutates updated_at on the trainer's old rows, which must
	// surface them past the same watermark.
	readAt := base.Add(20 * time.Minute)
	n, err := s.MarkRead(ctx, conv.ID, "client-3", readAt)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if n != 2 {
		t.Fatalf("want 2 rows marked read, got %d", n)
	}

	got, err = s.ListMessagesSince(ctx, conv.ID, since, 0)
	if err != nil {
		t.Fatalf("ListMessagesSince after MarkRead: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 rows (2 receipt-mutated + 1 new), got %d", len(got))
	}
	for _, m := range got {
		if m.SenderID == "trainer-7" {
			if m.ReadAt == nil || !m.ReadAt.Equal(readAt) {
				t.Fatalf("trainer message missing read receipt: %+v", m)
			}
			if lt := m.LatestTimestamp(); !lt.Equal(readAt) {
				t.Fatalf("LatestTimestamp should follow updated_at: got %v", lt)
			}
		}
	}
}

func TestMarkRead_SkipsOwnAndAlreadyRead(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	conv, err := s.GetOrCreateConversation(ctx, "trainer-7", "client-3", base)
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	if _, err := s.InsertMessage(ctx, InsertMessageInput{
		ConversationID: conv.ID, SenderID: "trainer-7", Text: "a", Now: base,
	}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if _, err := s.InsertMessage(ctx, InsertMessageInput{
		ConversationID: conv.ID, SenderID: "client-3", Text: "b", Now: base.Add(time.Minute),
	}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	n, err := s.MarkRead(ctx, conv.ID, "client-3", base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 row marked (own message skipped), got %d", n)
	}

	// Second call is a no-op.
	n, err = s.MarkRead(ctx, conv.ID, "client-3", base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("MarkRead (repeat): %v", err)
	}
	if n != 0 {
		t.Fatalf("want 0 rows on repeat, got %d", n)
	}
}

func TestListMessages_UnknownConversation(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	if _, err := s.ListMessages(context.Background(), "missing", 0); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("want ErrConversationNotFound, got %v", err)
	}
}
