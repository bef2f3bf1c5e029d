package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when FITLINK_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_GetOrCreateConversation_Idempotent(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	userA := "client-" + testRandomHex(t, 4)
	userB := "trainer-" + testRandomHex(t, 4)
	now := time.Now().UTC()

	first, err := store.GetOrCreateConversation(ctx, userA, userB, now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.ID == "" {
		t.Fatal("create: empty conversation id")
	}

	// Reversed argument order must resolve to the same row.
	second, err := store.GetOrCreateConversation(ctx, userB, userA, now.Add(time.Second))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("not idempotent: %q vs %q", second.ID, first.ID)
	}
	if second.ParticipantA != first.ParticipantA || second.ParticipantB != first.ParticipantB {
		t.Fatalf("participant order not canonical: %+v vs %+v", second, first)
	}
}

func TestPostgresStore_InsertAndListSince(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	userA := "client-" + testRandomHex(t, 4)
	userB := "trainer-" + testRandomHex(t, 4)
	base := time.Now().UTC().Truncate(time.Millisecond)

	conv, err := store.GetOrCreateConversation(ctx, userA, userB, base)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	var inserted []Message
	for i := 0; i < 3; i++ {
		m, err := store.InsertMessage(ctx, InsertMessageInput{
			ConversationID: conv.ID,
			SenderID:       userA,
			Text:           fmt.Sprintf("message %d", i),
			Now:            base.Add(time.Duration(i+1) * time.Second),
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		inserted = append(inserted, m)
	}

	// Outsider writes fail closed.
	if _, err := store.InsertMessage(ctx, InsertMessageInput{
		ConversationID: conv.ID,
		SenderID:       "stranger",
		Text:           "let me in",
		Now:            base.Add(10 * time.Second),
	}); err != ErrNotParticipant {
		t.Fatalf("outsider insert: want ErrNotParticipant, got %v", err)
	}

	all, err := store.ListMessages(ctx, conv.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != inserted[0].ID || all[2].ID != inserted[2].ID {
		t.Fatalf("list order wrong: %+v", all)
	}

	// Watermark after the first message: only the later two come back.
	newer, err := store.ListMessagesSince(ctx, conv.ID, inserted[0].CreatedAt, 0)
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(newer) != 2 || newer[0].ID != inserted[1].ID {
		t.Fatalf("list since wrong: %+v", newer)
	}

	// MarkRead mutates updated_at, so receipt changes surface past the
	// watermark even though created_at is behind it.
	readAt := base.Add(time.Minute)
	n, err := store.MarkRead(ctx, conv.ID, userB, readAt)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n != 3 {
		t.Fatalf("mark read rows: want 3 got %d", n)
	}

	mutated, err := store.ListMessagesSince(ctx, conv.ID, inserted[2].CreatedAt, 0)
	if err != nil {
		t.Fatalf("list since (after read): %v", err)
	}
	if len(mutated) != 3 {
		t.Fatalf("receipt mutations must surface past the watermark, got %d rows", len(mutated))
	}
	for _, m := range mutated {
		if m.ReadAt == nil || !m.ReadAt.Equal(readAt) {
			t.Fatalf("read_at not stamped: %+v", m)
		}
	}
}

// ---- helpers ----

func mustNewStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("FITLINK_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: FITLINK_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse FITLINK_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "fitlink_it_" + strings.ToLower(testRandomHex(t, 8))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	conversations := pgIdent(schema, "conversations")
	messages := pgIdent(schema, "messages")

	// Minimal schema required by PostgresStore.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id               TEXT PRIMARY KEY,
  participant_a    TEXT NOT NULL,
  participant_b    TEXT NOT NULL,
  created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_conversations_pair UNIQUE (participant_a, participant_b),
  CONSTRAINT chk_conversations_pair_order CHECK (participant_a < participant_b)
);

CREATE TABLE IF NOT EXISTS %s (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  sender_id       TEXT NOT NULL,
  text            TEXT NOT NULL,
  attachment_url  TEXT,
  created_at      TIMESTAMPTZ NOT NULL,
  updated_at      TIMESTAMPTZ,
  read_at         TIMESTAMPTZ,

  CONSTRAINT chk_messages_text_len CHECK (char_length(text) > 0 AND char_length(text) <= 4000)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
  ON %s (conversation_id, created_at ASC);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_updated
  ON %s (conversation_id, updated_at ASC);
`, conversations, messages, conversations, messages, messages)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func testRandomHex(t *testing.T, n int) string {
	t.Helper()

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return hex.EncodeToString(b)
}
