// Package chat contains the Fitlink chat gateway, fanout, and persistence primitives.
package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fitlink/cmd/internal/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - GetOrCreateConversation serializes per participant pair with a
//     transactional advisory lock so concurrent first-contact requests cannot
//     create two rows for the same pair.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "fitlink").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "fitlink",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// GetOrCreateConversation returns the conversation for the participant pair,
// creating it on first contact. Idempotent regardless of argument order.
func (s *PostgresStore) GetOrCreateConversation(ctx context.Context, userA, userB string, now time.Time) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")

	// Serialize first-contact creation per pair.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, a+"\x00"+b); err != nil {
		return Conversation{}, fmt.Errorf("advisory lock: %w", err)
	}

	conv, err := scanConversation(tx.QueryRow(ctx,
		`SELECT id, participant_a, participant_b, created_at, last_activity_at
		   FROM `+conversations+`
		  WHERE participant_a = $1 AND participant_b = $2`,
		a, b,
	))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return Conversation{}, err
		}
		return conv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, err
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (id, participant_a, participant_b, created_at, last_activity_at)
		 VALUES ($1, $2, $3, $4, $4)`,
		id, a, b, now,
	); err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}

	return Conversation{
		ID:             id,
		ParticipantA:   a,
		ParticipantB:   b,
		CreatedAt:      now,
		LastActivityAt: now,
	}, nil
}

// GetConversation returns a conversation by id.
func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}
	if conversationID == "" {
		return Conversation{}, ErrInvalidInput
	}

	conversations := pgIdent(s.schema, "conversations")

	conv, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT id, participant_a, participant_b, created_at, last_activity_at
		   FROM `+conversations+`
		  WHERE id = $1`,
		conversationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// IsParticipant checks if userID belongs to conversationID.
// Unknown conversations report false rather than an error: this sits on the
// authorization path and must fail closed without leaking existence.
func (s *PostgresStore) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("chat: nil store")
	}
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return false, nil
	}

	conversations := pgIdent(s.schema, "conversations")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1
		   FROM `+conversations+`
		  WHERE id = $1 AND (participant_a = $2 OR participant_b = $2)`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertMessage persists a message and bumps the conversation's last activity.
func (s *PostgresStore) InsertMessage(ctx context.Context, in InsertMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
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

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	tag, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET last_activity_at = $2
		  WHERE id = $1 AND (participant_a = $3 OR participant_b = $3)`,
		in.ConversationID, now, in.SenderID,
	)
	if err != nil {
		return Message{}, err
	}
	if tag.RowsAffected() == 0 {
		// Either the conversation does not exist or the sender is not in it.
		// Both fail closed the same way.
		return Message{}, ErrNotParticipant
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, sender_id, text, attachment_url, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`,
		id, in.ConversationID, in.SenderID, in.Text, in.AttachmentURL, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	return Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Text:           in.Text,
		AttachmentURL:  in.AttachmentURL,
		CreatedAt:      now,
	}, nil
}

// ListMessages returns messages ordered by created_at ASC.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if conversationID == "" {
		return nil, ErrInvalidInput
	}
	limit = clampHistoryLimit(limit)

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, sender_id, text, COALESCE(attachment_url, ''), created_at, updated_at, read_at
		   FROM `+messages+`
		  WHERE conversation_id = $1
		  ORDER BY created_at ASC, id ASC
		  LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// ListMessagesSince returns messages created OR updated strictly after since,
// ordered by created_at ASC. The OR across both timestamp columns catches new
// inserts and receipt/edit mutations alike; it needs indexes on both columns
// at scale.
func (s *PostgresStore) ListMessagesSince(ctx context.Context, conversationID string, since time.Time, limit int) ([]Message, error) {
	if conversationID == "" {
		return nil, ErrInvalidInput
	}
	limit = clampHistoryLimit(limit)

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, sender_id, text, COALESCE(attachment_url, ''), created_at, updated_at, read_at
		   FROM `+messages+`
		  WHERE conversation_id = $1
		    AND (created_at > $2 OR updated_at > $2)
		  ORDER BY created_at ASC, id ASC
		  LIMIT $3`,
		conversationID, since, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// MarkRead stamps read_at/updated_at on the peer's unread messages.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, readerID string, now time.Time) (int64, error) {
	if conversationID == "" || readerID == "" {
		return 0, ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	ok, err := s.IsParticipant(ctx, readerID, conversationID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotParticipant
	}

	messages := pgIdent(s.schema, "messages")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET read_at = $3, updated_at = $3
		  WHERE conversation_id = $1
		    AND sender_id <> $2
		    AND read_at IS NULL`,
		conversationID, readerID, now,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.CreatedAt, &c.LastActivityAt)
	return c, err
}

func collectMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()

	out := make([]Message, 0, 64)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID,
			&m.ConversationID,
			&m.SenderID,
			&m.Text,
			&m.AttachmentURL,
			&m.CreatedAt,
			&m.UpdatedAt,
			&m.ReadAt,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 || limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
