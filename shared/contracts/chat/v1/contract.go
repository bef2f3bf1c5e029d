// Package v1 defines the Fitlink Chat Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the gateway and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeAttach requests channel attachment for one conversation (client -> server).
	// It carries the capability token minted by the token endpoint.
	TypeAttach = "attach"
	// TypeAttached confirms attachment (server -> client).
	TypeAttached = "attached"

	// TypeMessage carries a persisted message notification (bidirectional).
	// The durable write always happens first at the send endpoint; this event
	// is notify-only and never authoritative.
	TypeMessage = "message"

	// TypeTyping carries an ephemeral typing signal (bidirectional).
	TypeTyping = "typing"

	// TypePresenceEnter announces a participant joining the channel (server -> members).
	TypePresenceEnter = "presence_enter"
	// TypePresenceLeave announces a participant leaving the channel (server -> members).
	TypePresenceLeave = "presence_leave"
	// TypePresenceSync carries the full member snapshot (server -> joining client).
	TypePresenceSync = "presence_sync"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ConvID  string          `json:"conv_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeAttach,
		TypeAttached,
		TypeMessage,
		TypeTyping,
		TypePresenceEnter,
		TypePresenceLeave,
		TypePresenceSync,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// AttachPayload requests attachment to one conversation channel.
type AttachPayload struct {
	ConversationID string `json:"conversation_id"`
	Token          string `json:"token"`
}

// AttachedPayload confirms attachment and returns the gateway session id.
type AttachedPayload struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
}

// MessagePayload is the wire form of a persisted message.
//
// MessageID is server-assigned and globally unique within a conversation; it
// is the deduplication key across every delivery path (push, poll, gap-fill).
type MessagePayload struct {
	MessageID      string     `json:"message_id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Text           string     `json:"text"`
	AttachmentURL  string     `json:"attachment_url,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// TypingPayload is an ephemeral typing signal. Fire-and-forget; receivers
// auto-expire the indicator client-side.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Typing         bool   `json:"typing"`
}

// PresencePayload announces one participant entering or leaving the channel.
type PresencePayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// PresenceSyncPayload carries the full ephemeral member registry snapshot.
type PresenceSyncPayload struct {
	ConversationID string   `json:"conversation_id"`
	UserIDs        []string `json:"user_ids"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
