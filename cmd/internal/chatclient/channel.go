package chatclient

import (
	"context"

	v1 "fitlink/shared/contracts/chat/v1"
)

// channelEventKind classifies events emitted by a live channel.
type channelEventKind int

const (
	// evAttached: the gateway confirmed attachment.
	evAttached channelEventKind = iota
	// evEnvelope: an inbound protocol envelope (message, typing, presence).
	evEnvelope
	// evClosed: the channel terminated; err carries the cause, nil for a
	// clean local close.
	evClosed
)

type channelEvent struct {
	kind channelEventKind
	env  v1.Envelope
	err  error
}

// Channel is one live realtime channel bound to one conversation. The
// connection manager owns it: exactly one Channel is live per manager at any
// time.
type Channel interface {
	// Events is the single ordered stream of channel events. It is closed
	// after the evClosed event.
	Events() <-chan channelEvent
	// Publish sends one envelope. Best-effort and notify-only.
	Publish(ctx context.Context, env v1.Envelope) error
	// Close tears the channel down. Idempotent.
	Close() error
}

// DialFunc opens a channel for one conversation using a capability token.
// Injected so tests can substitute a fake transport.
type DialFunc func(ctx context.Context, cfg Config, conversationID, token string) (Channel, error)
