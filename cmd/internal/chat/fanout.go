package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"fitlink/cmd/internal/metrics"
	v1 "fitlink/shared/contracts/chat/v1"
)

// Publisher delivers notify-only envelopes to every attached member of a
// conversation. It is best-effort by contract: the durable store is the source
// of truth and poll/gap-fill recovers anything dropped here.
type Publisher interface {
	Publish(ctx context.Context, conversationID string, env v1.Envelope) error
}

// Fanout routes an envelope to local channel members and, when a bridge is
// configured, to every other gateway node.
type Fanout struct {
	log    *slog.Logger
	hub    *Hub
	bridge *NATSBridge // nil when single-node
}

// NewFanout constructs a Fanout. bridge may be nil.
func NewFanout(log *slog.Logger, hub *Hub, bridge *NATSBridge) *Fanout {
	return &Fanout{log: log, hub: hub, bridge: bridge}
}

// Publish broadcasts locally and relays across the bridge.
func (f *Fanout) Publish(ctx context.Context, conversationID string, env v1.Envelope) error {
	return f.publishExcept(ctx, conversationID, env, "")
}

// PublishExcept is Publish minus the originating session (it already has the data).
func (f *Fanout) PublishExcept(ctx context.Context, conversationID string, env v1.Envelope, exceptSessionID string) error {
	return f.publishExcept(ctx, conversationID, env, exceptSessionID)
}

func (f *Fanout) publishExcept(ctx context.Context, conversationID string, env v1.Envelope, exceptSessionID string) error {
	if f == nil {
		return errors.New("chat: nil fanout")
	}
	if conversationID == "" {
		return ErrInvalidInput
	}

	if ch := f.hub.Lookup(conversationID); ch != nil {
		ch.BroadcastExcept(env, exceptSessionID)
		metrics.FanoutRelayed.WithLabelValues("local").Inc()
	}

	if f.bridge != nil {
		if err := f.bridge.Publish(ctx, conversationID, env); err != nil {
			// Bridge loss degrades to single-node delivery; gap-fill covers the rest.
			f.log.Warn("fanout.bridge.publish.fail", "conversation_id", conversationID, "err", err)
			return err
		}
		metrics.FanoutRelayed.WithLabelValues("bridge").Inc()
	}
	return nil
}

// ---- NATS bridge ----

const (
	bridgeSubjectPrefix = "fitlink.chat.conv."
	bridgeNodeHeader    = "Fitlink-Node"
)

// NATSBridge relays envelopes between gateway nodes over core NATS pub/sub,
// one subject per conversation. Remote envelopes are re-broadcast into the
// local hub; a node-id header suppresses loops.
//
// Ownership model: the bridge does NOT own the NATS connection; the caller
// closes it. Close only drains the bridge subscription.
type NATSBridge struct {
	log    *slog.Logger
	nc     *nats.Conn
	hub    *Hub
	nodeID string

	sub *nats.Subscription
}

// NewNATSBridge constructs a bridge and subscribes to the conversation
// subject space.
func NewNATSBridge(log *slog.Logger, nc *nats.Conn, hub *Hub, nodeID string) (*NATSBridge, error) {
	if nc == nil {
		return nil, errors.New("chat: nil nats connection")
	}
	if nodeID == "" {
		return nil, errors.New("chat: empty bridge node id")
	}

	b := &NATSBridge{log: log, nc: nc, hub: hub, nodeID: nodeID}

	sub, err := nc.Subscribe(bridgeSubjectPrefix+">", b.onRemote)
	if err != nil {
		return nil, err
	}
	b.sub = sub

	log.Info("bridge.subscribed", "node_id", nodeID, "subject", bridgeSubjectPrefix+">")
	return b, nil
}

// Publish relays one envelope to every other node.
func (b *NATSBridge) Publish(_ context.Context, conversationID string, env v1.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(bridgeSubjectPrefix + conversationID)
	msg.Header.Set(bridgeNodeHeader, b.nodeID)
	msg.Data = data
	return b.nc.PublishMsg(msg)
}

// Close drains the bridge subscription. The NATS connection stays open.
func (b *NATSBridge) Close() error {
	if b == nil || b.sub == nil {
		return nil
	}
	return b.sub.Drain()
}

func (b *NATSBridge) onRemote(m *nats.Msg) {
	if m.Header.Get(bridgeNodeHeader) == b.nodeID {
		return // our own relay
	}

	conversationID := strings.TrimPrefix(m.Subject, bridgeSubjectPrefix)
	if conversationID == "" || conversationID == m.Subject {
		return
	}

	ch := b.hub.Lookup(conversationID)
	if ch == nil || ch.Size() == 0 {
		return // nobody attached here
	}

	var env v1.Envelope
	if err := json.Unmarshal(m.Data, &env); err != nil {
		b.log.Warn("bridge.decode.fail", "conversation_id", conversationID, "err", err)
		return
	}
	if err := env.Validate(); err != nil {
		b.log.Warn("bridge.envelope.invalid", "conversation_id", conversationID, "err", err)
		return
	}

	ch.Broadcast(env)
	metrics.FanoutRelayed.WithLabelValues("local").Inc()
}
