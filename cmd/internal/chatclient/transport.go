package chatclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	v1 "fitlink/shared/contracts/chat/v1"
)

// Transport is the uniform four-operation surface over both delivery
// strategies. Which strategy backs it is decided once, at construction, from
// Config.UsePolling; calling code never branches on the mode.
type Transport interface {
	// Subscribe binds the transport to a conversation and starts delivery.
	// Delivery runs until ctx is cancelled or the transport is torn down.
	Subscribe(ctx context.Context, conversationID string) error
	// Publish sends a notify-only message event. In push mode it is a silent
	// no-op unless the channel is attached (durability already happened at
	// the send endpoint); in polling mode it is always a no-op because the
	// next poll tick surfaces the message organically.
	Publish(ctx context.Context, msg v1.MessagePayload) error
	// PublishTyping sends a fire-and-forget typing signal. No-op in polling
	// mode.
	PublishTyping(ctx context.Context, typing bool) error
	// SetPresence announces or withdraws the local participant's online
	// status. No-op in polling mode.
	SetPresence(ctx context.Context, online bool) error
}

// NewTransport selects the strategy from cfg.UsePolling, evaluated exactly
// once per session. Runtime switching is out of scope: reattach with a new
// Transport built from the opposite flag instead.
func NewTransport(log *slog.Logger, cfg Config, mgr *ConnectionManager, history HistoryReader, recon *Reconciler) Transport {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	if cfg.UsePolling {
		return &pollTransport{log: log, cfg: cfg, history: history, recon: recon}
	}
	return &pushTransport{log: log, mgr: mgr}
}

// ---- push strategy ----

// pushTransport delegates everything to the connection manager.
type pushTransport struct {
	log *slog.Logger
	mgr *ConnectionManager
}

func (t *pushTransport) Subscribe(_ context.Context, conversationID string) error {
	return t.mgr.Attach(conversationID)
}

func (t *pushTransport) Publish(ctx context.Context, msg v1.MessagePayload) error {
	if err := t.mgr.PublishMessage(ctx, msg); err != nil {
		// Notify-only: the durable write already succeeded, receivers recover
		// via poll or gap-fill.
		t.log.Warn("chatclient.publish.fail", "message_id", msg.MessageID, "err", err)
	}
	return nil
}

func (t *pushTransport) PublishTyping(ctx context.Context, typing bool) error {
	if err := t.mgr.PublishTyping(ctx, typing); err != nil {
		t.log.Debug("chatclient.typing.publish.fail", "err", err)
	}
	return nil
}

func (t *pushTransport) SetPresence(_ context.Context, _ bool) error {
	// The gateway registers presence on attach and withdraws it on detach;
	// there is no separate client-driven presence write in the protocol.
	return nil
}

// ---- polling strategy ----

// pollTransport delivers by sweeping the durable store on a fixed interval.
// It is the degraded path: no push, no typing, no presence, no backoff.
type pollTransport struct {
	log     *slog.Logger
	cfg     Config
	history HistoryReader
	recon   *Reconciler

	mu      sync.Mutex
	started bool
}

func (t *pollTransport) Subscribe(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("chatclient: empty conversation id")
	}
	if t.history == nil || t.recon == nil {
		return errors.New("chatclient: polling transport needs a history reader and reconciler")
	}

	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.mu.Unlock()

	t.recon.Reset(conversationID)

	// Immediate full load, then the fixed-interval incremental loop.
	msgs, err := t.history.List(ctx, conversationID)
	if err != nil {
		t.log.Warn("chatclient.poll.initial.fail", "conversation_id", conversationID, "err", err)
	} else {
		t.recon.IngestBatch(msgs)
	}

	go t.loop(ctx, conversationID)
	return nil
}

func (t *pollTransport) loop(ctx context.Context, conversationID string) {
	tick := time.NewTicker(t.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.started = false
			t.mu.Unlock()
			return
		case <-tick.C:
			msgs, err := t.history.ListSince(ctx, conversationID, t.recon.Mark())
			if err != nil {
				if ctx.Err() == nil {
					t.log.Warn("chatclient.poll.fail", "conversation_id", conversationID, "err", err)
				}
				continue
			}
			t.recon.IngestBatch(msgs)
		}
	}
}

// Publish is a no-op: the next poll tick surfaces the durable write.
func (t *pollTransport) Publish(context.Context, v1.MessagePayload) error { return nil }

// PublishTyping is a no-op in polling mode.
func (t *pollTransport) PublishTyping(context.Context, bool) error { return nil }

// SetPresence is a no-op in polling mode.
func (t *pollTransport) SetPresence(context.Context, bool) error { return nil }
