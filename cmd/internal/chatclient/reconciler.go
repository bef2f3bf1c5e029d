package chatclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	v1 "fitlink/shared/contracts/chat/v1"
)

// Reconciler guarantees each message reaches the application exactly once per
// message id, no matter how many delivery paths raced: initial load, push
// event, poll tick or gap-fill read.
//
// Design notes:
//   - The seen-id set is scoped to one conversation and cleared on Reset.
//   - The high-water mark is the max latest-timestamp (created or updated) of
//     any admitted message. It only advances, never rewinds.
//   - A gap-fill runs on every transition into attached except the very first
//     one for the conversation: the initial load covers that case and a
//     redundant read would duplicate it.
//   - A failed gap-fill is logged and not retried here. The mark did not
//     advance, so the next reconnect retries the same window for free.
type Reconciler struct {
	log     *slog.Logger
	history HistoryReader
	deliver func(msg v1.MessagePayload)

	mu             sync.Mutex
	conversationID string
	seen           map[string]struct{}
	mark           time.Time
	attachedBefore bool
	filling        bool
}

// NewReconciler constructs a reconciler. deliver is the application-facing
// callback and fires at most once per unique message id.
func NewReconciler(log *slog.Logger, history HistoryReader, deliver func(msg v1.MessagePayload)) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		log:     log,
		history: history,
		deliver: deliver,
		seen:    make(map[string]struct{}),
	}
}

// Reset rebinds the reconciler to a conversation, clearing the seen set, the
// high-water mark and the first-attach guard. Called when the active
// conversation changes.
func (r *Reconciler) Reset(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conversationID = conversationID
	r.seen = make(map[string]struct{})
	r.mark = time.Time{}
	r.attachedBefore = false
	r.filling = false
}

// Ingest admits one inbound message. Duplicates (by message id) and messages
// for a different conversation are dropped silently. It reports whether the
// message was delivered to the application.
func (r *Reconciler) Ingest(msg v1.MessagePayload) bool {
	if msg.MessageID == "" {
		return false
	}

	r.mu.Lock()
	if r.conversationID == "" || msg.ConversationID != r.conversationID {
		r.mu.Unlock()
		return false
	}
	if _, dup := r.seen[msg.MessageID]; dup {
		r.mu.Unlock()
		return false
	}
	r.seen[msg.MessageID] = struct{}{}

	if ts := latestTimestamp(msg); ts.After(r.mark) {
		r.mark = ts
	}
	deliver := r.deliver
	r.mu.Unlock()

	if deliver != nil {
		deliver(msg)
	}
	return true
}

// IngestBatch feeds an already-ordered batch (initial load, gap-fill, poll
// sweep) through Ingest, preserving its order.
func (r *Reconciler) IngestBatch(msgs []v1.MessagePayload) int {
	n := 0
	for _, m := range msgs {
		if r.Ingest(m) {
			n++
		}
	}
	return n
}

// Mark returns the current high-water mark.
func (r *Reconciler) Mark() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mark
}

// OnAttached is called by the connection manager on every transition into
// attached. The first attach for a conversation is recorded and skipped; any
// later one triggers a gap-fill read from the high-water mark. Re-entrant
// calls while a fill is in flight are ignored.
func (r *Reconciler) OnAttached(ctx context.Context) {
	r.mu.Lock()
	if r.conversationID == "" {
		r.mu.Unlock()
		return
	}
	if !r.attachedBefore {
		r.attachedBefore = true
		r.mu.Unlock()
		return
	}
	if r.filling {
		r.mu.Unlock()
		return
	}
	r.filling = true
	convID := r.conversationID
	mark := r.mark
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.filling = false
		r.mu.Unlock()
	}()

	if r.history == nil {
		return
	}

	msgs, err := r.history.ListSince(ctx, convID, mark)
	if err != nil {
		r.log.Warn("chatclient.gapfill.fail", "conversation_id", convID, "mark", mark, "err", err)
		return
	}

	if n := r.IngestBatch(msgs); n > 0 {
		r.log.Info("chatclient.gapfill.recovered", "conversation_id", convID, "count", n)
	}
}

func latestTimestamp(msg v1.MessagePayload) time.Time {
	if msg.UpdatedAt != nil && msg.UpdatedAt.After(msg.CreatedAt) {
		return *msg.UpdatedAt
	}
	return msg.CreatedAt
}
