package chatclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "fitlink/shared/contracts/chat/v1"
)

func discardLog() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func mkMsg(id, convID string, createdAt time.Time) v1.MessagePayload {
	return v1.MessagePayload{
		MessageID:      id,
		ConversationID: convID,
		SenderID:       "trainer-7",
		Text:           "text for " + id,
		CreatedAt:      createdAt,
	}
}

// fakeHistory serves canned gap-fill/poll reads and counts calls.
type fakeHistory struct {
	mu         sync.Mutex
	msgs       []v1.MessagePayload
	err        error
	listCalls  int
	sinceCalls int
	lastSince  time.Time
}

func (h *fakeHistory) add(msgs ...v1.MessagePayload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msgs...)
}

func (h *fakeHistory) List(_ context.Context, _ string) ([]v1.MessagePayload, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listCalls++
	if h.err != nil {
		return nil, h.err
	}
	return append([]v1.MessagePayload(nil), h.msgs...), nil
}

func (h *fakeHistory) ListSince(_ context.Context, _ string, since time.Time) ([]v1.MessagePayload, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinceCalls++
	h.lastSince = since
	if h.err != nil {
		return nil, h.err
	}
	var out []v1.MessagePayload
	for _, m := range h.msgs {
		if latestTimestamp(m).After(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (h *fakeHistory) sinceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sinceCalls
}

// delivery recorder
type recorder struct {
	mu   sync.Mutex
	msgs []v1.MessagePayload
}

func (r *recorder) deliver(m v1.MessagePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.MessageID)
	}
	return out
}

func TestReconciler_IdempotentDelivery(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := &recorder{}
	r := NewReconciler(discardLog(), nil, rec.deliver)
	r.Reset("conv-1")

	m := mkMsg("m1", "conv-1", base)

	// Same id from every source mix: push, poll, gap-fill.
	if !r.Ingest(m) {
		t.Fatal("first delivery should pass")
	}
	for i := 0; i < 5; i++ {
		if r.Ingest(m) {
			t.Fatal("duplicate must be dropped silently")
		}
	}

	if got := rec.ids(); len(got) != 1 || got[0] != "m1" {
		t.Fatalf("want exactly one delivery, got %v", got)
	}
}

func TestReconciler_DropsForeignConversation(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	r := NewReconciler(discardLog(), nil, rec.deliver)
	r.Reset("conv-1")

	if r.Ingest(mkMsg("m1", "conv-other", time.Now())) {
		t.Fatal("message for another conversation must be dropped")
	}
	if len(rec.ids()) != 0 {
		t.Fatal("no delivery expected")
	}
}

func TestReconciler_HighWaterMarkMonotonic(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := NewReconciler(discardLog(), nil, nil)
	r.Reset("conv-1")

	r.Ingest(mkMsg("m1", "conv-1", base.Add(10*time.Minute)))
	if got := r.Mark(); !got.Equal(base.Add(10 * time.Minute)) {
		t.Fatalf("mark = %v", got)
	}

	// An older message arriving late must not rewind the mark.
	r.Ingest(mkMsg("m0", "conv-1", base))
	if got := r.Mark(); !got.Equal(base.Add(10 * time.Minute)) {
		t.Fatalf("mark rewound to %v", got)
	}

	// updated_at beyond created_at advances the mark.
	upd := base.Add(20 * time.Minute)
	m := mkMsg("m2", "conv-1", base.Add(5*time.Minute))
	m.UpdatedAt = &upd
	r.Ingest(m)
	if got := r.Mark(); !got.Equal(upd) {
		t.Fatalf("mark should follow updated_at, got %v", got)
	}
}

func TestReconciler_NoGapFillOnFirstAttach(t *testing.T) {
	t.Parallel()

	h := &fakeHistory{}
	r := NewReconciler(discardLog(), h, nil)
	r.Reset("conv-1")

	r.OnAttached(context.Background())
	if h.sinceCount() != 0 {
		t.Fatal("first attach must not gap-fill")
	}

	r.OnAttached(context.Background())
	if h.sinceCount() != 1 {
		t.Fatalf("second attach must gap-fill once, got %d reads", h.sinceCount())
	}
}

func TestReconciler_GapFillRecoversMissedInOrder(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h := &fakeHistory{}
	rec := &recorder{}
	r := NewReconciler(discardLog(), h, rec.deliver)
	r.Reset("conv-1")

	// Initial load then first attach.
	r.Ingest(mkMsg("m1", "conv-1", base))
	r.OnAttached(context.Background())

	// Three messages land in the store while the transport is down. One of
	// them also arrives via a racing poll tick before the gap-fill.
	missed := []v1.MessagePayload{
		mkMsg("m2", "conv-1", base.Add(1*time.Minute)),
		mkMsg("m3", "conv-1", base.Add(2*time.Minute)),
		mkMsg("m4", "conv-1", base.Add(3*time.Minute)),
	}
	h.add(missed...)
	r.Ingest(missed[1]) // racing duplicate path

	r.OnAttached(context.Background())

	want := []string{"m1", "m3", "m2", "m4"}
	got := rec.ids()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	if !h.lastSince.Equal(base) {
		t.Fatalf("gap-fill should start from the mark %v, used %v", base, h.lastSince)
	}
	if got := r.Mark(); !got.Equal(base.Add(3 * time.Minute)) {
		t.Fatalf("mark after gap-fill = %v", got)
	}
}

func TestReconciler_FailedGapFillRetriesNextAttach(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h := &fakeHistory{err: errors.New("store down")}
	rec := &recorder{}
	r := NewReconciler(discardLog(), h, rec.deliver)
	r.Reset("conv-1")

	r.Ingest(mkMsg("m1", "conv-1", base))
	r.OnAttached(context.Background()) // first, skipped
	r.OnAttached(context.Background()) // fails, logged only

	if got := r.Mark(); !got.Equal(base) {
		t.Fatalf("failed gap-fill must not advance the mark, got %v", got)
	}

	// Store recovers; the next reconnect retries the same window.
	h.mu.Lock()
	h.err = nil
	h.mu.Unlock()
	h.add(mkMsg("m2", "conv-1", base.Add(time.Minute)))

	r.OnAttached(context.Background())
	if got := rec.ids(); len(got) != 2 || got[1] != "m2" {
		t.Fatalf("retry should recover m2, got %v", got)
	}
}

func TestReconciler_ResetClearsSeenSet(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := &recorder{}
	r := NewReconciler(discardLog(), nil, rec.deliver)

	r.Reset("conv-1")
	r.Ingest(mkMsg("m1", "conv-1", base))

	// Conversation switch: fresh session, same id may legitimately reappear.
	r.Reset("conv-2")
	if got := r.Mark(); !got.IsZero() {
		t.Fatalf("reset must clear the mark, got %v", got)
	}
	if !r.Ingest(mkMsg("m1", "conv-2", base)) {
		t.Fatal("seen set must be scoped per conversation session")
	}
}
