package chatclient

import (
	"reflect"
	"sync"
	"testing"
	"time"
)

type typingRecorder struct {
	mu     sync.Mutex
	events []string // "user:true" / "user:false"
}

func (r *typingRecorder) on(userID string, typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if typing {
		r.events = append(r.events, userID+":true")
	} else {
		r.events = append(r.events, userID+":false")
	}
}

func (r *typingRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type presenceRecorder struct {
	mu     sync.Mutex
	online []bool
	others [][]string
}

func (r *presenceRecorder) on(online bool, others []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = append(r.online, online)
	r.others = append(r.others, others)
}

func (r *presenceRecorder) last() (bool, []string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.online) == 0 {
		return false, nil, false
	}
	return r.online[len(r.online)-1], r.others[len(r.others)-1], true
}

func TestTypingAutoExpiry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	rec := &typingRecorder{}
	p := NewPresenceTracker(clock, "me", DefaultTypingTTL, rec.on, nil)
	p.SetSelf("me")
	p.Reset("conv-1")

	p.HandleTyping("trainer-7", true)
	if got := rec.all(); len(got) != 1 || got[0] != "trainer-7:true" {
		t.Fatalf("want typing=true event, got %v", got)
	}

	// No renewal: the indicator clears after the TTL.
	clock.Advance(DefaultTypingTTL + time.Second)
	if got := rec.all(); len(got) != 2 || got[1] != "trainer-7:false" {
		t.Fatalf("want auto-clear after TTL, got %v", got)
	}
}

func TestTypingRenewalExtendsIndicator(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	rec := &typingRecorder{}
	p := NewPresenceTracker(clock, "me", DefaultTypingTTL, rec.on, nil)
	p.SetSelf("me")
	p.Reset("conv-1")

	p.HandleTyping("trainer-7", true)
	clock.Advance(2 * time.Second)
	p.HandleTyping("trainer-7", true) // renewal re-arms the timer
	clock.Advance(2 * time.Second)

	for _, e := range rec.all() {
		if e == "trainer-7:false" {
			t.Fatal("indicator cleared despite renewal")
		}
	}

	clock.Advance(2 * time.Second)
	got := rec.all()
	if got[len(got)-1] != "trainer-7:false" {
		t.Fatalf("want final auto-clear, got %v", got)
	}
}

func TestTypingSelfFiltered(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	rec := &typingRecorder{}
	p := NewPresenceTracker(clock, "me", DefaultTypingTTL, rec.on, nil)
	p.SetSelf("me")
	p.Reset("conv-1")

	p.HandleTyping("me", true)
	if len(rec.all()) != 0 {
		t.Fatal("own typing signal must not reach the application")
	}
}

func TestTypingStaleTimerAfterReset(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	rec := &typingRecorder{}
	p := NewPresenceTracker(clock, "me", DefaultTypingTTL, rec.on, nil)
	p.SetSelf("me")
	p.Reset("conv-1")

	p.HandleTyping("trainer-7", true)
	p.Reset("conv-2")

	// The timer from conv-1 firing after the switch must be a no-op.
	clock.Advance(DefaultTypingTTL + time.Second)
	for _, e := range rec.all() {
		if e == "trainer-7:false" {
			t.Fatal("stale timer fired across a conversation switch")
		}
	}
}

func TestPresence_SelfFilteredAndRecomputed(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	rec := &presenceRecorder{}
	p := NewPresenceTracker(clock, "me", DefaultTypingTTL, nil, rec.on)
	p.SetSelf("me")
	p.Reset("conv-1")

	// Snapshot contains only ourselves: offline from the app's perspective.
	p.HandleSync([]string{"me"})
	online, others, ok := rec.last()
	if !ok || online || len(others) != 0 {
		t.Fatalf("self-only sync should compute offline, got online=%v others=%v", online, others)
	}

	p.HandleEnter("trainer-7")
	online, others, _ = rec.last()
	if !online || !reflect.DeepEqual(others, []string{"trainer-7"}) {
		t.Fatalf("want online with trainer-7, got online=%v others=%v", online, others)
	}

	p.HandleLeave("trainer-7")
	online, others, _ = rec.last()
	if online || len(others) != 0 {
		t.Fatalf("want offline after leave, got online=%v others=%v", online, others)
	}

	// A full snapshot replaces, never merges.
	p.HandleEnter("ghost")
	p.HandleSync([]string{"me", "client-3"})
	online, others, _ = rec.last()
	if !online || !reflect.DeepEqual(others, []string{"client-3"}) {
		t.Fatalf("sync must replace the registry, got online=%v others=%v", online, others)
	}
}
