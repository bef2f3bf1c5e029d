package chat

import (
	"testing"
	"time"
)

func TestRateLimiter_Window(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, 10*time.Second)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(base.Add(3 * time.Second)) {
		t.Fatal("4th event inside window should be denied")
	}

	// After the window slides past the first event, capacity frees up.
	if !rl.Allow(base.Add(11 * time.Second)) {
		t.Fatal("event after window slide should be allowed")
	}
}

func TestRateLimiter_DefensiveDefaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !rl.Allow(now) {
		t.Fatal("limiter with defaults should allow the first event")
	}
}
