package chatclient

import "time"

// Clock abstracts wall time and timer scheduling so state-machine timeouts
// (attach safety, typing auto-clear) are deterministic under test.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f after d and returns a cancellable handle.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the
	// callback from firing.
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }
