package chatclient

import "testing"

func TestStatusLabel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		state ConnState
		want  string
	}{
		{StateConnecting, "connecting"},
		{StateAttaching, "connecting"},
		{StateAttached, "live"},
		{StateDisconnected, "offline — retrying"},
		{StateSuspended, "offline — retrying"},
		{StateFailed, "error — tap to retry"},
		{StateIdle, ""},
	}

	for _, tc := range cases {
		if got := tc.state.StatusLabel(); got != tc.want {
			t.Fatalf("StatusLabel(%v)=%q want=%q", tc.state, got, tc.want)
		}
	}
}

func TestConnStateString(t *testing.T) {
	t.Parallel()

	for _, s := range []ConnState{StateIdle, StateConnecting, StateAttaching, StateAttached, StateDisconnected, StateSuspended, StateFailed} {
		if s.String() == "" || s.String() == "unknown" {
			t.Fatalf("missing String for state %d", int(s))
		}
	}
}
