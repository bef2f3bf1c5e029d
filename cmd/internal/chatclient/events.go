package chatclient

import (
	v1 "fitlink/shared/contracts/chat/v1"
)

// Handlers are the application callbacks. All fields are optional; nil
// handlers are skipped. Callbacks fire on client-internal goroutines and must
// not block.
type Handlers struct {
	// OnMessage fires exactly once per unique message id, after the
	// reconciler admitted the message.
	OnMessage func(msg v1.MessagePayload)

	// OnTyping fires when a remote participant starts or stops typing. The
	// false edge also fires automatically when no renewal arrives within the
	// typing TTL.
	OnTyping func(userID string, typing bool)

	// OnPresence fires when the set of other online participants changes.
	// online is derived from len(others) > 0 each time, never tracked
	// incrementally.
	OnPresence func(online bool, others []string)

	// OnStateChange fires on every connection state transition.
	OnStateChange func(state ConnState)
}

func (h Handlers) message(msg v1.MessagePayload) {
	if h.OnMessage != nil {
		h.OnMessage(msg)
	}
}

func (h Handlers) typing(userID string, typing bool) {
	if h.OnTyping != nil {
		h.OnTyping(userID, typing)
	}
}

func (h Handlers) presence(online bool, others []string) {
	if h.OnPresence != nil {
		h.OnPresence(online, others)
	}
}

func (h Handlers) stateChange(state ConnState) {
	if h.OnStateChange != nil {
		h.OnStateChange(state)
	}
}
