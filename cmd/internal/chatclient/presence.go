package chatclient

import (
	"sort"
	"sync"
	"time"
)

// PresenceTracker maintains the ephemeral per-conversation view of who is
// online and who is typing. Everything here is best-effort and decoupled from
// message durability.
//
// The local participant is filtered out of every callback. The online flag is
// recomputed from the full member set on every change instead of being
// toggled incrementally, so a missed individual enter/leave event cannot make
// it drift. A remote typing indicator auto-clears after the typing TTL when
// no renewal signal arrives.
type PresenceTracker struct {
	clock      Clock
	typingTTL  time.Duration
	onTyping   func(userID string, typing bool)
	onPresence func(online bool, others []string)

	mu             sync.Mutex
	selfID         string
	conversationID string
	generation     uint64
	members        map[string]struct{}
	typingTimers   map[string]Timer
}

// NewPresenceTracker constructs a tracker for the local participant selfID.
func NewPresenceTracker(clock Clock, selfID string, typingTTL time.Duration, onTyping func(string, bool), onPresence func(bool, []string)) *PresenceTracker {
	if clock == nil {
		clock = realClock{}
	}
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	return &PresenceTracker{
		clock:        clock,
		typingTTL:    typingTTL,
		onTyping:     onTyping,
		onPresence:   onPresence,
		members:      make(map[string]struct{}),
		typingTimers: make(map[string]Timer),
	}
}

// Reset rebinds the tracker to a conversation. All typing timers are
// cancelled; a stale timer from the previous conversation that already fired
// is a no-op thanks to the generation guard.
func (p *PresenceTracker) Reset(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.conversationID = conversationID
	p.generation++
	p.members = make(map[string]struct{})
	for user, t := range p.typingTimers {
		t.Stop()
		delete(p.typingTimers, user)
	}
}

// HandleTyping processes a remote typing signal. Signals from the local
// participant are ignored. A true signal arms (or re-arms) the auto-clear
// timer; a false signal clears immediately.
func (p *PresenceTracker) HandleTyping(senderID string, typing bool) {
	if senderID == "" || senderID == p.currentSelfID() {
		return
	}

	p.mu.Lock()
	if t, ok := p.typingTimers[senderID]; ok {
		t.Stop()
		delete(p.typingTimers, senderID)
	}

	if !typing {
		p.mu.Unlock()
		if p.onTyping != nil {
			p.onTyping(senderID, false)
		}
		return
	}

	gen := p.generation
	p.typingTimers[senderID] = p.clock.AfterFunc(p.typingTTL, func() {
		p.expireTyping(senderID, gen)
	})
	p.mu.Unlock()

	if p.onTyping != nil {
		p.onTyping(senderID, true)
	}
}

// expireTyping is the timer callback; it only acts if the tracker is still on
// the same conversation generation that armed it.
func (p *PresenceTracker) expireTyping(senderID string, gen uint64) {
	p.mu.Lock()
	if p.generation != gen {
		p.mu.Unlock()
		return
	}
	if _, ok := p.typingTimers[senderID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.typingTimers, senderID)
	p.mu.Unlock()

	if p.onTyping != nil {
		p.onTyping(senderID, false)
	}
}

// HandleEnter records one participant joining the registry.
func (p *PresenceTracker) HandleEnter(userID string) {
	if userID == "" {
		return
	}
	p.mu.Lock()
	p.members[userID] = struct{}{}
	p.mu.Unlock()
	p.notifyPresence()
}

// HandleLeave records one participant leaving the registry.
func (p *PresenceTracker) HandleLeave(userID string) {
	if userID == "" {
		return
	}
	p.mu.Lock()
	delete(p.members, userID)
	p.mu.Unlock()
	p.notifyPresence()
}

// HandleSync replaces the registry with a full snapshot.
func (p *PresenceTracker) HandleSync(userIDs []string) {
	p.mu.Lock()
	p.members = make(map[string]struct{}, len(userIDs))
	for _, u := range userIDs {
		if u != "" {
			p.members[u] = struct{}{}
		}
	}
	p.mu.Unlock()
	p.notifyPresence()
}

// SetSelf records the local participant id used for self-filtering.
func (p *PresenceTracker) SetSelf(userID string) {
	p.mu.Lock()
	p.selfID = userID
	p.mu.Unlock()
}

// Others returns the sorted ids of other present participants.
func (p *PresenceTracker) Others() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.othersLocked()
}

func (p *PresenceTracker) othersLocked() []string {
	out := make([]string, 0, len(p.members))
	for u := range p.members {
		if u == p.selfID {
			continue
		}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (p *PresenceTracker) currentSelfID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selfID
}

func (p *PresenceTracker) notifyPresence() {
	if p.onPresence == nil {
		return
	}
	p.mu.Lock()
	others := p.othersLocked()
	p.mu.Unlock()

	p.onPresence(len(others) > 0, others)
}
