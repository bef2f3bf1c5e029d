package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	v1 "fitlink/shared/contracts/chat/v1"
)

// ConnectionManager owns the realtime lifecycle of one conversation channel.
//
// Concurrency guarantees:
//   - At most one channel is live at any time. Switching conversations tears
//     the previous channel fully down before the new attach starts.
//   - Every timer callback (attach safety, reconnect backoff, typing expiry)
//     is guarded by a generation counter; a stale timer firing after a later
//     transition is a no-op.
//   - Attach is idempotent for the conversation it is already serving.
//
// The reconciler's seen set and high-water mark survive reconnects and are
// reset only when the conversation changes: that is what makes gap-fill after
// a reconnect exact.
type ConnectionManager struct {
	log      *slog.Logger
	cfg      Config
	clock    Clock
	broker   TokenBroker
	history  HistoryReader
	handlers Handlers
	dial     DialFunc

	recon    *Reconciler
	presence *PresenceTracker

	mu             sync.Mutex
	state          ConnState
	conversationID string
	generation     uint64
	channel        Channel
	attachTimer    Timer
	reconnectTimer Timer
	pollCancel     context.CancelFunc
	reconnects     int
}

// ManagerOption configures optional manager dependencies.
type ManagerOption func(*ConnectionManager)

// WithClock substitutes the wall clock, for deterministic timer tests.
func WithClock(c Clock) ManagerOption {
	return func(m *ConnectionManager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithDialFunc substitutes the channel dialer, for fake transports in tests.
func WithDialFunc(d DialFunc) ManagerOption {
	return func(m *ConnectionManager) {
		if d != nil {
			m.dial = d
		}
	}
}

// NewConnectionManager constructs a manager. broker and history are required
// for the push path; history also backs the polling fallback and gap-fill.
func NewConnectionManager(log *slog.Logger, cfg Config, broker TokenBroker, history HistoryReader, handlers Handlers, opts ...ManagerOption) *ConnectionManager {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	m := &ConnectionManager{
		log:      log,
		cfg:      cfg,
		clock:    realClock{},
		broker:   broker,
		history:  history,
		handlers: handlers,
		dial:     DialWS,
		state:    StateIdle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	m.recon = NewReconciler(log, history, handlers.message)
	m.presence = NewPresenceTracker(m.clock, cfg.UserID, cfg.TypingTTL, handlers.typing, handlers.presence)
	m.presence.SetSelf(cfg.UserID)

	return m
}

// Attach binds the manager to conversationID and starts the attach attempt.
//
// Idempotent: when the manager is already serving this conversation in a live
// state (connecting, attaching or attached) it is a no-op. Serving the same
// conversation in a dead state re-attaches without resetting the reconciler,
// so the follow-up gap-fill recovers what was missed. A different conversation
// tears the previous channel fully down first.
func (m *ConnectionManager) Attach(conversationID string) error {
	if m == nil {
		return errors.New("chatclient: nil manager")
	}
	if conversationID == "" {
		return errors.New("chatclient: empty conversation id")
	}

	m.mu.Lock()
	if conversationID == m.conversationID {
		switch m.state {
		case StateConnecting, StateAttaching, StateAttached:
			m.mu.Unlock()
			return nil
		}
		// Same conversation, dead state: keep reconciler, fresh channel.
		old := m.teardownChannelLocked()
		m.reconnects = 0
		gen := m.generation
		notify := m.setStateLocked(StateConnecting)
		m.mu.Unlock()

		closeChannel(old)
		notify()
		go m.attempt(gen, conversationID)
		return nil
	}

	old := m.teardownChannelLocked()
	m.conversationID = conversationID
	m.reconnects = 0
	m.recon.Reset(conversationID)
	m.presence.Reset(conversationID)
	gen := m.generation
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	closeChannel(old)
	notify()
	go m.attempt(gen, conversationID)
	return nil
}

// Detach releases the channel, all timers and the polling fallback. It is
// safe to call repeatedly and never errors.
func (m *ConnectionManager) Detach() {
	if m == nil {
		return
	}

	m.mu.Lock()
	old := m.teardownChannelLocked()
	m.conversationID = ""
	notify := m.setStateLocked(StateIdle)
	m.mu.Unlock()

	closeChannel(old)
	notify()
}

// ManualReconnect resets backoff and forces a fresh attach attempt for the
// current conversation. Used for the user-facing retry affordance and for
// transport-level reconnect signals. No-op when nothing is attached.
func (m *ConnectionManager) ManualReconnect() {
	if m == nil {
		return
	}

	m.mu.Lock()
	convID := m.conversationID
	if convID == "" {
		m.mu.Unlock()
		return
	}
	old := m.teardownChannelLocked()
	m.reconnects = 0
	gen := m.generation
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	closeChannel(old)
	notify()
	go m.attempt(gen, convID)
}

// CurrentState returns the connection state.
func (m *ConnectionManager) CurrentState() ConnState {
	if m == nil {
		return StateIdle
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentConversation returns the conversation the manager serves, if any.
func (m *ConnectionManager) CurrentConversation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversationID
}

// PublishMessage sends a notify-only message event over the live channel.
// When the channel is not attached this is a silent no-op: the durable write
// already happened at the send endpoint and poll/gap-fill covers delivery.
func (m *ConnectionManager) PublishMessage(ctx context.Context, p v1.MessagePayload) error {
	ch, convID, ok := m.liveChannel()
	if !ok {
		return nil
	}
	p.ConversationID = convID
	env, err := buildEnvelope(v1.TypeMessage, convID, p, m.clock.Now())
	if err != nil {
		return err
	}
	return ch.Publish(ctx, env)
}

// PublishTyping sends a fire-and-forget typing signal. Silent no-op when not
// attached.
func (m *ConnectionManager) PublishTyping(ctx context.Context, typing bool) error {
	ch, convID, ok := m.liveChannel()
	if !ok {
		return nil
	}
	env, err := buildEnvelope(v1.TypeTyping, convID, v1.TypingPayload{
		ConversationID: convID,
		SenderID:       m.cfg.UserID,
		Typing:         typing,
	}, m.clock.Now())
	if err != nil {
		return err
	}
	return ch.Publish(ctx, env)
}

// ---- attach attempt ----

// attempt runs one full attach cycle: safety timer, token fetch, dial, event
// loop. gen pins it to the lifecycle epoch that started it.
func (m *ConnectionManager) attempt(gen uint64, conversationID string) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	// Safety timeout covers the whole window: token fetch, dial, attach
	// confirmation. Cancelled on attached; a stale fire is generation-guarded.
	m.attachTimer = m.clock.AfterFunc(m.cfg.AttachTimeout, func() {
		m.onAttachTimeout(gen)
	})
	m.mu.Unlock()

	tctx, tcancel := context.WithTimeout(context.Background(), m.cfg.TokenTimeout)
	tok, err := m.broker.MintToken(tctx, conversationID)
	tcancel()
	if err != nil {
		if errors.Is(err, ErrTokenDenied) {
			m.fail(gen, err)
			return
		}
		m.onChannelClosed(gen, err)
		return
	}

	dctx, dcancel := context.WithTimeout(context.Background(), m.cfg.AttachTimeout)
	ch, err := m.dial(dctx, m.cfg, conversationID, tok.Value)
	dcancel()
	if err != nil {
		m.onChannelClosed(gen, err)
		return
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		closeChannel(ch)
		return
	}
	m.channel = ch
	notify := m.setStateLocked(StateAttaching)
	m.mu.Unlock()
	notify()

	m.eventLoop(gen, ch)
}

func (m *ConnectionManager) eventLoop(gen uint64, ch Channel) {
	for ev := range ch.Events() {
		if !m.isCurrent(gen) {
			return
		}
		switch ev.kind {
		case evAttached:
			m.onAttached(gen)
		case evEnvelope:
			m.dispatch(gen, ev.env)
		case evClosed:
			m.onChannelClosed(gen, ev.err)
			return
		}
	}
}

func (m *ConnectionManager) onAttached(gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked()
	m.stopPollingLocked()
	m.reconnects = 0
	notify := m.setStateLocked(StateAttached)
	m.mu.Unlock()
	notify()

	// Skipped on the very first attach for this conversation; the initial
	// load covers it. Later attaches recover the gap from the high-water mark.
	m.recon.OnAttached(context.Background())
}

func (m *ConnectionManager) onChannelClosed(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.channel = nil
	m.stopTimersLocked()
	m.reconnects++

	if m.reconnects > m.cfg.MaxReconnects {
		// Recovery exhausted: park in suspended, keep data flowing by polling.
		m.generation++
		suspendedConv := m.conversationID
		notify := m.setStateLocked(StateSuspended)
		m.startPollingLocked()
		m.mu.Unlock()
		notify()
		m.log.Warn("chatclient.conn.suspended",
			"conversation_id", suspendedConv, "attempts", m.cfg.MaxReconnects, "err", cause)
		return
	}

	convID := m.conversationID
	attempt := m.reconnects
	delay := m.backoff(attempt)
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		m.retry(gen, convID)
	})
	notify := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	notify()

	m.log.Info("chatclient.conn.disconnected",
		"conversation_id", convID, "attempt", attempt, "retry_in", delay, "err", cause)
}

func (m *ConnectionManager) retry(gen uint64, conversationID string) {
	m.mu.Lock()
	if gen != m.generation || conversationID != m.conversationID {
		m.mu.Unlock()
		return
	}
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	notify()

	m.attempt(gen, conversationID)
}

// onAttachTimeout force-suspends a stuck attach and switches the session onto
// the polling fallback so the UI is never silently frozen.
func (m *ConnectionManager) onAttachTimeout(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state == StateAttached {
		m.mu.Unlock()
		return
	}
	// Orphan the in-flight attempt: any late channel event is stale now.
	m.generation++
	old := m.channel
	m.channel = nil
	m.attachTimer = nil
	convID := m.conversationID
	notify := m.setStateLocked(StateSuspended)
	m.startPollingLocked()
	m.mu.Unlock()

	closeChannel(old)
	notify()
	m.log.Warn("chatclient.attach.timeout", "conversation_id", convID, "timeout", m.cfg.AttachTimeout)
}

func (m *ConnectionManager) fail(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	// Orphan any live channel: its close event must not restart the
	// reconnect cycle out of failed.
	m.generation++
	m.stopTimersLocked()
	old := m.channel
	m.channel = nil
	convID := m.conversationID
	notify := m.setStateLocked(StateFailed)
	m.mu.Unlock()

	closeChannel(old)
	notify()
	m.log.Error("chatclient.conn.failed", "conversation_id", convID, "err", cause)
}

// ---- inbound dispatch ----

func (m *ConnectionManager) dispatch(gen uint64, env v1.Envelope) {
	switch env.Type {
	case v1.TypeMessage:
		var p v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			m.log.Warn("chatclient.envelope.decode.fail", "type", env.Type, "err", err)
			return
		}
		m.recon.Ingest(p)

	case v1.TypeTyping:
		var p v1.TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		m.presence.HandleTyping(p.SenderID, p.Typing)

	case v1.TypePresenceEnter:
		var p v1.PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		m.presence.HandleEnter(p.UserID)

	case v1.TypePresenceLeave:
		var p v1.PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		m.presence.HandleLeave(p.UserID)

	case v1.TypePresenceSync:
		var p v1.PresenceSyncPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		m.presence.HandleSync(p.UserIDs)

	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		if isAuthErrorCode(p.Code) {
			// The gateway refused the credential itself: redialing with the
			// same token cannot succeed. Drop the cached token so the next
			// user-driven attach mints a fresh one, and park in failed.
			m.invalidateToken(m.CurrentConversation())
			m.fail(gen, fmt.Errorf("chatclient: channel denied: %s", p.Code))
			return
		}
		m.log.Warn("chatclient.server.error", "code", p.Code, "message", p.Message)
	}
}

// isAuthErrorCode reports whether a server error code means the credential
// itself was rejected, which is transport-fatal.
func isAuthErrorCode(code string) bool {
	switch code {
	case "attach_denied", "forbidden", "unauthorized":
		return true
	}
	return false
}

// invalidateToken drops the broker's cached token for conversationID when the
// broker supports cache invalidation.
func (m *ConnectionManager) invalidateToken(conversationID string) {
	if conversationID == "" {
		return
	}
	if inv, ok := m.broker.(interface{ Invalidate(conversationID string) }); ok {
		inv.Invalidate(conversationID)
	}
}

// ---- polling fallback ----

// startPollingLocked begins the fixed-interval store sweep. Idempotent; the
// caller holds m.mu.
func (m *ConnectionManager) startPollingLocked() {
	if m.pollCancel != nil || m.history == nil || m.conversationID == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.pollCancel = cancel
	go m.pollLoop(ctx, m.conversationID)
}

func (m *ConnectionManager) stopPollingLocked() {
	if m.pollCancel != nil {
		m.pollCancel()
		m.pollCancel = nil
	}
}

func (m *ConnectionManager) pollLoop(ctx context.Context, conversationID string) {
	// Immediate sweep, then fixed interval. Polling is the degraded path
	// already, so no backoff is layered on top of it.
	m.sweep(ctx, conversationID)

	t := time.NewTicker(m.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweep(ctx, conversationID)
		}
	}
}

func (m *ConnectionManager) sweep(ctx context.Context, conversationID string) {
	msgs, err := m.history.ListSince(ctx, conversationID, m.recon.Mark())
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn("chatclient.poll.fail", "conversation_id", conversationID, "err", err)
		}
		return
	}
	m.recon.IngestBatch(msgs)
}

// ---- internals ----

// teardownChannelLocked invalidates the current lifecycle epoch and clears
// timers and polling. The caller holds m.mu and must Close the returned
// channel after unlocking.
func (m *ConnectionManager) teardownChannelLocked() Channel {
	m.generation++
	m.stopTimersLocked()
	m.stopPollingLocked()
	old := m.channel
	m.channel = nil
	return old
}

func (m *ConnectionManager) stopTimersLocked() {
	if m.attachTimer != nil {
		m.attachTimer.Stop()
		m.attachTimer = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *ConnectionManager) setStateLocked(s ConnState) func() {
	if m.state == s {
		return func() {}
	}
	m.state = s
	h := m.handlers
	return func() { h.stateChange(s) }
}

func (m *ConnectionManager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation
}

func (m *ConnectionManager) liveChannel() (Channel, string, bool) {
	if m == nil {
		return nil, "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAttached || m.channel == nil {
		return nil, "", false
	}
	return m.channel, m.conversationID, true
}

func (m *ConnectionManager) backoff(attempt int) time.Duration {
	d := m.cfg.ReconnectMin << (attempt - 1)
	if d > m.cfg.ReconnectMax || d <= 0 {
		d = m.cfg.ReconnectMax
	}
	// Quarter jitter spreads herds of reconnecting clients.
	j := time.Duration(rand.Int64N(int64(d)/4 + 1))
	return d + j
}

func closeChannel(ch Channel) {
	if ch != nil {
		_ = ch.Close()
	}
}
