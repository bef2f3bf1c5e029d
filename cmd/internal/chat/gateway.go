package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"fitlink/cmd/internal/ids"
	"fitlink/cmd/internal/metrics"
	"fitlink/cmd/security/captoken"
	v1 "fitlink/shared/contracts/chat/v1"
)

const (
	wsSubprotocolV1 = "fitlink.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	// How long the gateway waits for the initial attach frame.
	wsAttachDeadline = 10 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway is the WebSocket entrypoint for Fitlink chat.
//
// One socket serves exactly one conversation channel. The first client frame
// must be an attach envelope carrying a capability token; everything after
// attachment is notify-only relay (message, typing) plus server-driven
// presence events. Durable writes never happen here.
type Gateway struct {
	log      *slog.Logger
	hub      *Hub
	fanout   *Fanout
	presence PresenceStore
	macKey   []byte

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway with secure defaults.
// When hub/presence are nil, in-memory implementations are used for dev.
func NewGateway(log *slog.Logger, hub *Hub, fanout *Fanout, presence PresenceStore, macKey []byte) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if fanout == nil {
		fanout = NewFanout(log, hub, nil)
	}
	if presence == nil {
		presence = NewInMemoryPresence()
	}

	g := &Gateway{log: log, hub: hub, fanout: fanout, presence: presence, macKey: macKey}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("FITLINK_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("FITLINK_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("FITLINK_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("FITLINK_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("FITLINK_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("FITLINK_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("FITLINK_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("FITLINK_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("FITLINK_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("FITLINK_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the channel loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		metrics.WSAttachRejected.WithLabelValues("origin").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		metrics.WSAttachRejected.WithLabelValues("subprotocol").Inc()
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The first frame must attach the socket to exactly one conversation.
	sess, err := g.awaitAttach(ctx, conn)
	if err != nil {
		g.log.Info("ws.reject.attach", "err", err, "remote", r.RemoteAddr)
		metrics.WSAttachRejected.WithLabelValues("attach").Inc()
		_ = writeEnvelope(ctx, conn, g.errorEnvelope("attach_denied", err.Error()), g.writeTimeout)
		_ = conn.Close(websocket.StatusPolicyViolation, "attach denied")
		return
	}

	g.runSession(ctx, cancel, conn, sess)
}

// session is the per-socket state after a successful attach.
type session struct {
	conversationID string
	userID         string
	client         *Client
	channel        *Channel
}

func (g *Gateway) awaitAttach(parent context.Context, conn *websocket.Conn) (*session, error) {
	ctx, cancel := context.WithTimeout(parent, wsAttachDeadline)
	defer cancel()

	env, err := readEnvelope(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("read attach: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.Type != v1.TypeAttach {
		return nil, fmt.Errorf("expected %s, got %s", v1.TypeAttach, env.Type)
	}

	var p v1.AttachPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid attach payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return nil, errors.New("missing conversation_id")
	}

	// Fail closed: any token problem denies the attach.
	claims, err := captoken.VerifyForChannel(p.Token, g.macKey, convID, captoken.CapSubscribe, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	client := NewClient(claims.ClientID, ids.MustULID(now), g.sendQueueSize)

	ch := g.hub.GetOrCreateChannel(convID)
	ch.Join(client)

	return &session{
		conversationID: convID,
		userID:         claims.ClientID,
		client:         client,
		channel:        ch,
	}, nil
}

func (g *Gateway) runSession(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *session) {
	metrics.WSSessions.Inc()
	defer metrics.WSSessions.Dec()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: client.Send remains open and membership removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sess.channel.Leave(sess.client.SessionID)
			g.releasePresence(sess)

			sess.client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	if err := g.announcePresence(ctx, sess); err != nil {
		g.log.Warn("ws.presence.enter.fail", "conversation_id", sess.conversationID, "user_id", sess.userID, "err", err)
	}

	// Attach confirmation, then the presence snapshot.
	attached := g.newEnvelope(v1.TypeAttached, sess.conversationID, v1.AttachedPayload{
		ConversationID: sess.conversationID,
		SessionID:      sess.client.SessionID,
	})
	if !g.enqueue(ctx, sess.client, attached) {
		shutdown(websocket.StatusAbnormalClosure, "backpressure: attached")
		return
	}
	g.sendPresenceSync(ctx, sess)

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.client.Done():
				return
			case env := <-sess.client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sess.client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sess.client.SessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0

				// A live socket keeps the shared registry entry fresh.
				if err := g.presence.Enter(ctx, sess.conversationID, sess.userID, time.Now().UTC()); err != nil {
					g.log.Warn("ws.presence.refresh.fail", "user_id", sess.userID, "err", err)
				}
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, sess.client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sess.client.SessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, sess.client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, sess.client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeMessage:
			if err := g.onMessage(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess.client, "message_rejected", err.Error())
				continue readLoop
			}

		case v1.TypeTyping:
			if err := g.onTyping(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess.client, "typing_rejected", err.Error())
				continue readLoop
			}

		case v1.TypeAttach:
			// One socket, one channel. Switching conversations means a new socket.
			g.trySendError(ctx, sess.client, "already_attached", "detach and reconnect to switch conversations")

		default:
			g.trySendError(ctx, sess.client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

// onMessage relays a notify-only message event to the other members.
// The durable write already happened at the send endpoint; a malformed or
// missized relay is rejected without touching anything durable.
func (g *Gateway) onMessage(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if p.ConversationID != sess.conversationID {
		return errors.New("conversation mismatch")
	}
	if p.SenderID != sess.userID {
		return errors.New("sender mismatch")
	}
	if strings.TrimSpace(p.MessageID) == "" {
		return errors.New("missing message_id")
	}
	if len([]rune(p.Text)) > MaxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", MaxMessageChars)
	}

	env.ConvID = sess.conversationID
	return g.fanout.PublishExcept(ctx, sess.conversationID, env, sess.client.SessionID)
}

// onTyping relays an ephemeral typing signal to the other members.
func (g *Gateway) onTyping(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if p.ConversationID != sess.conversationID {
		return errors.New("conversation mismatch")
	}
	if p.SenderID != sess.userID {
		return errors.New("sender mismatch")
	}

	env.ConvID = sess.conversationID
	return g.fanout.PublishExcept(ctx, sess.conversationID, env, sess.client.SessionID)
}

// ---- presence ----

func (g *Gateway) announcePresence(ctx context.Context, sess *session) error {
	if err := g.presence.Enter(ctx, sess.conversationID, sess.userID, time.Now().UTC()); err != nil {
		return err
	}

	enter := g.newEnvelope(v1.TypePresenceEnter, sess.conversationID, v1.PresencePayload{
		ConversationID: sess.conversationID,
		UserID:         sess.userID,
	})
	return g.fanout.PublishExcept(ctx, sess.conversationID, enter, sess.client.SessionID)
}

func (g *Gateway) sendPresenceSync(ctx context.Context, sess *session) {
	members, err := g.presence.Members(ctx, sess.conversationID, time.Now().UTC())
	if err != nil {
		g.log.Warn("ws.presence.sync.fail", "conversation_id", sess.conversationID, "err", err)
		return
	}

	sync := g.newEnvelope(v1.TypePresenceSync, sess.conversationID, v1.PresenceSyncPayload{
		ConversationID: sess.conversationID,
		UserIDs:        members,
	})
	_ = g.enqueue(ctx, sess.client, sync)
}

// releasePresence runs during shutdown; it uses a fresh context because the
// session context is already cancelled by then.
func (g *Gateway) releasePresence(sess *session) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := g.presence.Leave(ctx, sess.conversationID, sess.userID); err != nil {
		g.log.Warn("ws.presence.leave.fail", "user_id", sess.userID, "err", err)
	}

	leave := g.newEnvelope(v1.TypePresenceLeave, sess.conversationID, v1.PresencePayload{
		ConversationID: sess.conversationID,
		UserID:         sess.userID,
	})
	if err := g.fanout.PublishExcept(ctx, sess.conversationID, leave, sess.client.SessionID); err != nil {
		g.log.Warn("ws.presence.leave.publish.fail", "user_id", sess.userID, "err", err)
	}
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	_ = g.enqueue(ctx, client, g.errorEnvelope(code, msg))
}

func (g *Gateway) errorEnvelope(code, msg string) v1.Envelope {
	return g.newEnvelope(v1.TypeError, "", v1.ErrorPayload{Code: code, Message: msg})
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func (g *Gateway) newEnvelope(typ, convID string, payload any) v1.Envelope {
	now := time.Now().UTC()
	raw, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(now),
		ConvID:  convID,
		TS:      now,
		Payload: raw,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
