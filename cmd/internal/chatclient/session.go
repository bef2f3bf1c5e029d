package chatclient

import (
	"log/slog"
)

// Session is a ready-to-use chat client for one user: transport strategy
// selected from config, token broker and history reader wired to the HTTP
// API, connection manager behind the push path.
type Session struct {
	Transport Transport
	Manager   *ConnectionManager // nil in polling mode
	Broker    TokenBroker
	History   HistoryReader
}

// NewSession wires a full client session from config. The transport strategy
// is fixed for the session's lifetime.
func NewSession(log *slog.Logger, cfg Config, handlers Handlers) *Session {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	broker := NewHTTPTokenBroker(cfg.BaseURL, "", cfg.UserID, cfg.TokenTimeout)
	history := NewHTTPHistoryReader(cfg.BaseURL, "", cfg.UserID, cfg.TokenTimeout)

	s := &Session{Broker: broker, History: history}

	if cfg.UsePolling {
		recon := NewReconciler(log, history, handlers.message)
		s.Transport = NewTransport(log, cfg, nil, history, recon)
		return s
	}

	mgr := NewConnectionManager(log, cfg, broker, history, handlers)
	s.Manager = mgr
	s.Transport = NewTransport(log, cfg, mgr, nil, nil)
	return s
}

// Close releases the push channel if one is live. Safe on any session.
func (s *Session) Close() {
	if s == nil {
		return
	}
	if s.Manager != nil {
		s.Manager.Detach()
	}
}
