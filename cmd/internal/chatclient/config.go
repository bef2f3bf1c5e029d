package chatclient

import "time"

// Defaults for client tunables.
const (
	// DefaultAttachTimeout bounds how long the manager waits for a channel to
	// reach attached before forcing suspended and starting the polling fallback.
	DefaultAttachTimeout = 6 * time.Second

	// DefaultTokenTimeout bounds the capability-token fetch.
	DefaultTokenTimeout = 10 * time.Second

	// DefaultPollInterval drives the polling transport and the suspended-mode
	// fallback sweep. Fixed interval: polling is already the degraded path, no
	// backoff is applied to it.
	DefaultPollInterval = 5 * time.Second

	// DefaultTypingTTL clears a remote typing indicator when no renewal
	// arrives.
	DefaultTypingTTL = 3 * time.Second

	// Reconnect backoff bounds for the push transport.
	DefaultReconnectMin = 500 * time.Millisecond
	DefaultReconnectMax = 15 * time.Second

	// DefaultMaxReconnects is how many consecutive automatic reconnect
	// attempts run before the manager gives up and parks in suspended.
	DefaultMaxReconnects = 5
)

// Config holds per-session client configuration.
//
// UsePolling selects the transport strategy once per session: false means the
// push (websocket) transport with gap-fill recovery, true means the
// fixed-interval polling loop. The flag is read at construction, not per
// operation.
type Config struct {
	// BaseURL is the chat HTTP API root, e.g. "https://api.fitlink.app".
	BaseURL string
	// WSURL is the websocket gateway URL, e.g. "wss://api.fitlink.app/ws".
	WSURL string
	// UserID is the local participant identity.
	UserID string

	UsePolling bool

	AttachTimeout time.Duration
	TokenTimeout  time.Duration
	PollInterval  time.Duration
	TypingTTL     time.Duration

	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
	MaxReconnects int
}

// withDefaults fills zero values with package defaults.
func (c Config) withDefaults() Config {
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = DefaultAttachTimeout
	}
	if c.TokenTimeout <= 0 {
		c.TokenTimeout = DefaultTokenTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = DefaultTypingTTL
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = DefaultReconnectMin
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	return c
}
