package chat

import "time"

// Security/performance limits for the chat gateway and stores.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// MaxMessageChars is the max message text length (runes).
	MaxMessageChars = 4000

	// MaxHistoryLimit is the max rows returned by a single history/gap-fill query.
	MaxHistoryLimit = 500
)

const (
	// Heartbeat defaults (can be overridden by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// How long a presence entry stays valid without a refresh.
	presenceTTL = 45 * time.Second
)
