package chatapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds tunables for the chat HTTP API.
type Config struct {
	// MaxBodyBytes caps request body size for JSON endpoints.
	MaxBodyBytes int64

	// TokenTTL is the lifetime of minted capability tokens.
	TokenTTL time.Duration

	// IdentityHeader names the trusted header carrying the authenticated user
	// id. The fronting auth layer strips and re-sets this header; the chat API
	// never sees raw credentials.
	IdentityHeader string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:   64 << 10, // 64 KiB
		TokenTTL:       time.Hour,
		IdentityHeader: "X-Fitlink-User-ID",
	}
}

// ConfigFromEnv loads Config from FITLINK_API_* env vars, falling back to defaults.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("FITLINK_API_MAX_BODY_BYTES")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("FITLINK_API_TOKEN_TTL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.TokenTTL = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("FITLINK_API_IDENTITY_HEADER")); v != "" {
		cfg.IdentityHeader = v
	}

	return cfg
}
