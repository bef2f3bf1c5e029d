package captoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// HMACEnvKey is the env var name for the token HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "FITLINK_TOKEN_HMAC_KEY"

	// MinKeyBytes is the enforced minimum signing key length.
	MinKeyBytes = 32

	// DefaultTTL bounds token lifetime when the minter does not specify one.
	DefaultTTL = 1 * time.Hour
)

// Capability names granted by a token.
const (
	CapSubscribe = "subscribe"
	CapPublish   = "publish"
	CapPresence  = "presence"
	CapHistory   = "history"
)

// AllCapabilities is the standard grant for a verified conversation participant.
func AllCapabilities() []string {
	return []string{CapSubscribe, CapPublish, CapPresence, CapHistory}
}

// Claims is the signed content of a capability token.
type Claims struct {
	KeyName        string   `json:"key_name"`
	ClientID       string   `json:"client_id"`
	ConversationID string   `json:"conversation_id"`
	Capabilities   []string `json:"capabilities"`
	IssuedAtMS     int64    `json:"issued_at_ms"`
	TTLMS          int64    `json:"ttl_ms"`
	Nonce          string   `json:"nonce"`
}

// ExpiresAt returns the absolute expiry instant.
func (c Claims) ExpiresAt() time.Time {
	return time.UnixMilli(c.IssuedAtMS).Add(time.Duration(c.TTLMS) * time.Millisecond)
}

// HasCapability reports whether cap was granted.
func (c Claims) HasCapability(capability string) bool {
	for _, g := range c.Capabilities {
		if g == capability {
			return true
		}
	}
	return false
}

// canonicalString is the exact byte sequence the MAC covers.
// Field order is wire-stable; changing it invalidates all issued tokens.
func canonicalString(c Claims) string {
	return strings.Join([]string{
		c.KeyName,
		strconv.FormatInt(c.TTLMS, 10),
		strings.Join(c.Capabilities, ","),
		c.ClientID,
		c.ConversationID,
		strconv.FormatInt(c.IssuedAtMS, 10),
		c.Nonce,
	}, "\n")
}

func sign(c Claims, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(canonicalString(c)))
	return hex.EncodeToString(m.Sum(nil))
}

// Mint issues a signed capability token for the given claims.
// Zero-value TTL falls back to DefaultTTL; zero IssuedAtMS uses now.
func Mint(c Claims, key []byte, now time.Time) (string, error) {
	if len(key) == 0 {
		return "", ErrHMACKeyMissing
	}
	if len(key) < MinKeyBytes {
		return "", ErrHMACKeyTooShort
	}
	if strings.TrimSpace(c.ClientID) == "" || strings.TrimSpace(c.ConversationID) == "" {
		return "", fmt.Errorf("captoken: missing client or conversation id")
	}

	if c.TTLMS <= 0 {
		c.TTLMS = DefaultTTL.Milliseconds()
	}
	if c.IssuedAtMS == 0 {
		if now.IsZero() {
			now = time.Now().UTC()
		}
		c.IssuedAtMS = now.UnixMilli()
	}
	if len(c.Capabilities) == 0 {
		c.Capabilities = AllCapabilities()
	}

	body, err := json.Marshal(c)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(body) + "." + sign(c, key), nil
}

// Verify checks signature and expiry and returns the embedded claims.
// It fails closed on any structural or cryptographic mismatch.
func Verify(token string, key []byte, now time.Time) (Claims, error) {
	if len(key) == 0 {
		return Claims{}, ErrHMACKeyMissing
	}
	if len(key) < MinKeyBytes {
		return Claims{}, ErrHMACKeyTooShort
	}

	dot := strings.LastIndexByte(token, '.')
	if dot <= 0 || dot == len(token)-1 {
		return Claims{}, ErrMalformed
	}

	body, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return Claims{}, ErrMalformed
	}

	var c Claims
	if err := json.Unmarshal(body, &c); err != nil {
		return Claims{}, ErrMalformed
	}
	if c.ClientID == "" || c.ConversationID == "" || c.IssuedAtMS <= 0 || c.TTLMS <= 0 {
		return Claims{}, ErrMalformed
	}

	want := sign(c, key)
	if !hmac.Equal([]byte(want), []byte(token[dot+1:])) {
		return Claims{}, ErrBadSignature
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}
	if now.After(c.ExpiresAt()) {
		return Claims{}, ErrExpired
	}

	return c, nil
}

// VerifyForChannel verifies token and additionally enforces that it grants
// capability on conversationID. This is the gateway's fail-closed entry point.
func VerifyForChannel(token string, key []byte, conversationID, capability string, now time.Time) (Claims, error) {
	c, err := Verify(token, key, now)
	if err != nil {
		return Claims{}, err
	}
	if c.ConversationID != conversationID {
		return Claims{}, ErrConversationMismatch
	}
	if !c.HasCapability(capability) {
		return Claims{}, ErrCapabilityDenied
	}
	return c, nil
}

// KeyFromEnv returns the configured HMAC key bytes (trimmed), enforcing the
// minimum byte length.
func KeyFromEnv() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if len(b) < MinKeyBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}
