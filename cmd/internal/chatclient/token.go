package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrTokenDenied means the token endpoint explicitly refused the caller.
// It is fatal for the current attach attempt; the manager parks in failed and
// does not retry without a fresh user action.
var ErrTokenDenied = errors.New("chatclient: capability token denied")

// Token is a capability-scoped realtime credential for one conversation.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the token is unusable at now.
func (t Token) Expired(now time.Time) bool {
	return t.Value == "" || !now.Before(t.ExpiresAt)
}

// TokenBroker mints capability tokens. The client treats it as an opaque
// async boundary with two outcomes: token issued, or denied/error.
type TokenBroker interface {
	MintToken(ctx context.Context, conversationID string) (Token, error)
}

// HTTPTokenBroker requests tokens from the chat API token endpoint.
//
// Tokens are cached per conversation but never used past their stated expiry;
// an expired cache entry forces a fresh request.
type HTTPTokenBroker struct {
	baseURL        string
	identityHeader string
	userID         string
	httpc          *http.Client
	now            func() time.Time

	mu    sync.Mutex
	cache map[string]Token
}

// NewHTTPTokenBroker constructs a broker against the chat API.
func NewHTTPTokenBroker(baseURL, identityHeader, userID string, timeout time.Duration) *HTTPTokenBroker {
	if timeout <= 0 {
		timeout = DefaultTokenTimeout
	}
	if identityHeader == "" {
		identityHeader = "X-Fitlink-User-ID"
	}
	return &HTTPTokenBroker{
		baseURL:        strings.TrimRight(baseURL, "/"),
		identityHeader: identityHeader,
		userID:         userID,
		httpc:          &http.Client{Timeout: timeout},
		now:            func() time.Time { return time.Now().UTC() },
		cache:          make(map[string]Token),
	}
}

type tokenWire struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MintToken returns a valid token for conversationID, reusing a cached one
// only while it is unexpired.
func (b *HTTPTokenBroker) MintToken(ctx context.Context, conversationID string) (Token, error) {
	if conversationID == "" {
		return Token{}, errors.New("chatclient: empty conversation id")
	}

	now := b.now()

	b.mu.Lock()
	cached, ok := b.cache[conversationID]
	b.mu.Unlock()
	// Refresh slightly early so an in-flight attach never races expiry.
	if ok && !cached.Expired(now.Add(30*time.Second)) {
		return cached, nil
	}

	url := fmt.Sprintf("%s/v1/conversations/%s/token", b.baseURL, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return Token{}, err
	}
	req.Header.Set(b.identityHeader, b.userID)

	resp, err := b.httpc.Do(req)
	if err != nil {
		return Token{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return Token{}, ErrTokenDenied
	default:
		return Token{}, fmt.Errorf("chatclient: token endpoint status %d", resp.StatusCode)
	}

	var wire tokenWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return Token{}, fmt.Errorf("chatclient: decode token response: %w", err)
	}
	if wire.Token == "" {
		return Token{}, errors.New("chatclient: empty token in response")
	}

	tok := Token{Value: wire.Token, ExpiresAt: wire.ExpiresAt}

	b.mu.Lock()
	b.cache[conversationID] = tok
	b.mu.Unlock()

	return tok, nil
}

// Invalidate drops any cached token for conversationID. The connection
// manager calls it when the gateway rejects the credential, so the next
// attach mints a fresh token instead of replaying the denied one.
func (b *HTTPTokenBroker) Invalidate(conversationID string) {
	b.mu.Lock()
	delete(b.cache, conversationID)
	b.mu.Unlock()
}
