package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	v1 "fitlink/shared/contracts/chat/v1"
)

// HistoryReader is the relational read contract the reconciler and the polling
// transport depend on: full fetch ascending by creation time, and fetch-since
// by creation-or-update time ascending.
type HistoryReader interface {
	List(ctx context.Context, conversationID string) ([]v1.MessagePayload, error)
	ListSince(ctx context.Context, conversationID string, since time.Time) ([]v1.MessagePayload, error)
}

// HTTPHistoryReader reads message history from the chat API.
type HTTPHistoryReader struct {
	baseURL        string
	identityHeader string
	userID         string
	httpc          *http.Client
}

// NewHTTPHistoryReader constructs a reader against the chat API.
func NewHTTPHistoryReader(baseURL, identityHeader, userID string, timeout time.Duration) *HTTPHistoryReader {
	if timeout <= 0 {
		timeout = DefaultTokenTimeout
	}
	if identityHeader == "" {
		identityHeader = "X-Fitlink-User-ID"
	}
	return &HTTPHistoryReader{
		baseURL:        strings.TrimRight(baseURL, "/"),
		identityHeader: identityHeader,
		userID:         userID,
		httpc:          &http.Client{Timeout: timeout},
	}
}

// List fetches the full history, ascending by creation time.
func (r *HTTPHistoryReader) List(ctx context.Context, conversationID string) ([]v1.MessagePayload, error) {
	return r.fetch(ctx, conversationID, nil)
}

// ListSince fetches rows whose created or updated time is strictly greater
// than since, ascending by creation time.
func (r *HTTPHistoryReader) ListSince(ctx context.Context, conversationID string, since time.Time) ([]v1.MessagePayload, error) {
	return r.fetch(ctx, conversationID, &since)
}

type messagesWire struct {
	Messages []messageWire `json:"messages"`
}

type messageWire struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Text           string     `json:"text"`
	AttachmentURL  string     `json:"attachment_url,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

func (r *HTTPHistoryReader) fetch(ctx context.Context, conversationID string, since *time.Time) ([]v1.MessagePayload, error) {
	if conversationID == "" {
		return nil, errors.New("chatclient: empty conversation id")
	}

	u := fmt.Sprintf("%s/v1/conversations/%s/messages", r.baseURL, conversationID)
	if since != nil {
		q := url.Values{}
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(r.identityHeader, r.userID)

	resp, err := r.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chatclient: history endpoint status %d", resp.StatusCode)
	}

	var wire messagesWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("chatclient: decode history response: %w", err)
	}

	out := make([]v1.MessagePayload, 0, len(wire.Messages))
	for _, m := range wire.Messages {
		out = append(out, v1.MessagePayload{
			MessageID:      m.ID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			Text:           m.Text,
			AttachmentURL:  m.AttachmentURL,
			CreatedAt:      m.CreatedAt,
			UpdatedAt:      m.UpdatedAt,
			ReadAt:         m.ReadAt,
		})
	}
	return out, nil
}
