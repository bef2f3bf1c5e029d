// Package chatapi exposes the chat HTTP endpoints: conversation get-or-create,
// capability token minting, durable message send, history/gap-fill reads, read
// receipts and presence snapshots.
//
// The send endpoint is the only write path for messages. Realtime delivery is
// notify-only: after the durable insert succeeds, the publish to attached
// sockets is best-effort and a failure never turns into a client error.
package chatapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fitlink/cmd/internal/chat"
	"fitlink/cmd/internal/ids"
	"fitlink/cmd/internal/metrics"
	"fitlink/cmd/security/captoken"
	v1 "fitlink/shared/contracts/chat/v1"
)

// Handler wires the chat HTTP endpoints to the store and the realtime fanout.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	store    chat.Store
	pub      chat.Publisher
	presence chat.PresenceStore
	macKey   []byte

	now func() time.Time
}

// NewHandler constructs a chat API handler. pub and presence may be nil; the
// send endpoint then skips realtime notification and the presence endpoint
// reports empty snapshots.
func NewHandler(log *slog.Logger, cfg Config, store chat.Store, pub chat.Publisher, presence chat.PresenceStore, macKey []byte) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		return nil, errors.New("chatapi: nil store")
	}
	if len(macKey) < captoken.MinKeyBytes {
		return nil, captoken.ErrHMACKeyTooShort
	}

	return &Handler{
		log:      log,
		cfg:      cfg,
		store:    store,
		pub:      pub,
		presence: presence,
		macKey:   macKey,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/conversations", h.handleCreateConversation)
	mux.HandleFunc("POST /v1/conversations/{id}/token", h.handleMintToken)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", h.handleSendMessage)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", h.handleListMessages)
	mux.HandleFunc("POST /v1/conversations/{id}/read", h.handleMarkRead)
	mux.HandleFunc("GET /v1/conversations/{id}/presence", h.handlePresence)
}

// ---- handlers ----

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}

	var req createConversationRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	peerID := strings.TrimSpace(req.PeerID)
	if peerID == "" || peerID == userID {
		writeError(w, http.StatusBadRequest, "invalid_request", "peer_id must name another user")
		return
	}

	conv, err := h.store.GetOrCreateConversation(r.Context(), userID, peerID, h.now())
	if err != nil {
		if errors.Is(err, chat.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid participants")
			return
		}
		h.log.Error("chatapi.conversation.create.fail", "err", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

func (h *Handler) handleMintToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	convID := r.PathValue("id")

	member, err := h.store.IsParticipant(r.Context(), userID, convID)
	if err != nil {
		h.log.Error("chatapi.token.membership.fail", "err", err, "conversation_id", convID)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if !member {
		// Fail closed: non-participants get no token, and the response does
		// not reveal whether the conversation exists.
		metrics.TokensDenied.Inc()
		writeError(w, http.StatusForbidden, "forbidden", "not a participant")
		return
	}

	now := h.now()
	nonce, err := newNonce()
	if err != nil {
		h.log.Error("chatapi.token.nonce.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	claims := captoken.Claims{
		KeyName:        "fitlink-chat",
		ClientID:       userID,
		ConversationID: convID,
		Capabilities:   captoken.AllCapabilities(),
		IssuedAtMS:     now.UnixMilli(),
		TTLMS:          h.cfg.TokenTTL.Milliseconds(),
		Nonce:          nonce,
	}

	token, err := captoken.Mint(claims, h.macKey, now)
	if err != nil {
		h.log.Error("chatapi.token.mint.fail", "err", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	metrics.TokensIssued.Inc()
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:        token,
		ExpiresAt:    claims.ExpiresAt(),
		Capabilities: claims.Capabilities,
	})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	convID := r.PathValue("id")

	var req sendMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	text := strings.TrimSpace(req.Text)
	if text == "" && strings.TrimSpace(req.AttachmentURL) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "text or attachment_url is required")
		return
	}
	if len([]rune(text)) > chat.MaxMessageChars {
		writeError(w, http.StatusBadRequest, "message_too_long", "message exceeds max length")
		return
	}

	msg, err := h.store.InsertMessage(r.Context(), chat.InsertMessageInput{
		ConversationID: convID,
		SenderID:       userID,
		Text:           text,
		AttachmentURL:  strings.TrimSpace(req.AttachmentURL),
		Now:            h.now(),
	})
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrConversationNotFound):
			writeError(w, http.StatusNotFound, "not_found", "conversation not found")
		case errors.Is(err, chat.ErrNotParticipant):
			writeError(w, http.StatusForbidden, "forbidden", "not a participant")
		case errors.Is(err, chat.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid message")
		default:
			h.log.Error("chatapi.message.insert.fail", "err", err, "conversation_id", convID)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	metrics.MessagesSent.Inc()

	// Durable write succeeded; notify attached peers. A failed publish is
	// logged and counted but never surfaced: poll and gap-fill recover it.
	h.notifyMessage(r.Context(), msg)

	writeJSON(w, http.StatusOK, toMessageResponse(msg))
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	convID := r.PathValue("id")

	member, err := h.store.IsParticipant(r.Context(), userID, convID)
	if err != nil {
		h.log.Error("chatapi.messages.membership.fail", "err", err, "conversation_id", convID)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "forbidden", "not a participant")
		return
	}

	limit := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	var msgs []chat.Message
	if v := strings.TrimSpace(r.URL.Query().Get("since")); v != "" {
		since, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "since must be RFC3339")
			return
		}
		msgs, err = h.store.ListMessagesSince(r.Context(), convID, since, limit)
		if err != nil {
			h.listError(w, err, convID)
			return
		}
	} else {
		msgs, err = h.store.ListMessages(r.Context(), convID, limit)
		if err != nil {
			h.listError(w, err, convID)
			return
		}
	}

	writeJSON(w, http.StatusOK, toMessagesResponse(msgs))
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	convID := r.PathValue("id")

	n, err := h.store.MarkRead(r.Context(), convID, userID, h.now())
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrConversationNotFound):
			writeError(w, http.StatusNotFound, "not_found", "conversation not found")
		case errors.Is(err, chat.ErrNotParticipant):
			writeError(w, http.StatusForbidden, "forbidden", "not a participant")
		default:
			h.log.Error("chatapi.read.fail", "err", err, "conversation_id", convID)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, markReadResponse{Updated: n})
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	convID := r.PathValue("id")

	member, err := h.store.IsParticipant(r.Context(), userID, convID)
	if err != nil {
		h.log.Error("chatapi.presence.membership.fail", "err", err, "conversation_id", convID)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "forbidden", "not a participant")
		return
	}

	var members []string
	if h.presence != nil {
		members, err = h.presence.Members(r.Context(), convID, h.now())
		if err != nil {
			h.log.Error("chatapi.presence.fail", "err", err, "conversation_id", convID)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
	}
	if members == nil {
		members = []string{}
	}

	writeJSON(w, http.StatusOK, presenceResponse{
		ConversationID: convID,
		UserIDs:        members,
	})
}

// ---- helpers ----

// identify resolves the caller from the trusted identity header.
func (h *Handler) identify(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(h.cfg.IdentityHeader))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return "", false
	}
	return userID, true
}

func (h *Handler) listError(w http.ResponseWriter, err error, convID string) {
	switch {
	case errors.Is(err, chat.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
	default:
		h.log.Error("chatapi.messages.list.fail", "err", err, "conversation_id", convID)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func (h *Handler) notifyMessage(ctx context.Context, msg chat.Message) {
	if h.pub == nil {
		return
	}

	env, err := messageEnvelope(msg, h.now())
	if err != nil {
		h.log.Error("chatapi.message.envelope.fail", "err", err, "message_id", msg.ID)
		metrics.PublishFailures.Inc()
		return
	}

	if err := h.pub.Publish(ctx, msg.ConversationID, env); err != nil {
		h.log.Warn("chatapi.message.publish.fail", "err", err, "message_id", msg.ID)
		metrics.PublishFailures.Inc()
	}
}

func messageEnvelope(msg chat.Message, now time.Time) (v1.Envelope, error) {
	payload := v1.MessagePayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		AttachmentURL:  msg.AttachmentURL,
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
		ReadAt:         msg.ReadAt,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}

	return v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessage,
		ID:      ids.MustULID(now),
		ConvID:  msg.ConversationID,
		TS:      now,
		Payload: raw,
	}, nil
}

func newNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
