package chatapi

import (
	"time"

	"fitlink/cmd/internal/chat"
)

// ---- requests ----

type createConversationRequest struct {
	PeerID string `json:"peer_id"`
}

type sendMessageRequest struct {
	Text          string `json:"text"`
	AttachmentURL string `json:"attachment_url,omitempty"`
}

// ---- responses ----

type conversationResponse struct {
	ID             string    `json:"id"`
	ParticipantA   string    `json:"participant_a"`
	ParticipantB   string    `json:"participant_b"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type tokenResponse struct {
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Capabilities []string  `json:"capabilities"`
}

type messageResponse struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Text           string     `json:"text"`
	AttachmentURL  string     `json:"attachment_url,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

type messagesResponse struct {
	Messages []messageResponse `json:"messages"`
}

type markReadResponse struct {
	Updated int64 `json:"updated"`
}

type presenceResponse struct {
	ConversationID string   `json:"conversation_id"`
	UserIDs        []string `json:"user_ids"`
}

// ---- converters ----

func toConversationResponse(c chat.Conversation) conversationResponse {
	return conversationResponse{
		ID:             c.ID,
		ParticipantA:   c.ParticipantA,
		ParticipantB:   c.ParticipantB,
		CreatedAt:      c.CreatedAt,
		LastActivityAt: c.LastActivityAt,
	}
}

func toMessageResponse(m chat.Message) messageResponse {
	return messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		AttachmentURL:  m.AttachmentURL,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		ReadAt:         m.ReadAt,
	}
}

func toMessagesResponse(msgs []chat.Message) messagesResponse {
	out := messagesResponse{Messages: make([]messageResponse, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, toMessageResponse(m))
	}
	return out
}
