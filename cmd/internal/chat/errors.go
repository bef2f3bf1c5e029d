package chat

import "errors"

// Public, stable errors for callers.
var (
	ErrConversationNotFound = errors.New("chat: conversation not found")
	ErrNotParticipant       = errors.New("chat: not a conversation participant")
	ErrInvalidInput         = errors.New("chat: invalid input")
)
