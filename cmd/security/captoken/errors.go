package captoken

import "errors"

// Public, stable errors for callers.
var (
	ErrHMACKeyMissing  = errors.New("captoken: HMAC key missing")
	ErrHMACKeyTooShort = errors.New("captoken: HMAC key too short")

	ErrMalformed            = errors.New("captoken: malformed token")
	ErrBadSignature         = errors.New("captoken: signature mismatch")
	ErrExpired              = errors.New("captoken: token expired")
	ErrConversationMismatch = errors.New("captoken: conversation not granted")
	ErrCapabilityDenied     = errors.New("captoken: capability not granted")
)
