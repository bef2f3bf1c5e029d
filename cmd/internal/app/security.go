package app

import (
	"errors"

	"fitlink/cmd/security/captoken"
)

// ValidateSecurityConfig enforces the token-signing policy at startup.
//
// Capability tokens fail closed: without a usable HMAC key the gateway would
// reject every attach and the API could not mint tokens, so a missing or weak
// key is a startup error rather than a degraded mode.
func ValidateSecurityConfig() ([]byte, error) {
	key, err := captoken.KeyFromEnv()
	if err != nil {
		switch {
		case errors.Is(err, captoken.ErrHMACKeyMissing):
			return nil, errors.New("security policy: " + captoken.HMACEnvKey + " is not set")
		case errors.Is(err, captoken.ErrHMACKeyTooShort):
			return nil, errors.New("security policy: " + captoken.HMACEnvKey + " is too short (min 32 bytes)")
		default:
			return nil, err
		}
	}
	return key, nil
}
