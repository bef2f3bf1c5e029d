// Package captoken mints and verifies capability-scoped chat channel tokens.
//
// A token grants a single client time-bound rights (subscribe, publish,
// presence, history) on exactly one conversation channel. The signature is a
// keyed MAC (HMAC-SHA256) over a canonical string composed of key name, ttl,
// capability claims, client id, conversation id, issue timestamp, and nonce.
//
// Design goals:
//   - Fail closed: any parse, signature, expiry, scope, or capability mismatch
//     is an explicit verification error.
//   - Stable wire form: base64url(JSON claims) + "." + hex(MAC), so tokens are
//     safe in URLs and JSON payloads.
//   - Constant-time signature comparison.
//
// Environment:
//   - FITLINK_TOKEN_HMAC_KEY: the signing key. Verification policy requires
//     >= 32 bytes.
package captoken
