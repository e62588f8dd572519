// Package token provides refresh-token hashing for tether.
//
// Refresh tokens are bearer secrets and are never stored in plaintext. The
// store keeps a stable 64-char hex digest instead:
// - SHA-256(token) when no HMAC key is configured (dev).
// - HMAC-SHA256(token, key) when TETHER_TOKEN_HMAC_KEY is set.
//
// When TETHER_REQUIRE_TOKEN_HMAC=true the app refuses to start without a key
// of at least MinHMACKeyBytes.
package token
