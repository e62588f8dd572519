package session

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
)

// maxRefreshTokenLen bounds presented refresh tokens before hashing.
const maxRefreshTokenLen = 4096

func newOpaqueRefreshToken(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	// URL-safe, no padding.
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// cleanRefreshToken trims a presented token and rejects pathological input.
func cleanRefreshToken(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > maxRefreshTokenLen {
		return "", false
	}
	return s, true
}
