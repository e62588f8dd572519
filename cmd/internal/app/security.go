package app

import (
	"errors"

	"tether/cmd/security/token"
)

// ValidateSecurityConfig enforces the refresh-token hashing policy at startup
// and returns the hasher the session service must use.
//
// Under TETHER_REQUIRE_TOKEN_HMAC=true a missing or short key is fatal; there
// is no fallback to plain SHA-256.
func ValidateSecurityConfig(cfg Config) (token.Hasher, error) {
	h, err := token.HasherFromEnv(cfg.RequireTokenHMAC)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return token.Hasher{}, errors.New("security policy: TETHER_REQUIRE_TOKEN_HMAC=true but TETHER_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return token.Hasher{}, errors.New("security policy: TETHER_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return token.Hasher{}, err
		}
	}

	if cfg.RequireTokenHMAC && !h.HMAC() {
		return token.Hasher{}, errors.New("security policy: TETHER_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}
	return h, nil
}
