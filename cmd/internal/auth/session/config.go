package session

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Access token formats.
const (
	FormatPaseto = "paseto"
	FormatJWT    = "jwt"
)

// minJWTSecretBytes is the smallest HS256 secret accepted.
const minJWTSecretBytes = 32

// Config defines runtime configuration for the refresh-token subsystem.
type Config struct {
	// Issuer is the value set in the "iss" claim of access tokens.
	Issuer string

	// AccessTokenTTL defines the lifetime of access tokens.
	AccessTokenTTL time.Duration

	// RefreshTTL is the refresh lifetime of a normal login.
	RefreshTTL time.Duration
	// RefreshTTLRememberMe is the refresh lifetime when the principal asked to be remembered.
	RefreshTTLRememberMe time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// RefreshTokenBytes defines the number of random bytes used
	// to generate opaque refresh tokens.
	RefreshTokenBytes int

	// TokenFormat selects the access-token manager: "paseto" or "jwt".
	TokenFormat string

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key
	// used to sign PASETO v4.public access tokens.
	PasetoV4SecretKeyHex string

	// JWTSecret is the HS256 key used when TokenFormat is "jwt".
	JWTSecret string
}

// DefaultConfig returns a secure default configuration suitable for development.
//
// Production environments should override values via environment variables.
func DefaultConfig() Config {
	return Config{
		Issuer:               "tether",
		AccessTokenTTL:       15 * time.Minute,
		RefreshTTL:           7 * 24 * time.Hour,
		RefreshTTLRememberMe: 30 * 24 * time.Hour,
		ClockSkew:            30 * time.Second,
		RefreshTokenBytes:    32,
		TokenFormat:          FormatPaseto,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - TETHER_PASETO_V4_SECRET_KEY_HEX (format "paseto")
//   - TETHER_JWT_SECRET (format "jwt", >= 32 bytes)
//
// Optional (durations must be valid Go duration strings):
//   - TETHER_AUTH_ISSUER
//   - TETHER_AUTH_ACCESS_TTL
//   - TETHER_AUTH_REFRESH_TTL
//   - TETHER_AUTH_REFRESH_TTL_REMEMBER_ME
//   - TETHER_AUTH_CLOCK_SKEW
//   - TETHER_AUTH_REFRESH_TOKEN_BYTES
//   - TETHER_AUTH_TOKEN_FORMAT
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("TETHER_AUTH_ISSUER"); v != "" {
		cfg.Issuer = v
	}

	durations := []struct {
		key       string
		dst       *time.Duration
		allowZero bool
	}{
		{"TETHER_AUTH_ACCESS_TTL", &cfg.AccessTokenTTL, false},
		{"TETHER_AUTH_REFRESH_TTL", &cfg.RefreshTTL, false},
		{"TETHER_AUTH_REFRESH_TTL_REMEMBER_ME", &cfg.RefreshTTLRememberMe, false},
		{"TETHER_AUTH_CLOCK_SKEW", &cfg.ClockSkew, true},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 || (parsed == 0 && !d.allowZero) {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	if v := os.Getenv("TETHER_AUTH_REFRESH_TOKEN_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 32 || n > 64 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTokenBytes = n
	}

	if v := os.Getenv("TETHER_AUTH_TOKEN_FORMAT"); v != "" {
		cfg.TokenFormat = strings.ToLower(strings.TrimSpace(v))
	}

	cfg.PasetoV4SecretKeyHex = os.Getenv("TETHER_PASETO_V4_SECRET_KEY_HEX")
	cfg.JWTSecret = os.Getenv("TETHER_JWT_SECRET")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants.
func (c Config) Validate() error {
	if c.AccessTokenTTL <= 0 || c.RefreshTTL <= 0 || c.RefreshTTLRememberMe <= 0 {
		return ErrConfig
	}
	// An access token must not outlive the refresh token it was minted with.
	if c.AccessTokenTTL >= c.RefreshTTL {
		return ErrConfig
	}
	if c.RefreshTTLRememberMe < c.RefreshTTL {
		return ErrConfig
	}
	if c.RefreshTokenBytes < 32 || c.RefreshTokenBytes > 64 {
		return ErrConfig
	}

	switch c.TokenFormat {
	case FormatPaseto:
		if c.PasetoV4SecretKeyHex == "" {
			return ErrConfig
		}
	case FormatJWT:
		if len(c.JWTSecret) < minJWTSecretBytes {
			return ErrConfig
		}
	default:
		return ErrConfig
	}
	return nil
}

func (c Config) refreshTTL(p Principal) time.Duration {
	if p.RememberMe {
		return c.RefreshTTLRememberMe
	}
	return c.RefreshTTL
}
