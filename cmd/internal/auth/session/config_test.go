package session

import (
	"strings"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

func TestLoadConfigFromEnv_MissingSecretKey(t *testing.T) {
	t.Setenv("TETHER_PASETO_V4_SECRET_KEY_HEX", "")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig on missing secret, got %v", err)
	}
}

func TestLoadConfigFromEnv_InvalidDurations(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	t.Setenv("TETHER_PASETO_V4_SECRET_KEY_HEX", secret.ExportHex())
	t.Setenv("TETHER_AUTH_ACCESS_TTL", "-5m")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig for negative duration, got %v", err)
	}
}

func TestLoadConfigFromEnv_InvalidRefreshTokenBytes(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	t.Setenv("TETHER_PASETO_V4_SECRET_KEY_HEX", secret.ExportHex())
	t.Setenv("TETHER_AUTH_REFRESH_TOKEN_BYTES", "16")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig for small refresh bytes, got %v", err)
	}
}

func TestLoadConfigFromEnv_InvalidTTLOrder(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	t.Setenv("TETHER_PASETO_V4_SECRET_KEY_HEX", secret.ExportHex())
	t.Setenv("TETHER_AUTH_REFRESH_TTL", "720h")
	t.Setenv("TETHER_AUTH_REFRESH_TTL_REMEMBER_ME", "72h")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig for remember-me shorter than default, got %v", err)
	}
}

func TestLoadConfigFromEnv_AccessOutlivesRefresh(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	t.Setenv("TETHER_PASETO_V4_SECRET_KEY_HEX", secret.ExportHex())
	t.Setenv("TETHER_AUTH_ACCESS_TTL", "48h")
	t.Setenv("TETHER_AUTH_REFRESH_TTL", "24h")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoadConfigFromEnv_JWT(t *testing.T) {
	t.Setenv("TETHER_PASETO_V4_SECRET_KEY_HEX", "")
	t.Setenv("TETHER_AUTH_TOKEN_FORMAT", "JWT")

	t.Setenv("TETHER_JWT_SECRET", "too-short")
	if _, err := LoadConfigFromEnv(); err != ErrConfig {
		t.Fatalf("expected ErrConfig for short jwt secret, got %v", err)
	}

	t.Setenv("TETHER_JWT_SECRET", strings.Repeat("s", 32))
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TokenFormat != FormatJWT {
		t.Fatalf("format mismatch: %q", cfg.TokenFormat)
	}
}

func TestLoadConfigFromEnv_UnknownFormat(t *testing.T) {
	t.Setenv("TETHER_PASETO_V4_SECRET_KEY_HEX", paseto.NewV4AsymmetricSecretKey().ExportHex())
	t.Setenv("TETHER_AUTH_TOKEN_FORMAT", "saml")
	if _, err := LoadConfigFromEnv(); err != ErrConfig {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoadConfigFromEnv_Valid(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	t.Setenv("TETHER_PASETO_V4_SECRET_KEY_HEX", secret.ExportHex())
	t.Setenv("TETHER_AUTH_ISSUER", "tether-test")
	t.Setenv("TETHER_AUTH_ACCESS_TTL", "10m")
	t.Setenv("TETHER_AUTH_REFRESH_TTL", "48h")
	t.Setenv("TETHER_AUTH_REFRESH_TTL_REMEMBER_ME", "720h")
	t.Setenv("TETHER_AUTH_CLOCK_SKEW", "20s")
	t.Setenv("TETHER_AUTH_REFRESH_TOKEN_BYTES", "48")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Issuer != "tether-test" {
		t.Fatalf("issuer mismatch: %q", cfg.Issuer)
	}
	if cfg.AccessTokenTTL != 10*time.Minute {
		t.Fatalf("access ttl mismatch: %v", cfg.AccessTokenTTL)
	}
	if cfg.RefreshTTL != 48*time.Hour {
		t.Fatalf("refresh ttl mismatch: %v", cfg.RefreshTTL)
	}
	if cfg.RefreshTTLRememberMe != 720*time.Hour {
		t.Fatalf("remember-me ttl mismatch: %v", cfg.RefreshTTLRememberMe)
	}
	if cfg.ClockSkew != 20*time.Second {
		t.Fatalf("clock skew mismatch: %v", cfg.ClockSkew)
	}
	if cfg.RefreshTokenBytes != 48 {
		t.Fatalf("refresh token bytes mismatch: %d", cfg.RefreshTokenBytes)
	}
	if cfg.TokenFormat != FormatPaseto {
		t.Fatalf("format mismatch: %q", cfg.TokenFormat)
	}
}
