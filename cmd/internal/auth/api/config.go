package authapi

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultRefreshCookieName = "tether_refresh_token"
	defaultCSRFCookieName    = "tether_csrf_token"
	defaultCSRFHeaderName    = "X-CSRF-Token"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// Per-IP throttle on POST /auth/refresh.
	RefreshIPMax    int
	RefreshIPWindow time.Duration

	WebRefreshCookieEnabled bool
	RefreshCookieName       string
	CSRFCookieName          string
	CSRFHeaderName          string
	CookiePath              string
	CookieDomain            string
	CookieSecure            bool
	CookieSameSite          http.SameSite
}

// DefaultConfig returns the values LoadConfigFromEnv falls back to.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:            1 << 20, // 1 MiB
		RefreshIPMax:            30,
		RefreshIPWindow:         time.Minute,
		WebRefreshCookieEnabled: true,
		RefreshCookieName:       defaultRefreshCookieName,
		CSRFCookieName:          defaultCSRFCookieName,
		CSRFHeaderName:          defaultCSRFHeaderName,
		CookiePath:              "/auth",
		CookieSecure:            true,
		CookieSameSite:          http.SameSiteLaxMode,
	}
}

// LoadConfigFromEnv loads auth API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	cfg := Config{
		TrustProxy:              envBool("TETHER_AUTH_TRUST_PROXY", false),
		MaxBodyBytes:            envInt64("TETHER_AUTH_MAX_BODY_BYTES", def.MaxBodyBytes),
		RefreshIPMax:            envInt("TETHER_AUTH_REFRESH_IP_MAX", def.RefreshIPMax),
		RefreshIPWindow:         envDuration("TETHER_AUTH_REFRESH_IP_WINDOW", def.RefreshIPWindow),
		WebRefreshCookieEnabled: envBool("TETHER_AUTH_WEB_REFRESH_COOKIE", def.WebRefreshCookieEnabled),
		RefreshCookieName:       envString("TETHER_AUTH_REFRESH_COOKIE_NAME", def.RefreshCookieName),
		CSRFCookieName:          envString("TETHER_AUTH_CSRF_COOKIE_NAME", def.CSRFCookieName),
		CSRFHeaderName:          envString("TETHER_AUTH_CSRF_HEADER_NAME", def.CSRFHeaderName),
		CookiePath:              envString("TETHER_AUTH_COOKIE_PATH", def.CookiePath),
		CookieDomain:            envString("TETHER_AUTH_COOKIE_DOMAIN", ""),
		CookieSecure:            envBool("TETHER_AUTH_COOKIE_SECURE", def.CookieSecure),
		CookieSameSite:          parseSameSite(envString("TETHER_AUTH_COOKIE_SAMESITE", "lax")),
	}
	return cfg.normalize()
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.RefreshCookieName == "" {
		c.RefreshCookieName = def.RefreshCookieName
	}
	if c.CSRFCookieName == "" {
		c.CSRFCookieName = def.CSRFCookieName
	}
	// A shared name would let the readable CSRF cookie shadow the refresh cookie.
	if c.CSRFCookieName == c.RefreshCookieName {
		c.CSRFCookieName = c.RefreshCookieName + "_csrf"
	}
	if c.CSRFHeaderName == "" {
		c.CSRFHeaderName = def.CSRFHeaderName
	}
	if c.CookiePath == "" {
		c.CookiePath = def.CookiePath
	}
	// Browsers drop SameSite=None cookies without Secure.
	if c.CookieSameSite == http.SameSiteNoneMode {
		c.CookieSecure = true
	}
	return c
}

func parseSameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "default":
		return http.SameSiteDefaultMode
	default:
		return http.SameSiteLaxMode
	}
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
