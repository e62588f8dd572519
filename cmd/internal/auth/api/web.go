package authapi

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"tether/cmd/internal/auth/session"
	"tether/cmd/security/token"
)

// transportHeader selects how a browser session carries its refresh token.
//
// A request sending "X-Tether-Transport: cookie" on issuance or refresh gets
// the refresh token in an HTTP-only cookie scoped to CookiePath instead of
// the JSON body, plus a readable CSRF cookie whose value must be echoed in
// CSRFHeaderName on every later cookie-borne refresh or logout. Responses
// that moved the token into a cookie carry the same header back.
const transportHeader = "X-Tether-Transport"

const transportCookie = "cookie"

// cookieTransport keeps one device session's refresh token in cookies.
type cookieTransport struct {
	cfg Config
}

type cookieSpec struct {
	name     string
	path     string
	httpOnly bool
}

func (h *Handler) cookies() cookieTransport {
	if h == nil {
		return cookieTransport{}
	}
	return cookieTransport{cfg: h.cfg}
}

func (t cookieTransport) enabled() bool { return t.cfg.WebRefreshCookieEnabled }

// refreshSpec is only sent back to the refresh and logout routes.
func (t cookieTransport) refreshSpec() cookieSpec {
	return cookieSpec{name: t.cfg.RefreshCookieName, path: t.cfg.CookiePath, httpOnly: true}
}

// csrfSpec is readable by page scripts on every path.
func (t cookieTransport) csrfSpec() cookieSpec {
	return cookieSpec{name: t.cfg.CSRFCookieName, path: "/", httpOnly: false}
}

// selected reports whether the response should use cookies. A token that
// arrived in a cookie keeps travelling in one.
func (t cookieTransport) selected(r *http.Request, fromCookie bool) bool {
	if !t.enabled() {
		return false
	}
	if fromCookie {
		return true
	}
	return r != nil && strings.EqualFold(strings.TrimSpace(r.Header.Get(transportHeader)), transportCookie)
}

// attach moves pair's refresh token into cookies that live exactly as long as
// the session and returns the pair to render, without the refresh token.
func (t cookieTransport) attach(w http.ResponseWriter, pair session.TokenPair, now time.Time) (session.TokenPair, string, error) {
	csrf, err := newOpaqueWebToken(32)
	if err != nil {
		return pair, "", err
	}

	maxAge := int(pair.RefreshExpiresAt.Sub(now) / time.Second)
	if maxAge <= 0 {
		maxAge = -1
	}
	t.write(w, t.refreshSpec(), pair.RefreshToken, pair.RefreshExpiresAt, maxAge)
	t.write(w, t.csrfSpec(), csrf, pair.RefreshExpiresAt, maxAge)
	w.Header().Set(transportHeader, transportCookie)

	pair.RefreshToken = ""
	return pair, csrf, nil
}

// detach expires both cookies after the session ended.
func (t cookieTransport) detach(w http.ResponseWriter) {
	if w == nil || !t.enabled() {
		return
	}
	for _, spec := range []cookieSpec{t.refreshSpec(), t.csrfSpec()} {
		t.write(w, spec, "", time.Unix(0, 0).UTC(), -1)
	}
}

// presented returns the refresh token carried in the cookie, if any.
func (t cookieTransport) presented(r *http.Request) (string, bool) {
	if r == nil || !t.enabled() {
		return "", false
	}
	c, err := r.Cookie(t.cfg.RefreshCookieName)
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(c.Value)
	return v, v != ""
}

// csrfValid checks the double-submit pair: cookie value echoed in the header.
func (t cookieTransport) csrfValid(r *http.Request) bool {
	if r == nil || !t.enabled() {
		return false
	}
	c, err := r.Cookie(t.cfg.CSRFCookieName)
	if err != nil {
		return false
	}
	cv := strings.TrimSpace(c.Value)
	hv := strings.TrimSpace(r.Header.Get(t.cfg.CSRFHeaderName))
	if cv == "" || hv == "" {
		return false
	}
	return token.Equal(cv, hv)
}

func (t cookieTransport) write(w http.ResponseWriter, spec cookieSpec, value string, exp time.Time, maxAge int) {
	if w == nil || strings.TrimSpace(spec.name) == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     spec.name,
		Value:    value,
		Path:     spec.path,
		Domain:   t.cfg.CookieDomain,
		Expires:  exp,
		MaxAge:   maxAge,
		HttpOnly: spec.httpOnly,
		Secure:   t.cfg.CookieSecure,
		SameSite: t.cfg.CookieSameSite,
	})
}

func newOpaqueWebToken(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = 32
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
