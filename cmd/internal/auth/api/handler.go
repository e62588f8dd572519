package authapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tether/cmd/internal/auth/device"
	"tether/cmd/internal/auth/session"
	"tether/cmd/internal/ratelimit"
)

// Sessions is the session subsystem the handler drives.
type Sessions interface {
	session.TokenIssuer
	session.RotationService
	session.RevocationService
	session.SessionRegistry

	VerifyAccess(accessToken string, now time.Time) (session.AccessClaims, error)
}

var _ Sessions = (*session.Service)(nil)

// Handler wires HTTP auth endpoints to the session service.
type Handler struct {
	log *slog.Logger
	cfg Config

	sessions       Sessions
	refreshLimiter *ratelimit.Keyed

	now func() time.Time
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithClock overrides the wall clock used for token checks.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if h == nil || now == nil {
			return
		}
		h.now = now
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, sessions Sessions, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("auth: nil session service")
	}
	if log == nil {
		log = slog.Default()
	}

	cfg = cfg.normalize()
	h := &Handler{
		log:            log,
		cfg:            cfg,
		sessions:       sessions,
		refreshLimiter: newRefreshLimiter(cfg),
		now:            time.Now,
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/refresh", h.handleRefresh)
	mux.HandleFunc("/auth/logout", h.handleLogout)
	mux.HandleFunc("/auth/logout_all", h.handleLogoutAll)
	mux.HandleFunc("/auth/sessions", h.handleSessions)
	mux.HandleFunc("/auth/sessions/revoke_others", h.handleRevokeOthers)
	mux.HandleFunc("/auth/sessions/revoke", h.handleRevokeSession)
}

// IssueFor mints a token pair for a principal that an external login flow has
// already authenticated, and writes it as the response body.
//
// Browser clients that send "X-Tether-Transport: cookie" receive the refresh
// token as an HTTP-only cookie instead of in the body. It reports whether the
// pair was issued; on failure the error response has been written.
func (h *Handler) IssueFor(w http.ResponseWriter, r *http.Request, p session.Principal) (session.TokenPair, bool) {
	ctx := r.Context()
	now := h.now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := r.UserAgent()

	pair, err := h.sessions.IssueTokens(ctx, now, p, device.Parse(ua, ip))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidPrincipal):
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid principal")
		default:
			h.log.Error("auth.issue.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return session.TokenPair{}, false
	}

	h.auditIssued(ctx, p.UserID, ip, ua)
	if !h.writeTokenPair(w, r, pair, false) {
		return session.TokenPair{}, false
	}
	return pair, true
}

// ---- handlers ----

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req refreshRequest
	if !decodeRequest(w, r, h.cfg.MaxBodyBytes, &req, true) {
		return
	}
	refreshToken, fromCookie, ok := h.presentedRefreshToken(w, r, req.RefreshToken)
	if !ok {
		return
	}

	ctx := r.Context()
	now := h.now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := r.UserAgent()

	var pair session.TokenPair
	err := h.checkRefreshIPThrottle(ip, now)
	if err == nil {
		pair, err = h.sessions.Rotate(ctx, now, refreshToken, device.Parse(ua, ip))
	}
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRefreshRateLimited):
			var rlErr session.RefreshRateLimitError
			retryAfter := time.Duration(0)
			if errors.As(err, &rlErr) {
				retryAfter = rlErr.RetryAfter
			}
			h.auditRefreshRateLimited(ctx, ip, ua, retryAfter)
			writeRateLimitedError(w, retryAfter, "refresh_rate_limited", "refresh attempted too frequently")
		case errors.Is(err, session.ErrTokenReused):
			h.auditRefreshReuse(ctx, ip, ua)
			h.cookies().detach(w)
			writeError(w, http.StatusUnauthorized, "refresh_reuse_detected", "refresh token reuse detected")
		case errors.Is(err, session.ErrTokenExpired), errors.Is(err, session.ErrInvalidToken):
			h.auditRefreshRejected(ctx, ip, ua, rejectReason(err))
			if fromCookie {
				h.cookies().detach(w)
			}
			writeError(w, http.StatusUnauthorized, "session_not_active", "session not active")
		default:
			h.log.Error("auth.refresh.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	h.auditRefreshSuccess(ctx, ip, ua)
	h.writeTokenPair(w, r, pair, fromCookie)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req logoutRequest
	if !decodeRequest(w, r, h.cfg.MaxBodyBytes, &req, true) {
		return
	}
	refreshToken, _, ok := h.presentedRefreshToken(w, r, req.RefreshToken)
	if !ok {
		return
	}

	ctx := r.Context()
	if err := h.sessions.RevokeOne(ctx, h.now().UTC(), refreshToken); err != nil {
		h.log.Error("auth.logout.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditLogout(ctx, clientIP(r, h.cfg.TrustProxy), r.UserAgent())
	h.cookies().detach(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	n, err := h.sessions.RevokeAll(ctx, h.now().UTC(), claims.Subject)
	if err != nil {
		h.log.Error("auth.logout_all.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditLogoutAll(ctx, claims.Subject, clientIP(r, h.cfg.TrustProxy), r.UserAgent(), n)
	h.cookies().detach(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	list, err := h.sessions.ListSessions(r.Context(), h.now().UTC(), claims.Subject, claims.JTI)
	if err != nil {
		h.log.Error("auth.sessions.list.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if list == nil {
		list = []session.DeviceSession{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: list})
}

func (h *Handler) handleRevokeOthers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	n, err := h.sessions.RevokeOthers(ctx, h.now().UTC(), claims.Subject, claims.JTI)
	if err != nil {
		if errors.Is(err, session.ErrMissingJTI) {
			writeError(w, http.StatusBadRequest, "missing_jti", "access token has no jti")
			return
		}
		h.log.Error("auth.sessions.revoke_others.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditRevokeOthers(ctx, claims.Subject, clientIP(r, h.cfg.TrustProxy), r.UserAgent(), n)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req revokeSessionRequest
	if !decodeRequest(w, r, h.cfg.MaxBodyBytes, &req, false) {
		return
	}

	ctx := r.Context()
	revoked, err := h.sessions.RevokeDevice(ctx, h.now().UTC(), req.Session, claims.Subject)
	if err != nil {
		h.log.Error("auth.sessions.revoke.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if !revoked {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}

	h.auditRevokeDevice(ctx, claims.Subject, clientIP(r, h.cfg.TrustProxy), r.UserAgent())
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.AccessClaims, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return session.AccessClaims{}, false
	}
	claims, err := h.sessions.VerifyAccess(token, h.now().UTC())
	if err != nil || strings.TrimSpace(claims.Subject) == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return session.AccessClaims{}, false
	}
	return claims, true
}

// presentedRefreshToken picks the body token, falling back to the refresh
// cookie. The cookie path requires a valid CSRF double-submit header.
func (h *Handler) presentedRefreshToken(w http.ResponseWriter, r *http.Request, bodyToken string) (string, bool, bool) {
	if tok := strings.TrimSpace(bodyToken); tok != "" {
		return tok, false, true
	}
	tok, ok := h.cookies().presented(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return "", false, false
	}
	if !h.cookies().csrfValid(r) {
		writeError(w, http.StatusForbidden, "csrf_invalid", "missing or invalid csrf token")
		return "", false, false
	}
	return tok, true, true
}

func (h *Handler) writeTokenPair(w http.ResponseWriter, r *http.Request, pair session.TokenPair, fromCookie bool) bool {
	if ct := h.cookies(); ct.selected(r, fromCookie) {
		var err error
		if pair, _, err = ct.attach(w, pair, h.now().UTC()); err != nil {
			h.log.Error("auth.web_cookie.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return false
		}
	}
	writeJSON(w, http.StatusOK, pair)
	return true
}

func rejectReason(err error) string {
	if errors.Is(err, session.ErrTokenExpired) {
		return "expired"
	}
	return "invalid"
}
