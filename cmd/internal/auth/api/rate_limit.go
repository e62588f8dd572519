package authapi

import (
	"net/http"
	"strconv"
	"time"

	"tether/cmd/internal/auth/session"
	"tether/cmd/internal/ratelimit"
)

func newRefreshLimiter(cfg Config) *ratelimit.Keyed {
	if cfg.RefreshIPMax <= 0 || cfg.RefreshIPWindow <= 0 {
		return nil
	}
	return ratelimit.NewKeyed(cfg.RefreshIPMax, cfg.RefreshIPWindow)
}

// checkRefreshIPThrottle records a refresh attempt from ip and returns a
// session.RefreshRateLimitError once the window is full. Requests without a
// resolvable client IP are not throttled.
func (h *Handler) checkRefreshIPThrottle(ip string, now time.Time) error {
	if ip == "" || h.refreshLimiter == nil {
		return nil
	}
	if ok, retryAfter := h.refreshLimiter.Reserve(ip, now); !ok {
		return session.RefreshRateLimitError{Key: ip, RetryAfter: retryAfter}
	}
	return nil
}

func writeRateLimitedError(w http.ResponseWriter, retryAfter time.Duration, code, msg string) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, code, msg)
}
