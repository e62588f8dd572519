package authapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tether/cmd/internal/auth/session"
)

func TestCheckRefreshIPThrottle(t *testing.T) {
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	h := &Handler{refreshLimiter: newRefreshLimiter(Config{RefreshIPMax: 2, RefreshIPWindow: time.Minute})}

	for i := 0; i < 2; i++ {
		if err := h.checkRefreshIPThrottle("203.0.113.7", now); err != nil {
			t.Fatalf("attempt %d: expected allow, got %v", i+1, err)
		}
	}

	err := h.checkRefreshIPThrottle("203.0.113.7", now.Add(10*time.Second))
	if !errors.Is(err, session.ErrRefreshRateLimited) {
		t.Fatalf("expected third attempt to be throttled, got %v", err)
	}
	var rlErr session.RefreshRateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected RefreshRateLimitError, got %T", err)
	}
	if rlErr.RetryAfter != 50*time.Second {
		t.Fatalf("unexpected retry duration: %v", rlErr.RetryAfter)
	}
	if rlErr.Key != "203.0.113.7" {
		t.Fatalf("unexpected key: %q", rlErr.Key)
	}

	if err := h.checkRefreshIPThrottle("198.51.100.1", now); err != nil {
		t.Fatalf("expected other IPs to be unaffected")
	}
	if err := h.checkRefreshIPThrottle("", now); err != nil {
		t.Fatalf("expected unknown IP to pass")
	}
	if err := h.checkRefreshIPThrottle("203.0.113.7", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("expected window to clear")
	}
}

func TestCheckRefreshIPThrottle_Disabled(t *testing.T) {
	h := &Handler{refreshLimiter: newRefreshLimiter(Config{RefreshIPMax: 0})}
	now := time.Now()
	for i := 0; i < 100; i++ {
		if err := h.checkRefreshIPThrottle("203.0.113.7", now); err != nil {
			t.Fatalf("disabled limiter must never block")
		}
	}
}

func TestWriteRateLimitedRoundsRetryAfterUp(t *testing.T) {
	rr := httptest.NewRecorder()
	writeRateLimitedError(rr, 1500*time.Millisecond, "rate_limited", "too many attempts")

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After=%q, want 2", got)
	}
}
