package authapi

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Audit records go to the handler logger under "auth.audit". They carry
// user ids and device labels only, never token material.

func (h *Handler) auditRefreshSuccess(ctx context.Context, ip, ua string) {
	h.insertAudit(ctx, "auth.refresh.success", "", ip, ua)
}

func (h *Handler) auditRefreshRejected(ctx context.Context, ip, ua, reason string) {
	h.insertAudit(ctx, "auth.refresh.rejected", "", ip, ua, slog.String("reason", reason))
}

func (h *Handler) auditRefreshReuse(ctx context.Context, ip, ua string) {
	h.insertAudit(ctx, "auth.refresh.reuse_detected", "", ip, ua)
}

func (h *Handler) auditRefreshRateLimited(ctx context.Context, ip, ua string, retryAfter time.Duration) {
	h.insertAudit(ctx, "auth.refresh.rate_limited", "", ip, ua, slog.Int64("retry_after_s", int64(retryAfter.Seconds())))
}

func (h *Handler) auditIssued(ctx context.Context, userID, ip, ua string) {
	h.insertAudit(ctx, "auth.issue", userID, ip, ua)
}

func (h *Handler) auditLogout(ctx context.Context, ip, ua string) {
	h.insertAudit(ctx, "auth.logout", "", ip, ua)
}

func (h *Handler) auditLogoutAll(ctx context.Context, userID, ip, ua string, revoked int64) {
	h.insertAudit(ctx, "auth.logout_all", userID, ip, ua, slog.Int64("revoked", revoked))
}

func (h *Handler) auditRevokeOthers(ctx context.Context, userID, ip, ua string, revoked int64) {
	h.insertAudit(ctx, "auth.sessions.revoke_others", userID, ip, ua, slog.Int64("revoked", revoked))
}

func (h *Handler) auditRevokeDevice(ctx context.Context, userID, ip, ua string) {
	h.insertAudit(ctx, "auth.sessions.revoke", userID, ip, ua)
}

func (h *Handler) insertAudit(ctx context.Context, action, userID, ip, ua string, extra ...slog.Attr) {
	if h == nil || h.log == nil {
		return
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return
	}

	attrs := make([]slog.Attr, 0, 4+len(extra))
	attrs = append(attrs, slog.String("action", action))
	if userID != "" {
		attrs = append(attrs, slog.String("user_id", userID))
	}
	if ip != "" {
		attrs = append(attrs, slog.String("ip", ip))
	}
	if ua = strings.TrimSpace(ua); ua != "" {
		attrs = append(attrs, slog.String("user_agent", ua))
	}
	attrs = append(attrs, extra...)

	h.log.LogAttrs(ctx, slog.LevelInfo, "auth.audit", attrs...)
}
