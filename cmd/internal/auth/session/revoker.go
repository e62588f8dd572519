package session

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Revoker implements logout, revoke-all, revoke-others and per-device revocation.
//
// All operations are idempotent: already revoked rows are left untouched.
type Revoker struct {
	d *deps
}

// RevokeOne revokes the presented refresh token with reason "logout".
// An unknown or already revoked token is not an error.
func (r *Revoker) RevokeOne(ctx context.Context, now time.Time, refreshToken string) error {
	plain, ok := cleanRefreshToken(refreshToken)
	if !ok {
		return nil
	}
	key := r.d.hasher.Hash(plain)

	row, err := r.d.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	revoked, err := r.d.store.Revoke(ctx, now.UTC(), key, ReasonLogout)
	if err != nil {
		return err
	}
	if revoked {
		r.d.log.Info("auth.logout", "user_id", row.UserID, "device", row.DeviceName)
		r.d.revoked(ctx, now, row.UserID, ReasonLogout, 1)
	}
	return nil
}

// RevokeAll revokes every live token of userID with reason "revoke-all".
func (r *Revoker) RevokeAll(ctx context.Context, now time.Time, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, nil
	}
	n, err := r.d.store.RevokeAll(ctx, now.UTC(), userID, ReasonRevokeAll)
	if err != nil {
		return 0, err
	}
	r.d.log.Info("auth.logout_all", "user_id", userID, "revoked", n)
	r.d.revoked(ctx, now, userID, ReasonRevokeAll, n)
	return n, nil
}

// RevokeOthers revokes every live token of userID not minted with currentJTI.
// It returns ErrMissingJTI without touching the store when currentJTI is empty.
func (r *Revoker) RevokeOthers(ctx context.Context, now time.Time, userID, currentJTI string) (int64, error) {
	currentJTI = strings.TrimSpace(currentJTI)
	if currentJTI == "" {
		return 0, ErrMissingJTI
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, nil
	}

	n, err := r.d.store.RevokeOthers(ctx, now.UTC(), userID, currentJTI, ReasonRevokeOthers)
	if err != nil {
		return 0, err
	}
	r.d.log.Info("auth.sessions.revoke_others", "user_id", userID, "revoked", n)
	r.d.revoked(ctx, now, userID, ReasonRevokeOthers, n)
	return n, nil
}

// RevokeDevice revokes one session handle (as returned by ListSessions) owned by userID.
//
// It reports false without mutating anything when the row is absent, already
// revoked, or owned by someone else.
func (r *Revoker) RevokeDevice(ctx context.Context, now time.Time, sessionToken, userID string) (bool, error) {
	sessionToken = strings.TrimSpace(sessionToken)
	userID = strings.TrimSpace(userID)
	if sessionToken == "" || userID == "" {
		return false, nil
	}

	ok, err := r.d.store.RevokeOwned(ctx, now.UTC(), sessionToken, userID, ReasonDeviceRevoked)
	if err != nil {
		return false, err
	}
	if ok {
		r.d.log.Info("auth.sessions.revoke_device", "user_id", userID)
		r.d.revoked(ctx, now, userID, ReasonDeviceRevoked, 1)
	}
	return ok, nil
}

// RevokeExpired marks expired, unrevoked rows revoked with reason "expired".
func (r *Revoker) RevokeExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := r.d.store.RevokeExpired(ctx, now.UTC(), ReasonExpired)
	if err != nil {
		return 0, err
	}
	r.d.metrics.addRevoked(ReasonExpired, n)
	return n, nil
}
