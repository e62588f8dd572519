package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Rotator consumes refresh tokens.
type Rotator struct {
	d      *deps
	issuer *Issuer
}

// Rotate exchanges refreshToken for a new pair and retires it.
//
// Outcomes:
//   - unknown token: ErrInvalidToken.
//   - revoked token: every live token of the owner is revoked, then ErrTokenReused.
//     A token revoked for expiry, or already past ExpiresAt, is ErrTokenExpired
//     instead and touches nothing.
//   - expired token (now > ExpiresAt): the row is revoked with reason "expired",
//     then ErrTokenExpired.
//   - otherwise the successor is inserted and the old row is marked rotated in
//     one conditional transaction. Losing that race to a concurrent Rotate is
//     treated as reuse.
//
// The access token is signed before the store is touched, so a signing error
// or a cancelled context leaves state unchanged.
func (r *Rotator) Rotate(ctx context.Context, now time.Time, refreshToken string, dev DeviceInfo) (TokenPair, error) {
	now = now.UTC()

	plain, ok := cleanRefreshToken(refreshToken)
	if !ok {
		r.d.metrics.incRotation(resultInvalid)
		return TokenPair{}, ErrInvalidToken
	}
	key := r.d.hasher.Hash(plain)

	row, err := r.d.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		r.d.metrics.incRotation(resultInvalid)
		return TokenPair{}, ErrInvalidToken
	}
	if err != nil {
		r.d.metrics.incRotation(resultError)
		return TokenPair{}, err
	}

	if row.IsRevoked {
		return TokenPair{}, r.rejectRevoked(ctx, now, row)
	}

	if row.expired(now) {
		r.d.metrics.incRotation(resultExpired)
		revoked, err := r.d.store.Revoke(ctx, now, key, ReasonExpired)
		if err != nil {
			return TokenPair{}, err
		}
		if revoked {
			r.d.revoked(ctx, now, row.UserID, ReasonExpired, 1)
		}
		return TokenPair{}, ErrTokenExpired
	}

	p, err := r.d.claims.Claims(ctx, row.UserID)
	if err != nil {
		r.d.metrics.incRotation(resultError)
		return TokenPair{}, fmt.Errorf("load claims: %w", err)
	}
	p.UserID = row.UserID

	// The successor inherits the lifetime chosen at login.
	ttl := row.ExpiresAt.Sub(row.CreatedAt)
	pair, next, err := r.issuer.mint(now, p, dev.Merge(row.Device()), ttl)
	if err != nil {
		r.d.metrics.incRotation(resultError)
		return TokenPair{}, err
	}

	err = r.d.store.Rotate(ctx, now, key, next)
	if errors.Is(err, ErrAlreadyRevoked) {
		// Re-read to learn who won: a sweep is not a replay.
		if cur, gerr := r.d.store.Get(context.WithoutCancel(ctx), key); gerr == nil {
			row = cur
		}
		return TokenPair{}, r.rejectRevoked(ctx, now, row)
	}
	if err != nil {
		r.d.metrics.incRotation(resultError)
		return TokenPair{}, err
	}

	r.d.metrics.incRotation(resultRotated)
	r.d.metrics.addRevoked(ReasonRotated, 1)
	r.d.log.Info("auth.refresh.success",
		"user_id", row.UserID,
		"jti", next.AccessTokenJTI,
		"device", next.DeviceName,
	)
	r.d.notify(ctx, Event{
		Type:       EventRotated,
		UserID:     row.UserID,
		DeviceName: next.DeviceName,
		IPAddress:  next.IPAddress,
		At:         now,
	})
	return pair, nil
}

// rejectRevoked answers a presented token that is already revoked. A token
// that died of expiry reports ErrTokenExpired and leaves the user's other
// sessions alone; anything else is a replay.
func (r *Rotator) rejectRevoked(ctx context.Context, now time.Time, row RefreshToken) error {
	if row.RevokedReason == ReasonExpired || row.expired(now) {
		r.d.metrics.incRotation(resultExpired)
		r.d.log.Info("auth.refresh.expired", "user_id", row.UserID, "device", row.DeviceName, "previous_reason", row.RevokedReason)
		return ErrTokenExpired
	}
	return r.reuse(ctx, now, row)
}

// reuse revokes every live token of the row's owner and reports ErrTokenReused.
func (r *Rotator) reuse(ctx context.Context, now time.Time, row RefreshToken) error {
	r.d.metrics.incRotation(resultReused)

	// The cascade outlives client cancellation.
	n, err := r.d.store.RevokeAll(context.WithoutCancel(ctx), now, row.UserID, ReasonReuseDetected)
	if err != nil {
		r.d.log.Error("auth.refresh.reuse_cascade.fail", "user_id", row.UserID, "error", err)
		return fmt.Errorf("revoke after reuse: %w", err)
	}

	r.d.log.Warn("auth.refresh.reuse_detected",
		"user_id", row.UserID,
		"revoked", n,
		"device", row.DeviceName,
		"previous_reason", row.RevokedReason,
	)
	r.d.metrics.addRevoked(ReasonReuseDetected, n)
	r.d.notify(ctx, Event{
		Type:       EventReuseDetected,
		UserID:     row.UserID,
		Reason:     ReasonReuseDetected,
		Count:      n,
		DeviceName: row.DeviceName,
		At:         now,
	})
	return ReuseError{UserID: row.UserID, Revoked: n}
}
