package session

import (
	"context"
	"time"
)

// Store is durable keyed storage for RefreshToken rows.
//
// Every mutation is conditional on is_revoked = false, which makes revocation
// idempotent and rotation a compare-and-set. Rows are never deleted.
type Store interface {
	// Insert adds a new row. Token must be unique.
	Insert(ctx context.Context, row RefreshToken) error

	// Get loads a row by token digest. Returns ErrNotFound when absent.
	Get(ctx context.Context, token string) (RefreshToken, error)

	// Rotate inserts successor and retires oldToken in one transaction:
	// is_revoked, revoked_reason "rotated", revoked_at, last_used_at and
	// replaced_by_token are set only if oldToken is not yet revoked.
	// Otherwise nothing is written and ErrAlreadyRevoked is returned.
	Rotate(ctx context.Context, now time.Time, oldToken string, successor RefreshToken) error

	// Revoke revokes a single row. Reports whether this call revoked it.
	Revoke(ctx context.Context, now time.Time, token, reason string) (bool, error)

	// RevokeOwned revokes a single row only if it belongs to userID.
	RevokeOwned(ctx context.Context, now time.Time, token, userID, reason string) (bool, error)

	// RevokeAll revokes every live row of userID and returns the count.
	RevokeAll(ctx context.Context, now time.Time, userID, reason string) (int64, error)

	// RevokeOthers revokes every live row of userID whose jti differs from keepJTI.
	RevokeOthers(ctx context.Context, now time.Time, userID, keepJTI, reason string) (int64, error)

	// RevokeExpired revokes unrevoked rows with expires_at < now.
	RevokeExpired(ctx context.Context, now time.Time, reason string) (int64, error)

	// ListActive returns non-revoked rows of userID with expires_at > now.
	ListActive(ctx context.Context, now time.Time, userID string) ([]RefreshToken, error)
}
