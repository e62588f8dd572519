package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidToken is returned for an unknown refresh token or an access token that fails verification.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when a refresh token is presented after its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenReused is returned when an already revoked refresh token is presented again.
	// All of the user's tokens have been revoked by the time the caller sees it.
	ErrTokenReused = errors.New("refresh token reuse detected")

	// ErrSigningFailure is returned when an access token cannot be signed.
	ErrSigningFailure = errors.New("access token signing failed")

	// ErrMissingJTI is returned by RevokeOthers when the caller has no current jti.
	ErrMissingJTI = errors.New("current jti required")

	// ErrInvalidPrincipal is returned when issuance is attempted without a user id.
	ErrInvalidPrincipal = errors.New("invalid principal")

	// ErrRefreshRateLimited is returned when refresh is attempted too frequently.
	ErrRefreshRateLimited = errors.New("refresh rate limited")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")

	// ErrNotFound is returned by stores when no row matches.
	ErrNotFound = errors.New("refresh token not found")

	// ErrAlreadyRevoked is returned by Store.Rotate when the predecessor was revoked concurrently.
	ErrAlreadyRevoked = errors.New("refresh token already revoked")
)

// SigningError wraps the underlying signer failure.
type SigningError struct {
	Err error
}

func (e SigningError) Error() string {
	if e.Err == nil {
		return ErrSigningFailure.Error()
	}
	return fmt.Sprintf("%s: %v", ErrSigningFailure.Error(), e.Err)
}

func (e SigningError) Is(target error) bool { return target == ErrSigningFailure }

func (e SigningError) Unwrap() error { return e.Err }

// ReuseError carries the outcome of the cascade triggered by a reused token.
type ReuseError struct {
	UserID  string
	Revoked int64
}

func (e ReuseError) Error() string {
	return fmt.Sprintf("%s: revoked %d tokens", ErrTokenReused.Error(), e.Revoked)
}

func (e ReuseError) Unwrap() error { return ErrTokenReused }

// RefreshRateLimitError carries retry metadata for refresh throttling.
type RefreshRateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e RefreshRateLimitError) Error() string {
	if e.RetryAfter <= 0 {
		return ErrRefreshRateLimited.Error()
	}
	return fmt.Sprintf("%s: retry after %s", ErrRefreshRateLimited.Error(), e.RetryAfter)
}

func (e RefreshRateLimitError) Unwrap() error { return ErrRefreshRateLimited }
