package session

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// AccessClaims is the identity envelope carried by an access token.
type AccessClaims struct {
	Subject     string
	AppUserID   string
	JTI         string
	Roles       []string
	Permissions []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Issuer      string
}

// AccessTokenManager issues and verifies short-lived access tokens.
//
// Issue fills IssuedAt, ExpiresAt and Issuer; the caller provides the rest.
type AccessTokenManager interface {
	Issue(claims AccessClaims, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (AccessClaims, error)
}

// NewAccessTokenManager builds the manager selected by cfg.TokenFormat.
func NewAccessTokenManager(cfg Config) (AccessTokenManager, error) {
	switch cfg.TokenFormat {
	case FormatPaseto, "":
		return NewPasetoV4PublicManager(cfg)
	case FormatJWT:
		return NewJWTManager(cfg)
	default:
		return nil, ErrConfig
	}
}

// newJTI returns a fresh, time-sortable access token id.
func newJTI(now time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
