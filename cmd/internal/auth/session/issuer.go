package session

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Issuer mints access/refresh pairs for fresh logins.
type Issuer struct {
	d *deps
}

// IssueTokens starts a new refresh chain for an authenticated principal.
//
// It inserts exactly one row and touches nothing else; a user may hold any
// number of independent chains.
func (i *Issuer) IssueTokens(ctx context.Context, now time.Time, p Principal, dev DeviceInfo) (TokenPair, error) {
	p.UserID = strings.TrimSpace(p.UserID)
	if p.UserID == "" {
		return TokenPair{}, ErrInvalidPrincipal
	}

	pair, row, err := i.mint(now, p, dev.Merge(DeviceInfo{}), i.d.cfg.refreshTTL(p))
	if err != nil {
		return TokenPair{}, err
	}

	if err := i.d.store.Insert(ctx, row); err != nil {
		return TokenPair{}, err
	}

	i.d.metrics.incIssued()
	i.d.log.Info("auth.session.issued",
		"user_id", p.UserID,
		"jti", row.AccessTokenJTI,
		"device", row.DeviceName,
		"remember_me", p.RememberMe,
	)
	i.d.notify(ctx, Event{
		Type:       EventIssued,
		UserID:     p.UserID,
		DeviceName: row.DeviceName,
		IPAddress:  row.IPAddress,
		At:         now,
	})
	return pair, nil
}

// mint signs an access token and builds the matching row without persisting it.
func (i *Issuer) mint(now time.Time, p Principal, dev DeviceInfo, ttl time.Duration) (TokenPair, RefreshToken, error) {
	now = now.UTC()

	jti, err := newJTI(now)
	if err != nil {
		return TokenPair{}, RefreshToken{}, SigningError{Err: err}
	}

	access, accessExp, err := i.d.tokens.Issue(AccessClaims{
		Subject:     p.UserID,
		AppUserID:   p.AppUserID,
		JTI:         jti,
		Roles:       p.Roles,
		Permissions: p.Permissions,
	}, now)
	if err != nil {
		if !errors.Is(err, ErrSigningFailure) {
			err = SigningError{Err: err}
		}
		return TokenPair{}, RefreshToken{}, err
	}

	plain, err := newOpaqueRefreshToken(i.d.cfg.RefreshTokenBytes)
	if err != nil {
		return TokenPair{}, RefreshToken{}, err
	}

	row := RefreshToken{
		Token:          i.d.hasher.Hash(plain),
		UserID:         p.UserID,
		AccessTokenJTI: jti,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
		LastUsedAt:     now,
	}
	row.setDevice(dev)

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     plain,
		ExpiresAt:        accessExp,
		RefreshExpiresAt: row.ExpiresAt,
		TokenType:        TokenTypeBearer,
	}, row, nil
}
