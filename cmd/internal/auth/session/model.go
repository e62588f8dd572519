package session

import (
	"time"

	"tether/cmd/internal/auth/device"
)

// Revocation reasons written to RefreshToken.RevokedReason.
const (
	ReasonRotated       = "rotated"
	ReasonLogout        = "logout"
	ReasonRevokeAll     = "revoke-all"
	ReasonRevokeOthers  = "revoke-others"
	ReasonDeviceRevoked = "device-revoked"
	ReasonExpired       = "expired"
	ReasonReuseDetected = "reuse-detected"
)

// DeviceInfo is the parsed device snapshot recorded on a refresh token.
type DeviceInfo = device.Info

// TokenTypeBearer is the only token type issued.
const TokenTypeBearer = "Bearer"

// RefreshToken mirrors one refresh_tokens row.
//
// Token holds the storage digest of the bearer secret, never the secret
// itself. Empty strings stand for NULL in the nullable columns.
type RefreshToken struct {
	Token           string
	UserID          string
	AccessTokenJTI  string
	ExpiresAt       time.Time
	CreatedAt       time.Time
	LastUsedAt      time.Time
	IsRevoked       bool
	RevokedReason   string
	RevokedAt       *time.Time
	ReplacedByToken string

	DeviceName string
	Platform   string
	Browser    string
	UserAgent  string
	IPAddress  string
}

// Device returns the device snapshot stored on the row.
func (r RefreshToken) Device() device.Info {
	return device.Info{
		Platform:   r.Platform,
		Browser:    r.Browser,
		DeviceName: r.DeviceName,
		IPAddress:  r.IPAddress,
		UserAgent:  r.UserAgent,
	}
}

// Active reports whether the row is listed as a live session at now.
func (r RefreshToken) Active(now time.Time) bool {
	return !r.IsRevoked && r.ExpiresAt.After(now)
}

// expired reports now > ExpiresAt. At the instant of expiry a token can no
// longer be listed but can still be rotated.
func (r RefreshToken) expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

func (r *RefreshToken) setDevice(d device.Info) {
	r.DeviceName = d.DeviceName
	r.Platform = d.Platform
	r.Browser = d.Browser
	r.UserAgent = d.UserAgent
	r.IPAddress = d.IPAddress
}

// Principal is an already authenticated identity handed over by the login flow.
type Principal struct {
	UserID      string
	AppUserID   string
	Roles       []string
	Permissions []string
	RememberMe  bool
}

// TokenPair is returned by issuance and rotation.
//
// ExpiresAt is the access-token expiry; RefreshExpiresAt is used for cookies.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	TokenType        string    `json:"token_type"`
}

// DeviceSession is the listing projection of one live refresh token.
type DeviceSession struct {
	Token      string    `json:"token"`
	DeviceName string    `json:"device_name"`
	Platform   string    `json:"platform"`
	Browser    string    `json:"browser"`
	IPAddress  string    `json:"ip_address"`
	LastUsedAt time.Time `json:"last_used_at"`
	CreatedAt  time.Time `json:"created_at"`
	IsCurrent  bool      `json:"is_current"`
}
