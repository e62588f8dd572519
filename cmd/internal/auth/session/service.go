package session

import (
	"context"
	"log/slog"
	"time"

	"tether/cmd/security/token"
)

// TokenIssuer mints a fresh token pair for an authenticated principal.
type TokenIssuer interface {
	IssueTokens(ctx context.Context, now time.Time, p Principal, dev DeviceInfo) (TokenPair, error)
}

// RotationService exchanges a refresh token for a new pair exactly once.
type RotationService interface {
	Rotate(ctx context.Context, now time.Time, refreshToken string, dev DeviceInfo) (TokenPair, error)
}

// RevocationService revokes one, all, or all-but-current refresh tokens.
type RevocationService interface {
	RevokeOne(ctx context.Context, now time.Time, refreshToken string) error
	RevokeAll(ctx context.Context, now time.Time, userID string) (int64, error)
	RevokeOthers(ctx context.Context, now time.Time, userID, currentJTI string) (int64, error)
	RevokeDevice(ctx context.Context, now time.Time, sessionToken, userID string) (bool, error)
}

// SessionRegistry lists a user's live refresh tokens as device sessions.
type SessionRegistry interface {
	ListSessions(ctx context.Context, now time.Time, userID, currentJTI string) ([]DeviceSession, error)
}

// ClaimsSource supplies role and permission claims when a token is rotated.
//
// Login flows pass a full Principal to IssueTokens; rotation only knows the
// user id and asks the identity collaborator for the rest.
type ClaimsSource interface {
	Claims(ctx context.Context, userID string) (Principal, error)
}

// ClaimsSourceFunc adapts a function to ClaimsSource.
type ClaimsSourceFunc func(ctx context.Context, userID string) (Principal, error)

func (f ClaimsSourceFunc) Claims(ctx context.Context, userID string) (Principal, error) {
	return f(ctx, userID)
}

func subjectOnlyClaims(_ context.Context, userID string) (Principal, error) {
	return Principal{UserID: userID}, nil
}

// deps is shared by the service components.
type deps struct {
	cfg      Config
	store    Store
	tokens   AccessTokenManager
	hasher   token.Hasher
	claims   ClaimsSource
	metrics  *Metrics
	notifier Notifier
	log      *slog.Logger
}

// Option customizes NewService.
type Option func(*deps)

// WithHasher sets the refresh-token hasher. Defaults to SHA-256.
func WithHasher(h token.Hasher) Option { return func(d *deps) { d.hasher = h } }

// WithClaimsSource sets the claims provider used on rotation.
func WithClaimsSource(c ClaimsSource) Option { return func(d *deps) { d.claims = c } }

// WithMetrics records counters on m.
func WithMetrics(m *Metrics) Option { return func(d *deps) { d.metrics = m } }

// WithNotifier publishes lifecycle events to n.
func WithNotifier(n Notifier) Option { return func(d *deps) { d.notifier = n } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(d *deps) { d.log = l } }

func (d *deps) notify(ctx context.Context, ev Event) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		d.log.Error("session.notify.fail", "type", string(ev.Type), "user_id", ev.UserID, "error", err)
	}
}

func (d *deps) revoked(ctx context.Context, now time.Time, userID, reason string, n int64) {
	if n <= 0 {
		return
	}
	d.metrics.addRevoked(reason, n)
	d.notify(ctx, Event{Type: EventRevoked, UserID: userID, Reason: reason, Count: n, At: now})
}

// Service bundles the four session capabilities over one store.
type Service struct {
	*Issuer
	*Rotator
	*Revoker
	*Registry

	tokens AccessTokenManager
}

var (
	_ TokenIssuer       = (*Service)(nil)
	_ RotationService   = (*Service)(nil)
	_ RevocationService = (*Service)(nil)
	_ SessionRegistry   = (*Service)(nil)
)

// NewService wires the session components. Zero config fields take DefaultConfig values.
func NewService(cfg Config, store Store, tokens AccessTokenManager, opts ...Option) *Service {
	d := &deps{
		cfg:    withDefaults(cfg),
		store:  store,
		tokens: tokens,
		claims: ClaimsSourceFunc(subjectOnlyClaims),
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(d)
	}

	issuer := &Issuer{d: d}
	return &Service{
		Issuer:   issuer,
		Rotator:  &Rotator{d: d, issuer: issuer},
		Revoker:  &Revoker{d: d},
		Registry: &Registry{d: d},
		tokens:   tokens,
	}
}

// VerifyAccess verifies an access token and returns its claims.
func (s *Service) VerifyAccess(accessToken string, now time.Time) (AccessClaims, error) {
	return s.tokens.Verify(accessToken, now)
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Issuer == "" {
		cfg.Issuer = def.Issuer
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = def.AccessTokenTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = def.RefreshTTL
	}
	if cfg.RefreshTTLRememberMe <= 0 {
		cfg.RefreshTTLRememberMe = def.RefreshTTLRememberMe
	}
	if cfg.RefreshTokenBytes <= 0 {
		cfg.RefreshTokenBytes = def.RefreshTokenBytes
	}
	return cfg
}
