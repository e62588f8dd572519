package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/cmd/internal/auth/device"
)

func TestIssueTokens_PersistsFreshChain(t *testing.T) {
	env := newTestEnv(t)

	pair, claims := env.issue(t, "u1", windowsChromeUA, testNow)

	assert.Equal(t, TokenTypeBearer, pair.TokenType)
	assert.Equal(t, testNow.Add(15*time.Minute), pair.ExpiresAt)
	assert.Equal(t, testNow.Add(7*24*time.Hour), pair.RefreshExpiresAt)
	assert.NotEmpty(t, claims.JTI)
	assert.Equal(t, "u1", claims.Subject)

	row := env.row(t, pair.RefreshToken)
	assert.NotEqual(t, pair.RefreshToken, row.Token, "secret must not be stored in plaintext")
	assert.Equal(t, "u1", row.UserID)
	assert.Equal(t, claims.JTI, row.AccessTokenJTI)
	assert.False(t, row.IsRevoked)
	assert.Empty(t, row.RevokedReason)
	assert.Empty(t, row.ReplacedByToken)
	assert.True(t, row.CreatedAt.Equal(testNow))
	assert.True(t, row.LastUsedAt.Equal(row.CreatedAt))
	assert.True(t, row.ExpiresAt.After(row.CreatedAt))
	assert.Equal(t, "Windows", row.Platform)
	assert.Equal(t, "Chrome", row.Browser)
	assert.Equal(t, "Windows - Chrome", row.DeviceName)
	assert.Equal(t, "203.0.113.10", row.IPAddress)

	assert.Equal(t, []EventType{EventIssued}, env.events.types())
}

func TestIssueTokens_RememberMeUsesLongTTL(t *testing.T) {
	env := newTestEnv(t)

	pair, err := env.svc.IssueTokens(context.Background(), testNow,
		Principal{UserID: "u1", RememberMe: true}, device.Parse(windowsChromeUA, ""))
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(30*24*time.Hour), pair.RefreshExpiresAt)
}

func TestIssueTokens_CarriesClaims(t *testing.T) {
	env := newTestEnv(t)

	pair, err := env.svc.IssueTokens(context.Background(), testNow, Principal{
		UserID:      "u1",
		AppUserID:   "app-42",
		Roles:       []string{"admin"},
		Permissions: []string{"users.read", "users.write"},
	}, device.Info{})
	require.NoError(t, err)

	claims, err := env.svc.VerifyAccess(pair.AccessToken, testNow)
	require.NoError(t, err)
	assert.Equal(t, "app-42", claims.AppUserID)
	assert.Equal(t, []string{"admin"}, claims.Roles)
	assert.Equal(t, []string{"users.read", "users.write"}, claims.Permissions)
	assert.Equal(t, "tether-test", claims.Issuer)

	row := env.row(t, pair.RefreshToken)
	assert.Equal(t, "Unknown - Unknown", row.DeviceName)
}

func TestIssueTokens_RejectsEmptyPrincipal(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.IssueTokens(context.Background(), testNow, Principal{UserID: "  "}, device.Info{})
	require.ErrorIs(t, err, ErrInvalidPrincipal)
	assert.Zero(t, env.countRows(t))
}

func TestIssueTokens_IndependentChains(t *testing.T) {
	env := newTestEnv(t)

	a, _ := env.issue(t, "u1", windowsChromeUA, testNow)
	b, _ := env.issue(t, "u1", iphoneSafariUA, testNow.Add(time.Minute))

	assert.False(t, env.row(t, a.RefreshToken).IsRevoked)
	assert.False(t, env.row(t, b.RefreshToken).IsRevoked)

	sessions, err := env.svc.ListSessions(context.Background(), testNow.Add(2*time.Minute), "u1", "")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "iOS - Safari", sessions[0].DeviceName, "most recently used first")
}

type failingSigner struct{}

func (failingSigner) Issue(AccessClaims, time.Time) (string, time.Time, error) {
	return "", time.Time{}, errors.New("key unavailable")
}

func (failingSigner) Verify(string, time.Time) (AccessClaims, error) {
	return AccessClaims{}, ErrInvalidToken
}

func TestIssueTokens_SigningFailureWritesNothing(t *testing.T) {
	db := newTestDB(t)
	store := NewGormStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	svc := NewService(testConfig(t), store, failingSigner{})

	_, err := svc.IssueTokens(context.Background(), testNow, Principal{UserID: "u1"}, device.Info{})
	require.ErrorIs(t, err, ErrSigningFailure)

	var se SigningError
	require.ErrorAs(t, err, &se)
	assert.EqualError(t, se.Err, "key unavailable")

	var n int64
	require.NoError(t, db.Model(&refreshTokenRecord{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestRotate_SingleUseAndCascade(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, _ := env.issue(t, "u1", windowsChromeUA, testNow)
	other, _ := env.issue(t, "u1", iphoneSafariUA, testNow)

	second, err := env.svc.Rotate(ctx, testNow.Add(time.Minute), first.RefreshToken, device.Parse(windowsChromeUA, "203.0.113.10"))
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)

	_, err = env.svc.Rotate(ctx, testNow.Add(2*time.Minute), first.RefreshToken, device.Info{})
	require.ErrorIs(t, err, ErrTokenReused)

	var reuse ReuseError
	require.ErrorAs(t, err, &reuse)
	assert.Equal(t, "u1", reuse.UserID)
	assert.Equal(t, int64(2), reuse.Revoked, "successor and the other device")

	sessions, err := env.svc.ListSessions(ctx, testNow.Add(3*time.Minute), "u1", "anything")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	assert.Equal(t, ReasonReuseDetected, env.row(t, second.RefreshToken).RevokedReason)
	assert.Equal(t, ReasonReuseDetected, env.row(t, other.RefreshToken).RevokedReason)
	assert.Equal(t, ReasonRotated, env.row(t, first.RefreshToken).RevokedReason, "terminal rows are never rewritten")

	assert.Contains(t, env.events.types(), EventReuseDetected)
}

func TestRotate_ChainIntegrity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, _ := env.issue(t, "u1", windowsChromeUA, testNow)
	rotatedAt := testNow.Add(10 * time.Minute)

	second, err := env.svc.Rotate(ctx, rotatedAt, first.RefreshToken, device.Parse("", "198.51.100.4"))
	require.NoError(t, err)

	old := env.row(t, first.RefreshToken)
	next := env.row(t, second.RefreshToken)

	assert.True(t, old.IsRevoked)
	assert.Equal(t, ReasonRotated, old.RevokedReason)
	assert.Equal(t, next.Token, old.ReplacedByToken)
	assert.True(t, old.LastUsedAt.Equal(rotatedAt))
	require.NotNil(t, old.RevokedAt)

	assert.False(t, next.IsRevoked)
	assert.Equal(t, old.UserID, next.UserID)
	assert.Empty(t, next.ReplacedByToken)

	// Lifetime is inherited, not restarted at the default TTL.
	assert.Equal(t, old.ExpiresAt.Sub(old.CreatedAt), next.ExpiresAt.Sub(next.CreatedAt))

	// Empty user agent keeps the labels from login; the new IP is recorded.
	assert.Equal(t, "Windows - Chrome", next.DeviceName)
	assert.Equal(t, "198.51.100.4", next.IPAddress)

	claims, err := env.tokens.Verify(second.AccessToken, rotatedAt)
	require.NoError(t, err)
	assert.Equal(t, claims.JTI, next.AccessTokenJTI)
	assert.NotEqual(t, old.AccessTokenJTI, next.AccessTokenJTI)
}

func TestRotate_UsesClaimsSource(t *testing.T) {
	env := newTestEnv(t, WithClaimsSource(ClaimsSourceFunc(func(_ context.Context, userID string) (Principal, error) {
		return Principal{UserID: "ignored", AppUserID: "app-" + userID, Roles: []string{"member"}}, nil
	})))

	first, _ := env.issue(t, "u1", windowsChromeUA, testNow)
	second, err := env.svc.Rotate(context.Background(), testNow.Add(time.Minute), first.RefreshToken, device.Info{})
	require.NoError(t, err)

	claims, err := env.svc.VerifyAccess(second.AccessToken, testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject, "subject always comes from the stored row")
	assert.Equal(t, "app-u1", claims.AppUserID)
	assert.Equal(t, []string{"member"}, claims.Roles)
}

func TestRotate_UnknownToken(t *testing.T) {
	env := newTestEnv(t)

	for _, tok := range []string{"", "   ", "does-not-exist"} {
		_, err := env.svc.Rotate(context.Background(), testNow, tok, device.Info{})
		require.ErrorIs(t, err, ErrInvalidToken, "token %q", tok)
	}
}

func TestRotate_ExpiredNeverMints(t *testing.T) {
	env := newTestEnv(t)

	first, _ := env.issue(t, "u1", windowsChromeUA, testNow)
	late := testNow.Add(7*24*time.Hour + time.Second)

	_, err := env.svc.Rotate(context.Background(), late, first.RefreshToken, device.Info{})
	require.ErrorIs(t, err, ErrTokenExpired)

	row := env.row(t, first.RefreshToken)
	assert.True(t, row.IsRevoked)
	assert.Equal(t, ReasonExpired, row.RevokedReason)
	assert.Empty(t, row.ReplacedByToken)
	assert.Equal(t, int64(1), env.countRows(t))
}

func TestRotate_AfterSweepIsExpiredNotReuse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	idle, _ := env.issue(t, "u1", windowsChromeUA, testNow)
	live, _ := env.issue(t, "u1", iphoneSafariUA, testNow.Add(8*24*time.Hour))
	sweepAt := testNow.Add(8 * 24 * time.Hour)

	n, err := env.svc.RevokeExpired(ctx, sweepAt)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = env.svc.Rotate(ctx, sweepAt.Add(time.Minute), idle.RefreshToken, device.Info{})
	require.ErrorIs(t, err, ErrTokenExpired)
	assert.NotErrorIs(t, err, ErrTokenReused)

	assert.False(t, env.row(t, live.RefreshToken).IsRevoked, "other devices must survive")
	assert.Equal(t, ReasonExpired, env.row(t, idle.RefreshToken).RevokedReason)
	assert.NotContains(t, env.events.types(), EventReuseDetected)
}

func TestRotate_ExpiredTwiceDoesNotCascade(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	idle, _ := env.issue(t, "u1", windowsChromeUA, testNow)
	live, _ := env.issue(t, "u1", iphoneSafariUA, testNow.Add(6*24*time.Hour))
	late := testNow.Add(7*24*time.Hour + time.Second)

	for i := 0; i < 2; i++ {
		_, err := env.svc.Rotate(ctx, late.Add(time.Duration(i)*time.Minute), idle.RefreshToken, device.Info{})
		require.ErrorIs(t, err, ErrTokenExpired, "attempt %d", i+1)
	}

	assert.False(t, env.row(t, live.RefreshToken).IsRevoked)
	assert.NotContains(t, env.events.types(), EventReuseDetected)
}

func TestRotate_ExpiryBoundary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, _ := env.issue(t, "u1", windowsChromeUA, testNow)
	exp := env.row(t, first.RefreshToken).ExpiresAt

	// At exactly ExpiresAt the session is no longer listed but not yet expired.
	sessions, err := env.svc.ListSessions(ctx, exp, "u1", "")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	n, err := env.svc.RevokeExpired(ctx, exp)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = env.svc.Rotate(ctx, exp, first.RefreshToken, device.Info{})
	require.NoError(t, err)

	second, _ := env.issue(t, "u2", windowsChromeUA, testNow)
	_, err = env.svc.Rotate(ctx, exp.Add(time.Nanosecond), second.RefreshToken, device.Info{})
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestRotate_AfterLogoutIsReuse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, _ := env.issue(t, "u1", windowsChromeUA, testNow)
	require.NoError(t, env.svc.RevokeOne(ctx, testNow, first.RefreshToken))
	assert.Equal(t, ReasonLogout, env.row(t, first.RefreshToken).RevokedReason)

	_, err := env.svc.Rotate(ctx, testNow.Add(time.Second), first.RefreshToken, device.Info{})
	require.ErrorIs(t, err, ErrTokenReused)
}

func TestRotate_CancelledContextLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)

	first, _ := env.issue(t, "u1", windowsChromeUA, testNow)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.svc.Rotate(ctx, testNow.Add(time.Minute), first.RefreshToken, device.Info{})
	require.Error(t, err)

	row := env.row(t, first.RefreshToken)
	assert.False(t, row.IsRevoked)
	assert.Equal(t, int64(1), env.countRows(t))

	_, err = env.svc.Rotate(context.Background(), testNow.Add(2*time.Minute), first.RefreshToken, device.Info{})
	require.NoError(t, err)
}

func TestRotate_ConcurrentCallsMintOneSuccessor(t *testing.T) {
	env := newTestEnv(t)

	first, _ := env.issue(t, "u1", windowsChromeUA, testNow)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		reused  int
		unknown []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.svc.Rotate(context.Background(), testNow.Add(time.Minute), first.RefreshToken, device.Info{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrTokenReused):
				reused++
			default:
				unknown = append(unknown, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, unknown)
	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, reused)

	// Losers cascade, so the winner's successor is gone too.
	sessions, err := env.svc.ListSessions(context.Background(), testNow.Add(2*time.Minute), "u1", "")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	old := env.row(t, first.RefreshToken)
	assert.Equal(t, ReasonRotated, old.RevokedReason)
	assert.NotEmpty(t, old.ReplacedByToken)
}

func TestRevokeAll_LeavesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.issue(t, "u1", windowsChromeUA, testNow)
	env.issue(t, "u1", iphoneSafariUA, testNow)
	keep, _ := env.issue(t, "u2", windowsChromeUA, testNow)

	n, err := env.svc.RevokeAll(ctx, testNow, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	sessions, err := env.svc.ListSessions(ctx, testNow, "u1", "")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	assert.False(t, env.row(t, keep.RefreshToken).IsRevoked)

	n, err = env.svc.RevokeAll(ctx, testNow, "u1")
	require.NoError(t, err)
	assert.Zero(t, n, "idempotent")
}

func TestRevokeOthers_KeepsExactlyOne(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, a := env.issue(t, "u1", windowsChromeUA, testNow)
	env.issue(t, "u1", iphoneSafariUA, testNow)
	env.issue(t, "u1", "curl/8.0", testNow)

	n, err := env.svc.RevokeOthers(ctx, testNow, "u1", a.JTI)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	sessions, err := env.svc.ListSessions(ctx, testNow, "u1", a.JTI)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].IsCurrent)
	assert.Equal(t, "Windows - Chrome", sessions[0].DeviceName)
}

func TestRevokeOthers_RequiresJTI(t *testing.T) {
	env := newTestEnv(t)
	pair, _ := env.issue(t, "u1", windowsChromeUA, testNow)

	_, err := env.svc.RevokeOthers(context.Background(), testNow, "u1", " ")
	require.ErrorIs(t, err, ErrMissingJTI)
	assert.False(t, env.row(t, pair.RefreshToken).IsRevoked)
}

func TestRevokeDevice_OwnershipChecked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, _ := env.issue(t, "u1", windowsChromeUA, testNow)
	sessions, err := env.svc.ListSessions(ctx, testNow, "u1", "")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	handle := sessions[0].Token

	ok, err := env.svc.RevokeDevice(ctx, testNow, handle, "u2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, env.row(t, pair.RefreshToken).IsRevoked)

	ok, err = env.svc.RevokeDevice(ctx, testNow, "missing", "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = env.svc.RevokeDevice(ctx, testNow, handle, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ReasonDeviceRevoked, env.row(t, pair.RefreshToken).RevokedReason)

	ok, err = env.svc.RevokeDevice(ctx, testNow, handle, "u1")
	require.NoError(t, err)
	assert.False(t, ok, "already revoked")
}

func TestRevokeOne_UnknownIsNoop(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.svc.RevokeOne(context.Background(), testNow, "nope"))
	require.NoError(t, env.svc.RevokeOne(context.Background(), testNow, ""))
	assert.Empty(t, env.events.types())
}

func TestListSessions_DerivesCurrentAndSkipsExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, a := env.issue(t, "u1", windowsChromeUA, testNow)
	_, b := env.issue(t, "u1", iphoneSafariUA, testNow.Add(time.Hour))

	sessions, err := env.svc.ListSessions(ctx, testNow.Add(2*time.Hour), "u1", b.JTI)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.True(t, sessions[0].IsCurrent)
	assert.False(t, sessions[1].IsCurrent)

	sessions, err = env.svc.ListSessions(ctx, testNow.Add(2*time.Hour), "u1", a.JTI)
	require.NoError(t, err)
	assert.False(t, sessions[0].IsCurrent)
	assert.True(t, sessions[1].IsCurrent)

	// Only the second chain is still alive just past the first one's expiry.
	sessions, err = env.svc.ListSessions(ctx, testNow.Add(7*24*time.Hour), "u1", "")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "iOS - Safari", sessions[0].DeviceName)
}

func TestEndToEnd_WindowsChrome(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, _ := env.issue(t, "u1", windowsChromeUA, testNow)

	second, err := env.svc.Rotate(ctx, testNow.Add(5*time.Minute), first.RefreshToken, device.Parse(windowsChromeUA, "203.0.113.10"))
	require.NoError(t, err)

	claims, err := env.svc.VerifyAccess(second.AccessToken, testNow.Add(5*time.Minute))
	require.NoError(t, err)

	sessions, err := env.svc.ListSessions(ctx, testNow.Add(6*time.Minute), "u1", claims.JTI)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].IsCurrent)
	assert.Equal(t, "Windows", sessions[0].Platform)
	assert.Equal(t, "Chrome", sessions[0].Browser)
}

func TestMetrics_CountOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	env := newTestEnv(t, WithMetrics(m))
	ctx := context.Background()

	first, _ := env.issue(t, "u1", windowsChromeUA, testNow)
	_, err = env.svc.Rotate(ctx, testNow.Add(time.Minute), first.RefreshToken, device.Info{})
	require.NoError(t, err)
	_, err = env.svc.Rotate(ctx, testNow.Add(time.Minute), first.RefreshToken, device.Info{})
	require.ErrorIs(t, err, ErrTokenReused)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.issued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rotations.WithLabelValues(resultRotated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rotations.WithLabelValues(resultReused)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.revocations.WithLabelValues(ReasonReuseDetected)))

	_, err = NewMetrics(reg)
	require.Error(t, err, "duplicate registration")
}

func TestNotifierFailureDoesNotFailOperation(t *testing.T) {
	failing := NotifierFunc(func(context.Context, Event) error { return errors.New("broker down") })
	env := newTestEnv(t, WithNotifier(MultiNotifier{failing}))

	pair, _ := env.issue(t, "u1", windowsChromeUA, testNow)
	_, err := env.svc.Rotate(context.Background(), testNow.Add(time.Minute), pair.RefreshToken, device.Info{})
	require.NoError(t, err)
}

func TestMultiNotifier_JoinsErrors(t *testing.T) {
	var got []EventType
	ok := NotifierFunc(func(_ context.Context, ev Event) error { got = append(got, ev.Type); return nil })
	bad := NotifierFunc(func(context.Context, Event) error { return errors.New("x") })

	err := MultiNotifier{ok, nil, bad, ok}.Notify(context.Background(), Event{Type: EventRevoked})
	require.EqualError(t, err, "x")
	assert.Equal(t, []EventType{EventRevoked, EventRevoked}, got)
}
