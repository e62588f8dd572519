package session

import (
	"context"
	"sync"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tether/cmd/internal/auth/device"
	"tether/cmd/security/token"
)

const (
	windowsChromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	iphoneSafariUA  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	svc    *Service
	store  *GormStore
	db     *gorm.DB
	tokens AccessTokenManager
	hasher token.Hasher
	events *eventRecorder
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps the in-memory database alive and serializes writers.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return db
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Issuer = "tether-test"
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	db := newTestDB(t)
	store := NewGormStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	cfg := testConfig(t)
	tokens, err := NewAccessTokenManager(cfg)
	require.NoError(t, err)

	events := &eventRecorder{}
	hasher := token.NewHasher([]byte("0123456789abcdef0123456789abcdef"))
	all := append([]Option{WithHasher(hasher), WithNotifier(events)}, opts...)

	return &testEnv{
		svc:    NewService(cfg, store, tokens, all...),
		store:  store,
		db:     db,
		tokens: tokens,
		hasher: hasher,
		events: events,
	}
}

func (e *testEnv) issue(t *testing.T, userID, ua string, now time.Time) (TokenPair, AccessClaims) {
	t.Helper()
	pair, err := e.svc.IssueTokens(context.Background(), now, Principal{UserID: userID}, device.Parse(ua, "203.0.113.10"))
	require.NoError(t, err)
	claims, err := e.tokens.Verify(pair.AccessToken, now)
	require.NoError(t, err)
	return pair, claims
}

func (e *testEnv) row(t *testing.T, refreshToken string) RefreshToken {
	t.Helper()
	row, err := e.store.Get(context.Background(), e.hasher.Hash(refreshToken))
	require.NoError(t, err)
	return row
}

func (e *testEnv) countRows(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&refreshTokenRecord{}).Count(&n).Error)
	return n
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}
