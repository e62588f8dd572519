package session

import (
	"context"
	"errors"
	"sort"
	"time"

	"gorm.io/gorm"
)

// refreshTokenRecord is the GORM mapping of a refresh_tokens row.
type refreshTokenRecord struct {
	Token           string     `gorm:"primaryKey;size:128"`
	UserID          string     `gorm:"index;not null;size:128"`
	AccessTokenJTI  *string    `gorm:"column:access_token_jti;index;size:64"`
	ExpiresAt       time.Time  `gorm:"not null"`
	CreatedAt       time.Time  `gorm:"not null"`
	LastUsedAt      time.Time  `gorm:"not null"`
	IsRevoked       bool       `gorm:"not null;default:false;index"`
	RevokedReason   *string    `gorm:"size:64"`
	RevokedAt       *time.Time
	ReplacedByToken *string `gorm:"size:128"`
	DeviceName      *string `gorm:"size:256"`
	Platform        *string `gorm:"size:64"`
	Browser         *string `gorm:"size:64"`
	UserAgent       *string `gorm:"size:512"`
	IPAddress       *string `gorm:"column:ip_address;size:64"`
}

func (refreshTokenRecord) TableName() string { return "refresh_tokens" }

func toRecord(r RefreshToken) refreshTokenRecord {
	return refreshTokenRecord{
		Token:           r.Token,
		UserID:          r.UserID,
		AccessTokenJTI:  ptrIfNotEmpty(r.AccessTokenJTI),
		ExpiresAt:       r.ExpiresAt.UTC(),
		CreatedAt:       r.CreatedAt.UTC(),
		LastUsedAt:      r.LastUsedAt.UTC(),
		IsRevoked:       r.IsRevoked,
		RevokedReason:   ptrIfNotEmpty(r.RevokedReason),
		RevokedAt:       r.RevokedAt,
		ReplacedByToken: ptrIfNotEmpty(r.ReplacedByToken),
		DeviceName:      ptrIfNotEmpty(r.DeviceName),
		Platform:        ptrIfNotEmpty(r.Platform),
		Browser:         ptrIfNotEmpty(r.Browser),
		UserAgent:       ptrIfNotEmpty(r.UserAgent),
		IPAddress:       ptrIfNotEmpty(r.IPAddress),
	}
}

func (rec refreshTokenRecord) toRow() RefreshToken {
	return RefreshToken{
		Token:           rec.Token,
		UserID:          rec.UserID,
		AccessTokenJTI:  deref(rec.AccessTokenJTI),
		ExpiresAt:       rec.ExpiresAt,
		CreatedAt:       rec.CreatedAt,
		LastUsedAt:      rec.LastUsedAt,
		IsRevoked:       rec.IsRevoked,
		RevokedReason:   deref(rec.RevokedReason),
		RevokedAt:       rec.RevokedAt,
		ReplacedByToken: deref(rec.ReplacedByToken),
		DeviceName:      deref(rec.DeviceName),
		Platform:        deref(rec.Platform),
		Browser:         deref(rec.Browser),
		UserAgent:       deref(rec.UserAgent),
		IPAddress:       deref(rec.IPAddress),
	}
}

// GormStore implements Store on top of GORM.
//
// It backs local development and tests (SQLite) and can run against Postgres
// through the gorm postgres driver. On SQLite, time comparisons happen in Go
// so that text timestamps never decide expiry.
type GormStore struct {
	db *gorm.DB

	sweepBatch int
}

// defaultSweepBatch bounds the rows read and the IN list written per sweep step.
const defaultSweepBatch = 500

// NewGormStore wraps db. Call Migrate before first use on a fresh database.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, sweepBatch: defaultSweepBatch}
}

// Migrate creates or updates the refresh_tokens table.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&refreshTokenRecord{})
}

// Insert adds a new, live row.
func (s *GormStore) Insert(ctx context.Context, row RefreshToken) error {
	rec := toRecord(row)
	rec.IsRevoked = false
	rec.RevokedReason, rec.RevokedAt, rec.ReplacedByToken = nil, nil, nil
	return s.db.WithContext(ctx).Create(&rec).Error
}

// Get loads a row by token digest.
func (s *GormStore) Get(ctx context.Context, token string) (RefreshToken, error) {
	var rec refreshTokenRecord
	err := s.db.WithContext(ctx).Where("token = ?", token).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return RefreshToken{}, err
	}
	return rec.toRow(), nil
}

// Rotate inserts the successor and retires oldToken in one transaction.
func (s *GormStore) Rotate(ctx context.Context, now time.Time, oldToken string, successor RefreshToken) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := toRecord(successor)
		rec.IsRevoked = false
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}

		res := tx.Model(&refreshTokenRecord{}).
			Where("token = ? AND is_revoked = ?", oldToken, false).
			Updates(map[string]any{
				"is_revoked":        true,
				"revoked_reason":    ReasonRotated,
				"revoked_at":        now.UTC(),
				"last_used_at":      now.UTC(),
				"replaced_by_token": successor.Token,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyRevoked
		}
		return nil
	})
}

// Revoke revokes a single row (idempotent).
func (s *GormStore) Revoke(ctx context.Context, now time.Time, token, reason string) (bool, error) {
	n, err := s.revoke(ctx, now, reason, s.db.Where("token = ?", token))
	return n > 0, err
}

// RevokeOwned revokes a single row only when it belongs to userID.
func (s *GormStore) RevokeOwned(ctx context.Context, now time.Time, token, userID, reason string) (bool, error) {
	n, err := s.revoke(ctx, now, reason, s.db.Where("token = ? AND user_id = ?", token, userID))
	return n > 0, err
}

// RevokeAll revokes all live rows for a user.
func (s *GormStore) RevokeAll(ctx context.Context, now time.Time, userID, reason string) (int64, error) {
	return s.revoke(ctx, now, reason, s.db.Where("user_id = ?", userID))
}

// RevokeOthers revokes all live rows for a user except those minted with keepJTI.
func (s *GormStore) RevokeOthers(ctx context.Context, now time.Time, userID, keepJTI, reason string) (int64, error) {
	return s.revoke(ctx, now, reason,
		s.db.Where("user_id = ? AND (access_token_jti IS NULL OR access_token_jti <> ?)", userID, keepJTI))
}

// RevokeExpired marks rows with expires_at < now revoked.
//
// On Postgres the comparison runs in SQL. SQLite keeps timestamps as text, so
// there the table is walked in token order, sweepBatch rows at a time, and
// expiry is decided in Go.
func (s *GormStore) RevokeExpired(ctx context.Context, now time.Time, reason string) (int64, error) {
	now = now.UTC()
	if s.db.Dialector.Name() == "postgres" {
		return s.revoke(ctx, now, reason, s.db.Where("expires_at < ?", now))
	}

	batch := s.sweepBatch
	if batch <= 0 {
		batch = defaultSweepBatch
	}

	var total int64
	cursor := ""
	for {
		var recs []refreshTokenRecord
		if err := s.db.WithContext(ctx).
			Select("token", "expires_at").
			Where("is_revoked = ? AND token > ?", false, cursor).
			Order("token").
			Limit(batch).
			Find(&recs).Error; err != nil {
			return total, err
		}
		if len(recs) == 0 {
			return total, nil
		}
		cursor = recs[len(recs)-1].Token

		var expired []string
		for _, r := range recs {
			if now.After(r.ExpiresAt) {
				expired = append(expired, r.Token)
			}
		}
		if len(expired) > 0 {
			n, err := s.revoke(ctx, now, reason, s.db.Where("token IN ?", expired))
			total += n
			if err != nil {
				return total, err
			}
		}
		if len(recs) < batch {
			return total, nil
		}
	}
}

// ListActive returns live rows for a user, most recently used first.
func (s *GormStore) ListActive(ctx context.Context, now time.Time, userID string) ([]RefreshToken, error) {
	var recs []refreshTokenRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_revoked = ?", userID, false).
		Find(&recs).Error; err != nil {
		return nil, err
	}

	out := make([]RefreshToken, 0, len(recs))
	for _, rec := range recs {
		row := rec.toRow()
		if !row.ExpiresAt.After(now) {
			continue
		}
		out = append(out, row)
	}
	sortByRecentUse(out)
	return out, nil
}

func (s *GormStore) revoke(ctx context.Context, now time.Time, reason string, scope *gorm.DB) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&refreshTokenRecord{}).
		Where(scope).
		Where("is_revoked = ?", false).
		Updates(map[string]any{
			"is_revoked":     true,
			"revoked_reason": reason,
			"revoked_at":     now.UTC(),
		})
	return res.RowsAffected, res.Error
}

func sortByRecentUse(rows []RefreshToken) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].LastUsedAt.Equal(rows[j].LastUsedAt) {
			return rows[i].LastUsedAt.After(rows[j].LastUsedAt)
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
}

func ptrIfNotEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
