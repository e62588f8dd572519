package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL (tether.refresh_tokens).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed refresh-token store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const selectColumns = `
	token, user_id, access_token_jti,
	expires_at, created_at, last_used_at,
	is_revoked, revoked_reason, revoked_at, replaced_by_token,
	device_name, platform, browser, user_agent, ip_address`

// Insert inserts a new, live row.
func (s *PostgresStore) Insert(ctx context.Context, row RefreshToken) error {
	return insertRow(ctx, s.pool, row)
}

func insertRow(ctx context.Context, q querier, row RefreshToken) error {
	_, err := q.Exec(ctx, `
		INSERT INTO tether.refresh_tokens (
			token, user_id, access_token_jti,
			expires_at, created_at, last_used_at,
			is_revoked, revoked_reason, revoked_at, replaced_by_token,
			device_name, platform, browser, user_agent, ip_address
		) VALUES (
			$1, $2, $3,
			$4, $5, $6,
			false, NULL, NULL, NULL,
			$7, $8, $9, $10, $11
		)
	`,
		row.Token, row.UserID, nullIfEmpty(row.AccessTokenJTI),
		row.ExpiresAt, row.CreatedAt, row.LastUsedAt,
		nullIfEmpty(row.DeviceName), nullIfEmpty(row.Platform), nullIfEmpty(row.Browser),
		nullIfEmpty(row.UserAgent), nullIfEmpty(row.IPAddress),
	)
	return err
}

// Get loads a row by token digest.
func (s *PostgresStore) Get(ctx context.Context, token string) (RefreshToken, error) {
	row, err := scanRow(s.pool.QueryRow(ctx, `SELECT `+selectColumns+`
		FROM tether.refresh_tokens
		WHERE token = $1
	`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return RefreshToken{}, err
	}
	return row, nil
}

// Rotate inserts the successor and retires oldToken in one transaction.
func (s *PostgresStore) Rotate(ctx context.Context, now time.Time, oldToken string, successor RefreshToken) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertRow(ctx, tx, successor); err != nil {
		return err
	}

	// Losing writers block on the row lock and then see is_revoked = true.
	tag, err := tx.Exec(ctx, `
		UPDATE tether.refresh_tokens
		SET
			is_revoked = true,
			revoked_reason = $3,
			revoked_at = $2,
			last_used_at = $2,
			replaced_by_token = $4
		WHERE token = $1 AND is_revoked = false
	`, oldToken, now, ReasonRotated, successor.Token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyRevoked
	}

	return tx.Commit(ctx)
}

// Revoke revokes a single row (idempotent).
func (s *PostgresStore) Revoke(ctx context.Context, now time.Time, token, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tether.refresh_tokens
		SET is_revoked = true, revoked_reason = $3, revoked_at = $2
		WHERE token = $1 AND is_revoked = false
	`, token, now, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RevokeOwned revokes a single row only when it belongs to userID.
func (s *PostgresStore) RevokeOwned(ctx context.Context, now time.Time, token, userID, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tether.refresh_tokens
		SET is_revoked = true, revoked_reason = $4, revoked_at = $2
		WHERE token = $1 AND user_id = $3 AND is_revoked = false
	`, token, now, userID, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RevokeAll revokes all live rows for a user (idempotent).
func (s *PostgresStore) RevokeAll(ctx context.Context, now time.Time, userID, reason string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tether.refresh_tokens
		SET is_revoked = true, revoked_reason = $3, revoked_at = $2
		WHERE user_id = $1 AND is_revoked = false
	`, userID, now, reason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RevokeOthers revokes all live rows for a user except those minted with keepJTI.
func (s *PostgresStore) RevokeOthers(ctx context.Context, now time.Time, userID, keepJTI, reason string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tether.refresh_tokens
		SET is_revoked = true, revoked_reason = $4, revoked_at = $2
		WHERE user_id = $1
		  AND is_revoked = false
		  AND access_token_jti IS DISTINCT FROM $3
	`, userID, now, keepJTI, reason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RevokeExpired marks expired, unrevoked rows revoked.
func (s *PostgresStore) RevokeExpired(ctx context.Context, now time.Time, reason string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tether.refresh_tokens
		SET is_revoked = true, revoked_reason = $2, revoked_at = $1
		WHERE is_revoked = false AND expires_at < $1
	`, now, reason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListActive returns live rows for a user, most recently used first.
func (s *PostgresStore) ListActive(ctx context.Context, now time.Time, userID string) ([]RefreshToken, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+`
		FROM tether.refresh_tokens
		WHERE user_id = $1 AND is_revoked = false AND expires_at > $2
		ORDER BY last_used_at DESC, created_at DESC
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RefreshToken
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanRow(r pgx.Row) (RefreshToken, error) {
	var (
		row                                           RefreshToken
		jti, reason, replacedBy                       *string
		deviceName, platform, browser, userAgent, ip *string
	)
	err := r.Scan(
		&row.Token,
		&row.UserID,
		&jti,
		&row.ExpiresAt,
		&row.CreatedAt,
		&row.LastUsedAt,
		&row.IsRevoked,
		&reason,
		&row.RevokedAt,
		&replacedBy,
		&deviceName,
		&platform,
		&browser,
		&userAgent,
		&ip,
	)
	if err != nil {
		return RefreshToken{}, err
	}

	row.AccessTokenJTI = deref(jti)
	row.RevokedReason = deref(reason)
	row.ReplacedByToken = deref(replacedBy)
	row.DeviceName = deref(deviceName)
	row.Platform = deref(platform)
	row.Browser = deref(browser)
	row.UserAgent = deref(userAgent)
	row.IPAddress = deref(ip)
	return row, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
