package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"sentra.dev/internal/iam"
)

// Refresh token store -------------------------------------------------------

type refreshTokenStore struct{ db *sql.DB }

const refreshTokenColumns = `id, user_id, token_hash, jti, device, expires_at, created_at, last_used_at, rotated_at`

func (s *refreshTokenStore) Create(ctx context.Context, rt *iam.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, jti, device, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, rt.ID, rt.UserID, rt.TokenHash, rt.JTI, nullIfEmpty(rt.Device), rt.ExpiresAt, rt.CreatedAt)
	return mapWriteError(err)
}

func scanRefreshToken(row interface{ Scan(...any) error }) (*iam.RefreshToken, error) {
	var (
		rt       iam.RefreshToken
		device   sql.NullString
		lastUsed sql.NullTime
		rotated  sql.NullTime
	)
	err := row.Scan(&rt.ID, &rt.UserID, &rt.TokenHash, &rt.JTI, &device, &rt.ExpiresAt, &rt.CreatedAt, &lastUsed, &rotated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rt.Device = stringOrEmpty(device)
	rt.LastUsedAt = timeOrZero(lastUsed)
	rt.RotatedAt = timeOrZero(rotated)
	return &rt, nil
}

func (s *refreshTokenStore) FindByHash(ctx context.Context, tokenHash string) (*iam.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `select `+refreshTokenColumns+` from refresh_tokens where token_hash = $1`, tokenHash)
	return scanRefreshToken(row)
}

// Rotate retires the old row and persists the replacement in one
// transaction. The row lock makes concurrent rotations of the same token
// serialize; the loser sees the tombstone and reports reuse.
func (s *refreshTokenStore) Rotate(ctx context.Context, oldID string, usedAt time.Time, replacement *iam.RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var rotated sql.NullTime
	err = tx.QueryRowContext(ctx, `select rotated_at from refresh_tokens where id = $1 for update`, oldID).Scan(&rotated)
	if errors.Is(err, sql.ErrNoRows) {
		return iam.ErrNotFound
	}
	if err != nil {
		return err
	}
	if rotated.Valid {
		return iam.ErrTokenReuseDetected
	}
	if _, err := tx.ExecContext(ctx, `
		update refresh_tokens set rotated_at = $2, last_used_at = $2 where id = $1
	`, oldID, usedAt); err != nil {
		return err
	}
	if replacement != nil {
		if _, err := tx.ExecContext(ctx, `
			insert into refresh_tokens (id, user_id, token_hash, jti, device, expires_at, created_at)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, replacement.ID, replacement.UserID, replacement.TokenHash, replacement.JTI,
			nullIfEmpty(replacement.Device), replacement.ExpiresAt, replacement.CreatedAt); err != nil {
			return mapWriteError(err)
		}
	}
	return tx.Commit()
}

func (s *refreshTokenStore) ListActiveByUser(ctx context.Context, userID string) ([]*iam.RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+refreshTokenColumns+` from refresh_tokens
		where user_id = $1 and rotated_at is null and expires_at > now()
		order by created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*iam.RefreshToken
	for rows.Next() {
		rt, err := scanRefreshToken(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rt)
	}
	return result, rows.Err()
}

// DeleteExpired also drops rotated tombstones once their natural expiry has
// passed, so reuse within the token lifetime is still detectable.
func (s *refreshTokenStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at <= $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Blacklist store -----------------------------------------------------------

type blacklistStore struct{ db *sql.DB }

func (s *blacklistStore) Add(ctx context.Context, e iam.BlacklistEntry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into token_blacklist (jti, user_id, token_type, expires_at, revoked_at, revoked_by, reason)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (jti) do nothing
	`, e.JTI, e.UserID, e.TokenType, e.ExpiresAt, e.RevokedAt, nullIfEmpty(e.RevokedBy), nullIfEmpty(e.Reason))
	return mapWriteError(err)
}

func (s *blacklistStore) IsBlacklisted(ctx context.Context, jti string, now time.Time) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from token_blacklist where jti = $1 and expires_at > $2)
	`, jti, now).Scan(&revoked)
	return revoked, err
}

func (s *blacklistStore) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from token_blacklist where expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
