package postgres

import (
	"context"
	"errors"
	"time"

	"main/domain/entity"
	"main/internal/metrics"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type RefreshTokenRepo struct {
	db      DB
	Metrics *metrics.Metrics
}

func NewRefreshTokenRepo(db DB, m *metrics.Metrics) *RefreshTokenRepo {
	return &RefreshTokenRepo{db: db, Metrics: m}
}

func (r *RefreshTokenRepo) Store(ctx context.Context, token *entity.RefreshToken) (err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("insert_refresh_token", start, err)
	}(time.Now())

	sql := `INSERT INTO refresh_tokens
			(id, user_id, token_hash, device_info, ip_address, user_agent, revoked, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = r.db.Exec(ctx, sql,
		token.ID, token.UserID, token.TokenHash, token.DeviceInfo, token.IPAddress,
		token.UserAgent, token.Revoked, token.ExpiresAt, token.CreatedAt)
	return err
}

func (r *RefreshTokenRepo) GetByHash(ctx context.Context, hash string) (token *entity.RefreshToken, err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("select_refresh_token_by_hash", start, err)
	}(time.Now())

	sql := `SELECT id, user_id, token_hash, device_info, ip_address, user_agent, revoked, expires_at, created_at
			FROM refresh_tokens WHERE token_hash = $1`

	var t entity.RefreshToken
	err = r.db.QueryRow(ctx, sql, hash).Scan(
		&t.ID, &t.UserID, &t.TokenHash, &t.DeviceInfo, &t.IPAddress,
		&t.UserAgent, &t.Revoked, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// RevokeIfActive is the conditional update guarding refresh rotation: of two
// concurrent rotations only the one whose UPDATE hits the unrevoked row wins.
func (r *RefreshTokenRepo) RevokeIfActive(ctx context.Context, id uuid.UUID) (won bool, err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("revoke_refresh_token", start, err)
	}(time.Now())

	tag, err := r.db.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = true WHERE id = $1 AND revoked = false`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *RefreshTokenRepo) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("revoke_user_refresh_tokens", start, err)
	}(time.Now())

	_, err = r.db.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = true WHERE user_id = $1 AND revoked = false`, userID)
	return err
}

func (r *RefreshTokenRepo) DeleteExpired(ctx context.Context) (purged int64, err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("delete_expired_refresh_tokens", start, err)
	}(time.Now())

	tag, err := r.db.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type BlacklistRepo struct {
	db      DB
	Metrics *metrics.Metrics
}

func NewBlacklistRepo(db DB, m *metrics.Metrics) *BlacklistRepo {
	return &BlacklistRepo{db: db, Metrics: m}
}

func (r *BlacklistRepo) Add(ctx context.Context, token *entity.BlacklistedToken) (err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("insert_blacklisted_token", start, err)
	}(time.Now())

	sql := `INSERT INTO token_blacklist (token_id, token_hash, user_id, reason, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (token_hash) DO NOTHING`
	_, err = r.db.Exec(ctx, sql,
		token.TokenID, token.TokenHash, token.UserID, token.Reason, token.ExpiresAt, token.CreatedAt)
	return err
}

func (r *BlacklistRepo) IsBlacklisted(ctx context.Context, tokenHash string) (listed bool, err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("select_blacklisted_token", start, err)
	}(time.Now())

	err = r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM token_blacklist WHERE token_hash = $1)`, tokenHash).
		Scan(&listed)
	return listed, err
}

// DeleteExpired prunes rows once the listed token would have expired on its
// own anyway.
func (r *BlacklistRepo) DeleteExpired(ctx context.Context) (purged int64, err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("delete_expired_blacklist", start, err)
	}(time.Now())

	tag, err := r.db.Exec(ctx, `DELETE FROM token_blacklist WHERE expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
