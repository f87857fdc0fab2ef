package postgres

import (
	"context"
	"errors"
	"time"

	"main/domain/entity"
	"main/internal/metrics"
	"main/internal/session"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type SessionRepo struct {
	db      DB
	Metrics *metrics.Metrics
}

func NewSessionRepo(db DB, m *metrics.Metrics) *SessionRepo {
	return &SessionRepo{db: db, Metrics: m}
}

func (r *SessionRepo) Create(ctx context.Context, s *entity.Session) (err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("insert_session", start, err)
	}(time.Now())

	sql := `INSERT INTO sessions
			(id, user_id, token_hash, csrf_token_hash, ip_address, user_agent, device_info,
			 active, expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = r.db.Exec(ctx, sql,
		s.ID, s.UserID, s.TokenHash, s.CSRFTokenHash, s.IPAddress, s.UserAgent, s.DeviceInfo,
		s.Active, s.ExpiresAt, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *SessionRepo) GetByHash(ctx context.Context, tokenHash string) (sess *entity.Session, err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("select_session_by_hash", start, err)
	}(time.Now())

	sql := `SELECT id, user_id, token_hash, csrf_token_hash, ip_address, user_agent, device_info,
			active, expires_at, created_at, updated_at
			FROM sessions WHERE token_hash = $1`

	var s entity.Session
	err = r.db.QueryRow(ctx, sql, tokenHash).Scan(
		&s.ID, &s.UserID, &s.TokenHash, &s.CSRFTokenHash, &s.IPAddress, &s.UserAgent,
		&s.DeviceInfo, &s.Active, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SessionRepo) Touch(ctx context.Context, id uuid.UUID, at time.Time) (err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("touch_session", start, err)
	}(time.Now())

	_, err = r.db.Exec(ctx, `UPDATE sessions SET updated_at = $1 WHERE id = $2`, at, id)
	return err
}

func (r *SessionRepo) ExtendExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) (err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("extend_session", start, err)
	}(time.Now())

	_, err = r.db.Exec(ctx,
		`UPDATE sessions SET expires_at = $1, updated_at = now() WHERE id = $2 AND active`, expiresAt, id)
	return err
}

func (r *SessionRepo) Invalidate(ctx context.Context, id uuid.UUID) (err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("invalidate_session", start, err)
	}(time.Now())

	_, err = r.db.Exec(ctx,
		`UPDATE sessions SET active = false, updated_at = now() WHERE id = $1`, id)
	return err
}

func (r *SessionRepo) InvalidateAllForUser(ctx context.Context, userID uuid.UUID) (err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("invalidate_user_sessions", start, err)
	}(time.Now())

	_, err = r.db.Exec(ctx,
		`UPDATE sessions SET active = false, updated_at = now() WHERE user_id = $1 AND active`, userID)
	return err
}

func (r *SessionRepo) StatsForUser(ctx context.Context, userID uuid.UUID) (stats *session.Stats, err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("session_stats", start, err)
	}(time.Now())

	stats = &session.Stats{DeviceCounts: make(map[string]int)}

	err = r.db.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE active AND expires_at > now()), COUNT(*), MAX(created_at)
		 FROM sessions WHERE user_id = $1`, userID).
		Scan(&stats.ActiveSessions, &stats.TotalSessions, &stats.LastLoginAt)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx,
		`SELECT device_info, COUNT(*) FROM sessions
		 WHERE user_id = $1 AND active GROUP BY device_info`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var device string
		var count int
		if err = rows.Scan(&device, &count); err != nil {
			return nil, err
		}
		if device == "" {
			device = "unknown"
		}
		stats.DeviceCounts[device] = count
	}
	return stats, rows.Err()
}

// ListForUser returns the user's sessions newest first, for the session
// management UI.
func (r *SessionRepo) ListForUser(ctx context.Context, userID uuid.UUID) (sessions []entity.Session, err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("list_user_sessions", start, err)
	}(time.Now())

	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, token_hash, csrf_token_hash, ip_address, user_agent, device_info,
		 active, expires_at, created_at, updated_at
		 FROM sessions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var s entity.Session
		if err = rows.Scan(&s.ID, &s.UserID, &s.TokenHash, &s.CSRFTokenHash, &s.IPAddress,
			&s.UserAgent, &s.DeviceInfo, &s.Active, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
