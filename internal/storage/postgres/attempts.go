package postgres

import (
	"context"
	"time"

	"main/domain/entity"
	"main/internal/metrics"
	"main/internal/ratelimit"
)

type AttemptRepo struct {
	db      DB
	Metrics *metrics.Metrics
}

func NewAttemptRepo(db DB, m *metrics.Metrics) *AttemptRepo {
	return &AttemptRepo{db: db, Metrics: m}
}

func (r *AttemptRepo) Record(ctx context.Context, attempt *entity.LoginAttempt) (err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("insert_login_attempt", start, err)
	}(time.Now())

	sql := `INSERT INTO login_attempts
			(id, identifier, user_id, success, fail_reason, ip_address, user_agent, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = r.db.Exec(ctx, sql,
		attempt.ID, attempt.Identifier, attempt.UserID, attempt.Success,
		attempt.FailReason, attempt.IPAddress, attempt.UserAgent, attempt.CreatedAt)
	return err
}

// WindowSnapshot computes the window count, the latest failure inside the
// lookback and the count in the window ending at that failure in one query,
// so the block decision sees a single consistent view.
func (r *AttemptRepo) WindowSnapshot(ctx context.Context, identifier string, window, lookback time.Duration, failuresOnly bool) (stats *ratelimit.WindowStats, err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("attempt_window_snapshot", start, err)
	}(time.Now())

	now := time.Now()
	sql := `WITH scope AS (
				SELECT success, created_at FROM login_attempts
				WHERE identifier = $1 AND created_at >= $2
			), last_failure AS (
				SELECT MAX(created_at) AS at FROM scope WHERE NOT success
			)
			SELECT COUNT(*) FILTER (WHERE created_at >= $3 AND (NOT $4 OR NOT success)),
				   (SELECT at FROM last_failure),
				   COUNT(*) FILTER (WHERE created_at <= (SELECT at FROM last_failure)
					   AND created_at >= (SELECT at FROM last_failure) - $5::interval
					   AND (NOT $4 OR NOT success))
			FROM scope`

	stats = &ratelimit.WindowStats{}
	err = r.db.QueryRow(ctx, sql, identifier, now.Add(-lookback), now.Add(-window), failuresOnly, window).
		Scan(&stats.Count, &stats.LastFailure, &stats.CountAtLastFailure)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (r *AttemptRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (purged int64, err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("purge_login_attempts", start, err)
	}(time.Now())

	tag, err := r.db.Exec(ctx, `DELETE FROM login_attempts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
