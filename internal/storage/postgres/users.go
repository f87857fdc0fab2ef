package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"main/domain/entity"
	"main/internal/metrics"
	"main/pkg/customerrors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const userColumns = `id, email, username, password_hash, role, is_locked, locked_until,
			failed_login_count, last_login_at, created_at, updated_at`

type UserRepo struct {
	db      DB
	Metrics *metrics.Metrics
}

func NewUserRepo(db DB, m *metrics.Metrics) *UserRepo {
	return &UserRepo{db: db, Metrics: m}
}

func (r *UserRepo) Create(ctx context.Context, user *entity.User) (err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("insert_user", start, err)
	}(time.Now())

	sql := `INSERT INTO users
			(id, email, username, password_hash, role, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = r.db.Exec(ctx, sql,
		user.ID, user.Email, user.Username, user.PasswordHash, user.Role, user.CreatedAt, user.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if strings.Contains(pgErr.ConstraintName, "username") {
			return customerrors.ErrUsernameInUse
		}
		return customerrors.ErrEmailInUse
	}
	return err
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	return r.getBy(ctx, "select_user_by_email", "email = $1", email)
}

func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*entity.User, error) {
	return r.getBy(ctx, "select_user_by_username", "username = $1", username)
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.User, error) {
	return r.getBy(ctx, "select_user_by_id", "id = $1", id)
}

func (r *UserRepo) getBy(ctx context.Context, queryName, where string, arg any) (user *entity.User, err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB(queryName, start, err)
	}(time.Now())

	row := r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg)

	var u entity.User
	err = row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Role, &u.IsLocked,
		&u.LockedUntil, &u.FailedLoginCount, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepo) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) (err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("update_user_password", start, err)
	}(time.Now())

	tag, err := r.db.Exec(ctx,
		`UPDATE users SET password_hash = $1, updated_at = now() WHERE id = $2`, passwordHash, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return customerrors.ErrNoRowsAffected
	}
	return nil
}

// SetLock updates the lock state; a nil until clears the lock window.
func (r *UserRepo) SetLock(ctx context.Context, id uuid.UUID, locked bool, until *time.Time) (err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("update_user_lock", start, err)
	}(time.Now())

	_, err = r.db.Exec(ctx,
		`UPDATE users SET is_locked = $1, locked_until = $2, updated_at = now() WHERE id = $3`,
		locked, until, id)
	return err
}

func (r *UserRepo) RecordLogin(ctx context.Context, id uuid.UUID, at time.Time) (err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("update_user_login", start, err)
	}(time.Now())

	_, err = r.db.Exec(ctx,
		`UPDATE users SET last_login_at = $1, failed_login_count = 0, updated_at = now() WHERE id = $2`,
		at, id)
	return err
}

func (r *UserRepo) IncrementFailedLogins(ctx context.Context, id uuid.UUID) (count int, err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("increment_failed_logins", start, err)
	}(time.Now())

	err = r.db.QueryRow(ctx,
		`UPDATE users SET failed_login_count = failed_login_count + 1, updated_at = now()
		 WHERE id = $1 RETURNING failed_login_count`, id).Scan(&count)
	return count, err
}

// Delete removes the user; dependent rows cascade through foreign keys.
func (r *UserRepo) Delete(ctx context.Context, id uuid.UUID) (err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("delete_user", start, err)
	}(time.Now())

	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return customerrors.ErrNoRowsAffected
	}
	return nil
}
