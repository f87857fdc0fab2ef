package postgres_test

import (
	"context"
	"testing"
	"time"

	"main/domain/entity"
	psql "main/internal/storage/postgres"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionColumns = []string{
	"id", "user_id", "token_hash", "csrf_token_hash", "ip_address", "user_agent",
	"device_info", "active", "expires_at", "created_at", "updated_at",
}

func TestSessionGetByHash(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r := psql.NewSessionRepo(mock, nil)
	ctx := context.Background()
	sess := &entity.Session{
		ID:            uuid.New(),
		UserID:        uuid.New(),
		TokenHash:     "hash",
		CSRFTokenHash: "csrf",
		Active:        true,
		ExpiresAt:     time.Now().Add(24 * time.Hour),
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	t.Run("success", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, user_id, token_hash, csrf_token_hash").
			WithArgs(sess.TokenHash).
			WillReturnRows(pgxmock.NewRows(sessionColumns).AddRow(
				sess.ID, sess.UserID, sess.TokenHash, sess.CSRFTokenHash, sess.IPAddress,
				sess.UserAgent, sess.DeviceInfo, sess.Active, sess.ExpiresAt,
				sess.CreatedAt, sess.UpdatedAt,
			))

		got, err := r.GetByHash(ctx, sess.TokenHash)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, sess.ID, got.ID)
		assert.True(t, got.Active)
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, user_id, token_hash, csrf_token_hash").
			WithArgs("missing").
			WillReturnError(pgx.ErrNoRows)

		got, err := r.GetByHash(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestSessionInvalidateAllForUser(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r := psql.NewSessionRepo(mock, nil)
	userID := uuid.New()

	mock.ExpectExec("UPDATE sessions SET active = false").
		WithArgs(userID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	require.NoError(t, r.InvalidateAllForUser(context.Background(), userID))
}

func TestSessionStatsForUser(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r := psql.NewSessionRepo(mock, nil)
	userID := uuid.New()
	lastLogin := time.Now().Add(-time.Hour)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"active", "total", "last"}).
			AddRow(2, 5, &lastLogin))
	mock.ExpectQuery("SELECT device_info, COUNT").
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"device_info", "count"}).
			AddRow("mobile", 1).
			AddRow("", 1))

	stats, err := r.StatsForUser(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ActiveSessions)
	assert.Equal(t, 5, stats.TotalSessions)
	require.NotNil(t, stats.LastLoginAt)
	assert.Equal(t, 1, stats.DeviceCounts["mobile"])
	assert.Equal(t, 1, stats.DeviceCounts["unknown"])
}
