package postgres

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper runs the idempotent maintenance deletes: expired blacklist rows,
// expired refresh tokens, stale login attempts and dead sessions. Safe to
// run on any schedule and from any instance.
type Sweeper struct {
	db               DB
	blacklist        *BlacklistRepo
	refreshTokens    *RefreshTokenRepo
	attempts         *AttemptRepo
	logger           *slog.Logger
	attemptRetention time.Duration
}

func NewSweeper(db DB, blacklist *BlacklistRepo, refreshTokens *RefreshTokenRepo,
	attempts *AttemptRepo, logger *slog.Logger, attemptRetention time.Duration) *Sweeper {
	return &Sweeper{
		db:               db,
		blacklist:        blacklist,
		refreshTokens:    refreshTokens,
		attempts:         attempts,
		logger:           logger,
		attemptRetention: attemptRetention,
	}
}

// Run sweeps on the given interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Sweeper) Sweep(ctx context.Context) {
	if n, err := s.blacklist.DeleteExpired(ctx); err != nil {
		s.logger.Error("blacklist sweep failed", "error", err)
	} else if n > 0 {
		s.logger.Info("pruned expired blacklist entries", "rows", n)
	}

	if n, err := s.refreshTokens.DeleteExpired(ctx); err != nil {
		s.logger.Error("refresh token sweep failed", "error", err)
	} else if n > 0 {
		s.logger.Info("pruned expired refresh tokens", "rows", n)
	}

	if n, err := s.attempts.PurgeOlderThan(ctx, time.Now().Add(-s.attemptRetention)); err != nil {
		s.logger.Error("attempt log sweep failed", "error", err)
	} else if n > 0 {
		s.logger.Info("purged stale login attempts", "rows", n)
	}

	if tag, err := s.db.Exec(ctx,
		`UPDATE sessions SET active = false WHERE active AND expires_at < now()`); err != nil {
		s.logger.Error("session sweep failed", "error", err)
	} else if tag.RowsAffected() > 0 {
		s.logger.Info("deactivated expired sessions", "rows", tag.RowsAffected())
	}
}
