package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"main/domain/entity"
	"main/internal/config"
	"main/internal/metrics"

	"github.com/google/uuid"
)

// WindowStats is a single consistent snapshot of the attempt log for one
// identifier. The block-escalation decision is computed from this snapshot,
// never from re-queried state.
type WindowStats struct {
	Count int
	// LastFailure is the most recent failure inside the lookback, which may
	// be longer than the counting window so an active block stays visible
	// after its triggering failures age out.
	LastFailure *time.Time
	// CountAtLastFailure is the hit count inside the window ending at
	// LastFailure. It reconstructs whether the threshold was met when the
	// block was imposed.
	CountAtLastFailure int
}

type AttemptStore interface {
	Record(ctx context.Context, attempt *entity.LoginAttempt) error
	// WindowSnapshot counts attempts in [now-window, now] and resolves the
	// most recent failure in [now-lookback, now] together with the count in
	// the window ending at that failure. With failuresOnly the counts
	// exclude successes.
	WindowSnapshot(ctx context.Context, identifier string, window, lookback time.Duration, failuresOnly bool) (*WindowStats, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type Result struct {
	Allowed        bool       `json:"allowed"`
	Remaining      int        `json:"remaining"`
	ResetTime      time.Time  `json:"reset_time"`
	TotalHits      int        `json:"total_hits"`
	Blocked        bool       `json:"blocked"`
	BlockExpiresAt *time.Time `json:"block_expires_at,omitempty"`
}

// CheckOptions describe the requester so the limit can be scaled by role and
// IP standing.
type CheckOptions struct {
	Role          entity.Role
	Authenticated bool
}

type AttemptMeta struct {
	UserID     *uuid.UUID
	FailReason string
	IPAddress  string
	UserAgent  string
}

type Limiter struct {
	attempts   AttemptStore
	reputation *Tracker
	metrics    *metrics.Metrics
	logger     *slog.Logger
	retention  time.Duration
}

func NewLimiter(attempts AttemptStore, reputation *Tracker, m *metrics.Metrics, logger *slog.Logger, retention time.Duration) *Limiter {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Limiter{
		attempts:   attempts,
		reputation: reputation,
		metrics:    m,
		logger:     logger,
		retention:  retention,
	}
}

// Reputation exposes the tracker for administrative allow/deny changes.
func (l *Limiter) Reputation() *Tracker { return l.reputation }

func roleMultiplier(opts CheckOptions) float64 {
	switch opts.Role {
	case entity.RoleAdmin:
		return 3.0
	case entity.RolePremium:
		return 2.0
	}
	if opts.Authenticated {
		return 1.5
	}
	return 1.0
}

// Check bounds the rate of an operation for one identifier. A data-layer
// error fails OPEN: a rate-limiter outage must not become a denial of
// service on legitimate users.
func (l *Limiter) Check(ctx context.Context, identifier, ip string, tier config.TierConfig, opts CheckOptions) Result {
	now := time.Now()

	if l.reputation != nil && ip != "" {
		if l.reputation.IsWhitelisted(ctx, ip) {
			return Result{Allowed: true, Remaining: tier.MaxAttempts, ResetTime: now.Add(tier.Window)}
		}
		if l.reputation.IsDenied(ctx, ip) {
			expires := now.Add(tier.Window)
			l.observe(tier, "denied")
			return Result{Allowed: false, Blocked: true, ResetTime: expires, BlockExpiresAt: &expires}
		}
	}

	// The lookback must cover the block duration: a block imposed at the last
	// failure holds until LastFailure+BlockDuration even after the triggering
	// failures leave the counting window.
	lookback := tier.Window
	if tier.BlockDuration > lookback {
		lookback = tier.BlockDuration
	}

	stats, err := l.attempts.WindowSnapshot(ctx, identifier, tier.Window, lookback, tier.SkipSuccessful)
	if err != nil {
		l.logger.Error("rate limit check failed open", "identifier", identifier, "error", err)
		l.observe(tier, "fail_open")
		return Result{Allowed: true, Remaining: tier.MaxAttempts, ResetTime: now.Add(tier.Window)}
	}

	// Role multiplier first, then reputation; the order is fixed to keep the
	// composed limit deterministic.
	effective := float64(tier.MaxAttempts) * roleMultiplier(opts)
	if l.reputation != nil && ip != "" {
		effective *= l.reputation.Multiplier(ctx, ip)
	}
	maxAttempts := int(effective)
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	resetTime := now.Add(tier.Window)

	// An active block holds until the most recent failure plus the block
	// duration, provided the threshold was met in the window ending at that
	// failure. Every check before that instant stays blocked.
	if tier.BlockDuration > 0 && stats.LastFailure != nil {
		blockExpires := stats.LastFailure.Add(tier.BlockDuration)
		if blockExpires.After(now) && stats.CountAtLastFailure >= maxAttempts {
			l.violation(ctx, ip)
			l.observe(tier, "blocked")
			return Result{
				Allowed:        false,
				Remaining:      0,
				ResetTime:      blockExpires,
				TotalHits:      stats.Count,
				Blocked:        true,
				BlockExpiresAt: &blockExpires,
			}
		}
	}

	if stats.Count >= maxAttempts {
		l.violation(ctx, ip)
		l.observe(tier, "rejected")
		return Result{Allowed: false, Remaining: 0, ResetTime: resetTime, TotalHits: stats.Count}
	}

	l.observe(tier, "allowed")
	return Result{
		Allowed:   true,
		Remaining: maxAttempts - stats.Count,
		ResetTime: resetTime,
		TotalHits: stats.Count,
	}
}

// RecordAttempt appends to the audit log. Failures to record are logged and
// swallowed; the write runs on a detached context so a client disconnect
// cannot abort it.
func (l *Limiter) RecordAttempt(ctx context.Context, identifier string, success bool, meta AttemptMeta) {
	attempt := &entity.LoginAttempt{
		ID:         uuid.New(),
		Identifier: identifier,
		UserID:     meta.UserID,
		Success:    success,
		FailReason: meta.FailReason,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		CreatedAt:  time.Now(),
	}

	detached := context.WithoutCancel(ctx)
	if err := l.attempts.Record(detached, attempt); err != nil {
		l.logger.Error("failed to record attempt", "identifier", identifier, "error", err)
	}

	if l.reputation != nil && meta.IPAddress != "" && success {
		l.reputation.RecordClean(detached, meta.IPAddress)
	}

	status := "failure"
	if success {
		status = "success"
	}
	if l.metrics != nil {
		l.metrics.LoginAttempts.WithLabelValues(status).Inc()
	}
}

// FailureCount reports failed attempts for an identifier inside the window.
// Used by the lockout escalation in the auth usecase.
func (l *Limiter) FailureCount(ctx context.Context, identifier string, window time.Duration) (int, error) {
	stats, err := l.attempts.WindowSnapshot(ctx, identifier, window, window, true)
	if err != nil {
		return 0, err
	}
	return stats.Count, nil
}

// Cleanup purges attempt rows past the retention window. Maintenance only,
// never on the request path.
func (l *Limiter) Cleanup(ctx context.Context) {
	purged, err := l.attempts.PurgeOlderThan(ctx, time.Now().Add(-l.retention))
	if err != nil {
		l.logger.Error("attempt log purge failed", "error", err)
		return
	}
	if purged > 0 {
		l.logger.Info("purged stale login attempts", "rows", purged)
	}
}

func (l *Limiter) violation(ctx context.Context, ip string) {
	if l.reputation != nil && ip != "" {
		l.reputation.RecordViolation(ctx, ip)
	}
}

func (l *Limiter) observe(tier config.TierConfig, outcome string) {
	if l.metrics == nil {
		return
	}
	l.metrics.RateLimitDecisions.WithLabelValues(tier.Name, outcome).Inc()
}
