package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"main/domain/entity"
	"main/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAttemptStore struct {
	mu       sync.Mutex
	attempts []*entity.LoginAttempt

	snapshotErr error
	recordErr   error
}

func (f *fakeAttemptStore) Record(_ context.Context, attempt *entity.LoginAttempt) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt)
	return nil
}

func (f *fakeAttemptStore) WindowSnapshot(_ context.Context, identifier string, window, lookback time.Duration, failuresOnly bool) (*WindowStats, error) {
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	stats := &WindowStats{}
	for _, attempt := range f.attempts {
		if attempt.Identifier != identifier || attempt.CreatedAt.Before(now.Add(-lookback)) {
			continue
		}
		if !attempt.CreatedAt.Before(now.Add(-window)) && (!failuresOnly || !attempt.Success) {
			stats.Count++
		}
		if !attempt.Success {
			if stats.LastFailure == nil || attempt.CreatedAt.After(*stats.LastFailure) {
				at := attempt.CreatedAt
				stats.LastFailure = &at
			}
		}
	}
	if stats.LastFailure != nil {
		since := stats.LastFailure.Add(-window)
		for _, attempt := range f.attempts {
			if attempt.Identifier != identifier || (failuresOnly && attempt.Success) {
				continue
			}
			if !attempt.CreatedAt.Before(since) && !attempt.CreatedAt.After(*stats.LastFailure) {
				stats.CountAtLastFailure++
			}
		}
	}
	return stats, nil
}

func (f *fakeAttemptStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.attempts[:0]
	var purged int64
	for _, attempt := range f.attempts {
		if attempt.CreatedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, attempt)
	}
	f.attempts = kept
	return purged, nil
}

var loginTier = config.TierConfig{
	Name:           "login",
	Window:         15 * time.Minute,
	MaxAttempts:    5,
	BlockDuration:  30 * time.Minute,
	SkipSuccessful: true,
}

var apiTier = config.TierConfig{
	Name:        "api",
	Window:      15 * time.Minute,
	MaxAttempts: 100,
}

func newTestLimiter(store AttemptStore, tracker *Tracker) *Limiter {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLimiter(store, tracker, nil, logger, 24*time.Hour)
}

func newTestTracker() *Tracker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTracker(NewMemoryReputationStore(), nil, logger, nil, nil)
}

func recordFailures(l *Limiter, identifier, ip string, n int) {
	for i := 0; i < n; i++ {
		l.RecordAttempt(context.Background(), identifier, false, AttemptMeta{IPAddress: ip})
	}
}

func TestAllowsUnderLimit(t *testing.T) {
	limiter := newTestLimiter(&fakeAttemptStore{}, nil)

	recordFailures(limiter, "alice@example.com", "", 4)
	result := limiter.Check(context.Background(), "alice@example.com", "", loginTier, CheckOptions{})
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Remaining)
	assert.Equal(t, 4, result.TotalHits)
}

func TestBlocksAtLimit(t *testing.T) {
	limiter := newTestLimiter(&fakeAttemptStore{}, nil)

	recordFailures(limiter, "alice@example.com", "", 5)
	result := limiter.Check(context.Background(), "alice@example.com", "", loginTier, CheckOptions{})
	assert.False(t, result.Allowed)
	assert.True(t, result.Blocked)
	require.NotNil(t, result.BlockExpiresAt)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), *result.BlockExpiresAt, 5*time.Second)
}

func TestSuccessesNotCountedOnLoginTier(t *testing.T) {
	limiter := newTestLimiter(&fakeAttemptStore{}, nil)

	for i := 0; i < 4; i++ {
		limiter.RecordAttempt(context.Background(), "alice@example.com", true, AttemptMeta{})
	}
	recordFailures(limiter, "alice@example.com", "", 4)

	result := limiter.Check(context.Background(), "alice@example.com", "", loginTier, CheckOptions{})
	assert.True(t, result.Allowed)
	assert.Equal(t, 4, result.TotalHits)
}

func TestAllHitsCountedOnAPITier(t *testing.T) {
	store := &fakeAttemptStore{}
	limiter := newTestLimiter(store, nil)

	for i := 0; i < 100; i++ {
		limiter.RecordAttempt(context.Background(), "10.0.0.9", true, AttemptMeta{})
	}
	result := limiter.Check(context.Background(), "10.0.0.9", "", apiTier, CheckOptions{})
	assert.False(t, result.Allowed)
	// No block duration on the api tier: plain rejection, not a block.
	assert.False(t, result.Blocked)
}

func TestBlockOutlastsCountingWindow(t *testing.T) {
	store := &fakeAttemptStore{}
	limiter := newTestLimiter(store, nil)

	// Five failures 20 minutes ago: outside the 15 minute counting window,
	// but the 30 minute block still has 10 minutes to run.
	old := time.Now().Add(-20 * time.Minute)
	for i := 0; i < 5; i++ {
		store.attempts = append(store.attempts, &entity.LoginAttempt{
			Identifier: "alice@example.com",
			CreatedAt:  old.Add(time.Duration(i) * time.Second),
		})
	}

	result := limiter.Check(context.Background(), "alice@example.com", "", loginTier, CheckOptions{})
	assert.False(t, result.Allowed)
	assert.True(t, result.Blocked)
	require.NotNil(t, result.BlockExpiresAt)
	last := old.Add(4 * time.Second)
	assert.WithinDuration(t, last.Add(30*time.Minute), *result.BlockExpiresAt, time.Second)
}

func TestBlockLiftsAfterExpiry(t *testing.T) {
	store := &fakeAttemptStore{}
	limiter := newTestLimiter(store, nil)

	// Newest failure 40 minutes ago: block lapsed and the window is clear.
	old := time.Now().Add(-40 * time.Minute)
	for i := 0; i < 5; i++ {
		store.attempts = append(store.attempts, &entity.LoginAttempt{
			Identifier: "alice@example.com",
			CreatedAt:  old.Add(time.Duration(i) * time.Second),
		})
	}

	result := limiter.Check(context.Background(), "alice@example.com", "", loginTier, CheckOptions{})
	assert.True(t, result.Allowed)
	assert.False(t, result.Blocked)
}

func TestFailsOpenOnStoreError(t *testing.T) {
	store := &fakeAttemptStore{snapshotErr: errors.New("connection refused")}
	limiter := newTestLimiter(store, nil)

	result := limiter.Check(context.Background(), "alice@example.com", "", loginTier, CheckOptions{})
	assert.True(t, result.Allowed)
	assert.Equal(t, loginTier.MaxAttempts, result.Remaining)
}

func TestRoleMultiplier(t *testing.T) {
	limiter := newTestLimiter(&fakeAttemptStore{}, nil)
	recordFailures(limiter, "premium@example.com", "", 7)

	anonymous := limiter.Check(context.Background(), "premium@example.com", "", loginTier, CheckOptions{})
	assert.False(t, anonymous.Allowed)

	// Premium doubles the budget to 10, so 7 hits still pass.
	premium := limiter.Check(context.Background(), "premium@example.com", "", loginTier,
		CheckOptions{Role: entity.RolePremium, Authenticated: true})
	assert.True(t, premium.Allowed)
	assert.Equal(t, 3, premium.Remaining)

	admin := limiter.Check(context.Background(), "premium@example.com", "", loginTier,
		CheckOptions{Role: entity.RoleAdmin, Authenticated: true})
	assert.True(t, admin.Allowed)
	assert.Equal(t, 8, admin.Remaining)
}

func TestAuthenticatedMultiplier(t *testing.T) {
	limiter := newTestLimiter(&fakeAttemptStore{}, nil)
	recordFailures(limiter, "user@example.com", "", 6)

	// 5 * 1.5 = 7.5, truncated to 7.
	result := limiter.Check(context.Background(), "user@example.com", "", loginTier,
		CheckOptions{Role: entity.RoleUser, Authenticated: true})
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Remaining)
}

func TestFreshIPGetsNoBonus(t *testing.T) {
	tracker := newTestTracker()

	// Never-seen IPs sit in the neutral band; the bonus has to be earned.
	assert.Equal(t, 1.0, tracker.Multiplier(context.Background(), "203.0.113.55"))

	for i := 0; i < 45; i++ {
		tracker.RecordClean(context.Background(), "203.0.113.55")
	}
	assert.Equal(t, 1.2, tracker.Multiplier(context.Background(), "203.0.113.55"))
}

func TestFifthFailureBlocksFreshIP(t *testing.T) {
	tracker := newTestTracker()
	limiter := newTestLimiter(&fakeAttemptStore{}, tracker)
	ip := "203.0.113.56"

	for i := 0; i < 4; i++ {
		limiter.RecordAttempt(context.Background(), "alice@example.com", true, AttemptMeta{IPAddress: ip})
	}
	recordFailures(limiter, "alice@example.com", ip, 5)

	result := limiter.Check(context.Background(), "alice@example.com", ip, loginTier, CheckOptions{})
	assert.False(t, result.Allowed)
	assert.True(t, result.Blocked)
	require.NotNil(t, result.BlockExpiresAt)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), *result.BlockExpiresAt, 5*time.Second)
}

func TestReputationShrinksBudget(t *testing.T) {
	tracker := newTestTracker()
	limiter := newTestLimiter(&fakeAttemptStore{}, tracker)

	// From the neutral 50 two violations already land at 28; drive it lower.
	for i := 0; i < 6; i++ {
		tracker.RecordViolation(context.Background(), "203.0.113.7")
	}
	rep, err := tracker.store.Get(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	require.LessOrEqual(t, rep.Score, 30)

	recordFailures(limiter, "alice@example.com", "", 2)
	// Budget 5 * 0.5 = 2, so two failures exhaust it.
	result := limiter.Check(context.Background(), "alice@example.com", "203.0.113.7", loginTier, CheckOptions{})
	assert.False(t, result.Allowed)
}

func TestWhitelistBypassesEverything(t *testing.T) {
	tracker := newTestTracker()
	tracker.WhitelistIP(context.Background(), "198.51.100.4")
	limiter := newTestLimiter(&fakeAttemptStore{}, tracker)

	recordFailures(limiter, "alice@example.com", "198.51.100.4", 50)
	result := limiter.Check(context.Background(), "alice@example.com", "198.51.100.4", loginTier, CheckOptions{})
	assert.True(t, result.Allowed)
}

func TestBlacklistedIPDenied(t *testing.T) {
	tracker := newTestTracker()
	tracker.BlacklistIP(context.Background(), "203.0.113.99")
	limiter := newTestLimiter(&fakeAttemptStore{}, tracker)

	result := limiter.Check(context.Background(), "alice@example.com", "203.0.113.99", loginTier, CheckOptions{})
	assert.False(t, result.Allowed)
	assert.True(t, result.Blocked)
}

func TestAutoBlacklist(t *testing.T) {
	tracker := newTestTracker()

	for i := 0; i < 10; i++ {
		tracker.RecordViolation(context.Background(), "203.0.113.13")
	}
	assert.True(t, tracker.IsDenied(context.Background(), "203.0.113.13"))
}

func TestWhitelistedIPNeverAutoBlacklisted(t *testing.T) {
	tracker := newTestTracker()
	tracker.WhitelistIP(context.Background(), "198.51.100.8")

	for i := 0; i < 20; i++ {
		tracker.RecordViolation(context.Background(), "198.51.100.8")
	}
	assert.False(t, tracker.IsDenied(context.Background(), "198.51.100.8"))
	rep, err := tracker.store.Get(context.Background(), "198.51.100.8")
	require.NoError(t, err)
	assert.Equal(t, initialScore, rep.Score)
}

func TestCleanRequestsRecoverScore(t *testing.T) {
	tracker := newTestTracker()
	limiter := newTestLimiter(&fakeAttemptStore{}, tracker)

	tracker.RecordViolation(context.Background(), "203.0.113.20")
	before, err := tracker.store.Get(context.Background(), "203.0.113.20")
	require.NoError(t, err)

	limiter.RecordAttempt(context.Background(), "alice@example.com", true, AttemptMeta{IPAddress: "203.0.113.20"})
	after, err := tracker.store.Get(context.Background(), "203.0.113.20")
	require.NoError(t, err)
	assert.Equal(t, before.Score+1, after.Score)
}

func TestViolationPenaltyEscalates(t *testing.T) {
	tracker := newTestTracker()

	tracker.RecordViolation(context.Background(), "203.0.113.30")
	first, err := tracker.store.Get(context.Background(), "203.0.113.30")
	require.NoError(t, err)
	assert.Equal(t, initialScore-10, first.Score)

	tracker.RecordViolation(context.Background(), "203.0.113.30")
	second, err := tracker.store.Get(context.Background(), "203.0.113.30")
	require.NoError(t, err)
	assert.Equal(t, initialScore-22, second.Score)
}

func TestFailureCount(t *testing.T) {
	limiter := newTestLimiter(&fakeAttemptStore{}, nil)

	recordFailures(limiter, "alice@example.com", "", 3)
	limiter.RecordAttempt(context.Background(), "alice@example.com", true, AttemptMeta{})

	count, err := limiter.FailureCount(context.Background(), "alice@example.com", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestCleanupPurgesOldAttempts(t *testing.T) {
	store := &fakeAttemptStore{}
	limiter := newTestLimiter(store, nil)

	store.attempts = append(store.attempts, &entity.LoginAttempt{
		Identifier: "stale@example.com",
		CreatedAt:  time.Now().Add(-48 * time.Hour),
	})
	recordFailures(limiter, "fresh@example.com", "", 1)

	limiter.Cleanup(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.attempts, 1)
	assert.Equal(t, "fresh@example.com", store.attempts[0].Identifier)
}

func TestRecordSwallowsStoreError(t *testing.T) {
	store := &fakeAttemptStore{recordErr: errors.New("insert failed")}
	limiter := newTestLimiter(store, nil)

	// Must not panic or surface the error.
	limiter.RecordAttempt(context.Background(), "alice@example.com", false, AttemptMeta{})
}
