package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"main/domain/entity"
	"main/internal/metrics"
)

const (
	// New IPs start in the neutral band: the good-standing bonus has to be
	// earned through clean history, never granted on first sight.
	initialScore = 50
	maxScore     = 100

	// An IP at or below this score with this many violations becomes a
	// standing deny entry, independent of any rate-limit window.
	autoBlacklistScore      = 10
	autoBlacklistViolations = 10
)

// ReputationStore is the injectable key-value backend for IP reputation. Any
// implementation must make Apply atomic per key so concurrent violation
// updates from multiple instances cannot lose each other.
type ReputationStore interface {
	Get(ctx context.Context, ip string) (entity.IPReputation, error)
	Apply(ctx context.Context, ip string, fn func(entity.IPReputation) entity.IPReputation) (entity.IPReputation, error)
}

// MemoryReputationStore is the single-instance default. Multi-instance
// deployments must use the Redis-backed store instead.
type MemoryReputationStore struct {
	mu      sync.Mutex
	entries map[string]entity.IPReputation
}

func NewMemoryReputationStore() *MemoryReputationStore {
	return &MemoryReputationStore{entries: make(map[string]entity.IPReputation)}
}

func (s *MemoryReputationStore) Get(_ context.Context, ip string) (entity.IPReputation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.entries[ip]
	if !ok {
		return newReputation(), nil
	}
	return rep, nil
}

func (s *MemoryReputationStore) Apply(_ context.Context, ip string, fn func(entity.IPReputation) entity.IPReputation) (entity.IPReputation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.entries[ip]
	if !ok {
		rep = newReputation()
	}
	rep = fn(rep)
	s.entries[ip] = rep
	return rep, nil
}

func newReputation() entity.IPReputation {
	return entity.IPReputation{Score: initialScore, LastSeen: time.Now()}
}

// Tracker maintains the decaying per-IP trust score and the allow/deny
// overrides.
type Tracker struct {
	store   ReputationStore
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewTracker(store ReputationStore, m *metrics.Metrics, logger *slog.Logger, whitelist, blacklist []string) *Tracker {
	t := &Tracker{store: store, metrics: m, logger: logger}
	ctx := context.Background()
	for _, ip := range whitelist {
		t.WhitelistIP(ctx, ip)
	}
	for _, ip := range blacklist {
		t.BlacklistIP(ctx, ip)
	}
	return t
}

// Multiplier scales a tier's attempt budget by the IP's standing. A store
// error yields the neutral multiplier (fail open).
func (t *Tracker) Multiplier(ctx context.Context, ip string) float64 {
	rep, err := t.store.Get(ctx, ip)
	if err != nil {
		t.logger.Error("reputation lookup failed", "ip", ip, "error", err)
		return 1.0
	}

	switch {
	case rep.Score >= 90:
		return 1.2
	case rep.Score <= autoBlacklistScore:
		return 0.1
	case rep.Score <= 30:
		return 0.5
	default:
		return 1.0
	}
}

// RecordViolation drops the score sharply; repeat offenders fall faster. An
// IP crossing the auto-blacklist threshold becomes a standing deny entry.
func (t *Tracker) RecordViolation(ctx context.Context, ip string) {
	if ip == "" {
		return
	}
	now := time.Now()
	var crossed bool
	updated, err := t.store.Apply(ctx, ip, func(rep entity.IPReputation) entity.IPReputation {
		if rep.Whitelisted {
			return rep
		}
		penalty := 10 + rep.ViolationCount*2
		rep.Score -= penalty
		if rep.Score < 0 {
			rep.Score = 0
		}
		rep.ViolationCount++
		rep.LastViolation = &now
		rep.LastSeen = now
		if !rep.Blacklisted && rep.Score <= autoBlacklistScore && rep.ViolationCount >= autoBlacklistViolations {
			rep.Blacklisted = true
			crossed = true
		}
		return rep
	})
	if err != nil {
		t.logger.Error("reputation violation update failed", "ip", ip, "error", err)
		return
	}
	if crossed {
		if t.metrics != nil {
			t.metrics.BlacklistedIPs.Inc()
		}
		t.logger.Warn("ip auto-blacklisted", "ip", ip, "violations", updated.ViolationCount)
	}
}

// RecordClean nudges the score back up on good behavior.
func (t *Tracker) RecordClean(ctx context.Context, ip string) {
	if ip == "" {
		return
	}
	_, err := t.store.Apply(ctx, ip, func(rep entity.IPReputation) entity.IPReputation {
		if rep.Score < maxScore {
			rep.Score++
		}
		rep.LastSeen = time.Now()
		return rep
	})
	if err != nil {
		t.logger.Error("reputation clean update failed", "ip", ip, "error", err)
	}
}

// IsDenied reports whether the IP is blacklisted, manually or automatically.
// Whitelisting always wins; store errors fail open.
func (t *Tracker) IsDenied(ctx context.Context, ip string) bool {
	rep, err := t.store.Get(ctx, ip)
	if err != nil {
		t.logger.Error("reputation lookup failed", "ip", ip, "error", err)
		return false
	}
	if rep.Whitelisted {
		return false
	}
	return rep.Blacklisted
}

func (t *Tracker) IsWhitelisted(ctx context.Context, ip string) bool {
	rep, err := t.store.Get(ctx, ip)
	if err != nil {
		return false
	}
	return rep.Whitelisted
}

func (t *Tracker) WhitelistIP(ctx context.Context, ip string) {
	_, err := t.store.Apply(ctx, ip, func(rep entity.IPReputation) entity.IPReputation {
		rep.Whitelisted = true
		rep.Blacklisted = false
		return rep
	})
	if err != nil {
		t.logger.Error("whitelist update failed", "ip", ip, "error", err)
	}
}

func (t *Tracker) BlacklistIP(ctx context.Context, ip string) {
	_, err := t.store.Apply(ctx, ip, func(rep entity.IPReputation) entity.IPReputation {
		rep.Whitelisted = false
		rep.Blacklisted = true
		return rep
	})
	if err != nil {
		t.logger.Error("blacklist update failed", "ip", ip, "error", err)
	}
}
