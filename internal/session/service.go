package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"time"

	"main/domain/entity"

	"github.com/google/uuid"
)

const tokenBytes = 32

type Store interface {
	Create(ctx context.Context, session *entity.Session) error
	GetByHash(ctx context.Context, tokenHash string) (*entity.Session, error)
	// Touch advances updated_at as a sliding activity marker.
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	ExtendExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) error
	Invalidate(ctx context.Context, id uuid.UUID) error
	InvalidateAllForUser(ctx context.Context, userID uuid.UUID) error
	StatsForUser(ctx context.Context, userID uuid.UUID) (*Stats, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]entity.Session, error)
}

type Service struct {
	store          Store
	logger         *slog.Logger
	maxAge         time.Duration
	rememberMaxAge time.Duration
}

func NewService(store Store, logger *slog.Logger, maxAge, rememberMaxAge time.Duration) *Service {
	return &Service{
		store:          store,
		logger:         logger,
		maxAge:         maxAge,
		rememberMaxAge: rememberMaxAge,
	}
}

type CreateInput struct {
	IPAddress  string
	UserAgent  string
	DeviceInfo string
	RememberMe bool
}

// CreateResult carries the raw tokens exactly once, for cookie-setting. Only
// their hashes are persisted.
type CreateResult struct {
	Session   *entity.Session
	Token     string
	CSRFToken string
}

// Stats is a read-only per-user session report.
type Stats struct {
	ActiveSessions int            `json:"active_sessions"`
	TotalSessions  int            `json:"total_sessions"`
	LastLoginAt    *time.Time     `json:"last_login_at,omitempty"`
	DeviceCounts   map[string]int `json:"device_counts"`
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken is the storage form of both session and CSRF tokens.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (s *Service) Create(ctx context.Context, userID uuid.UUID, input CreateInput) (*CreateResult, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	csrfToken, err := generateToken()
	if err != nil {
		return nil, err
	}

	maxAge := s.maxAge
	if input.RememberMe {
		maxAge = s.rememberMaxAge
	}

	now := time.Now()
	session := &entity.Session{
		ID:            uuid.New(),
		UserID:        userID,
		TokenHash:     HashToken(token),
		CSRFTokenHash: HashToken(csrfToken),
		IPAddress:     input.IPAddress,
		UserAgent:     input.UserAgent,
		DeviceInfo:    input.DeviceInfo,
		Active:        true,
		ExpiresAt:     now.Add(maxAge),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.Create(ctx, session); err != nil {
		return nil, err
	}

	return &CreateResult{Session: session, Token: token, CSRFToken: csrfToken}, nil
}

// Validate resolves a raw session token to its active, unexpired record.
// A nil, nil return means "no session" and is not an error.
func (s *Service) Validate(ctx context.Context, rawToken string) (*entity.Session, error) {
	if rawToken == "" {
		return nil, nil
	}

	session, err := s.store.GetByHash(ctx, HashToken(rawToken))
	if err != nil {
		return nil, err
	}
	if session == nil || !session.Active || time.Now().After(session.ExpiresAt) {
		return nil, nil
	}

	now := time.Now()
	if err := s.store.Touch(ctx, session.ID, now); err != nil {
		// Activity marker only; the session is still valid.
		s.logger.Warn("session touch failed", "session_id", session.ID, "error", err)
	}
	session.UpdatedAt = now

	return session, nil
}

// Refresh extends an active session's expiry. Nil result if the session is
// unknown or inactive.
func (s *Service) Refresh(ctx context.Context, rawToken string, extendBy time.Duration) (*entity.Session, error) {
	session, err := s.Validate(ctx, rawToken)
	if err != nil || session == nil {
		return nil, err
	}

	if extendBy <= 0 {
		extendBy = s.maxAge
	}
	expiresAt := time.Now().Add(extendBy)
	if err := s.store.ExtendExpiry(ctx, session.ID, expiresAt); err != nil {
		return nil, err
	}
	session.ExpiresAt = expiresAt

	return session, nil
}

// Invalidate flips the active flag off. Rows are kept for the audit trail.
func (s *Service) Invalidate(ctx context.Context, rawToken string) error {
	session, err := s.store.GetByHash(ctx, HashToken(rawToken))
	if err != nil || session == nil {
		return err
	}
	return s.store.Invalidate(ctx, session.ID)
}

func (s *Service) InvalidateAllForUser(ctx context.Context, userID uuid.UUID) error {
	return s.store.InvalidateAllForUser(ctx, userID)
}

func (s *Service) Stats(ctx context.Context, userID uuid.UUID) (*Stats, error) {
	return s.store.StatsForUser(ctx, userID)
}

// List returns the user's sessions, newest first.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]entity.Session, error) {
	return s.store.ListForUser(ctx, userID)
}

// VerifyCSRF requires both values present and exactly equal. Both failure
// paths reject identically; the comparison is constant-time.
func VerifyCSRF(cookieToken, headerToken string) bool {
	if cookieToken == "" || headerToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookieToken), []byte(headerToken)) == 1
}

// MatchesSession checks that the CSRF token presented belongs to this
// session record.
func MatchesSession(session *entity.Session, csrfToken string) bool {
	if session == nil || csrfToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(session.CSRFTokenHash), []byte(HashToken(csrfToken))) == 1
}
