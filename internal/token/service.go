package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"main/domain/entity"
	"main/pkg/customerrors"
	jwtmanager "main/pkg/jwt"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Verification rejection reasons surfaced to the middleware.
const (
	ReasonBlacklisted = "TOKEN_BLACKLISTED"
	ReasonExpired     = "TOKEN_EXPIRED"
	ReasonMalformed   = "TOKEN_MALFORMED"
	ReasonInvalid     = "TOKEN_INVALID"
)

const DefaultAccessExpiry = 15 * time.Minute

type RefreshTokenStore interface {
	Store(ctx context.Context, token *entity.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*entity.RefreshToken, error)
	// RevokeIfActive flips the revoked flag and reports whether this call won
	// the flip. Two concurrent rotations of the same token must see exactly
	// one true.
	RevokeIfActive(ctx context.Context, id uuid.UUID) (bool, error)
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
}

type BlacklistStore interface {
	IsBlacklisted(ctx context.Context, tokenHash string) (bool, error)
	Add(ctx context.Context, token *entity.BlacklistedToken) error
}

type Service struct {
	manager      *jwtmanager.Manager
	refreshStore RefreshTokenStore
	blacklist    BlacklistStore
	logger       *slog.Logger

	accessExpiry   time.Duration
	refreshExpiry  time.Duration
	rememberExpiry time.Duration
}

func NewService(manager *jwtmanager.Manager, refreshStore RefreshTokenStore, blacklist BlacklistStore,
	logger *slog.Logger, accessExpiry, refreshExpiry, rememberExpiry time.Duration) *Service {
	return &Service{
		manager:        manager,
		refreshStore:   refreshStore,
		blacklist:      blacklist,
		logger:         logger,
		accessExpiry:   accessExpiry,
		refreshExpiry:  refreshExpiry,
		rememberExpiry: rememberExpiry,
	}
}

// IssueOptions modify a single issuance. RememberMe stretches the access
// token lifetime; ExpiresIn overrides it outright.
type IssueOptions struct {
	RememberMe bool
	ExpiresIn  time.Duration
}

type AccessClaims struct {
	UserID     uuid.UUID
	Email      string
	Username   string
	Role       entity.Role
	SessionID  string
	DeviceInfo string
	IPAddress  string
}

type IssuedToken struct {
	Token     string
	TokenID   string
	ExpiresAt time.Time
}

type TokenPair struct {
	AccessToken  IssuedToken
	RefreshToken IssuedToken
}

// VerifyResult is a tagged result: verification never returns a Go error for
// an invalid token, only Valid=false with a Reason.
type VerifyResult struct {
	Valid  bool
	Claims *jwtmanager.Claims
	Reason string
}

// HashToken returns the hex SHA-256 digest used for all server-side token
// storage. Raw token values never hit the database.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (s *Service) IssueAccessToken(claims AccessClaims, opts IssueOptions) (IssuedToken, error) {
	ttl := s.accessExpiry
	if opts.RememberMe {
		ttl = s.rememberExpiry
	}
	if opts.ExpiresIn != 0 {
		ttl = opts.ExpiresIn
	}

	jwtClaims := &jwtmanager.Claims{
		Email:      claims.Email,
		Username:   claims.Username,
		Role:       string(claims.Role),
		SessionID:  claims.SessionID,
		TokenType:  jwtmanager.TokenTypeAccess,
		DeviceInfo: claims.DeviceInfo,
		IPAddress:  claims.IPAddress,
	}
	jwtClaims.Subject = claims.UserID.String()

	tokenString, tokenID, err := s.manager.Sign(jwtClaims, ttl)
	if err != nil {
		return IssuedToken{}, err
	}
	return IssuedToken{Token: tokenString, TokenID: tokenID, ExpiresAt: time.Now().Add(ttl)}, nil
}

type RefreshMeta struct {
	DeviceInfo string
	IPAddress  string
	UserAgent  string
}

func (s *Service) IssueRefreshToken(ctx context.Context, userID uuid.UUID, meta RefreshMeta) (IssuedToken, error) {
	claims := &jwtmanager.Claims{TokenType: jwtmanager.TokenTypeRefresh}
	claims.Subject = userID.String()

	tokenString, tokenID, err := s.manager.Sign(claims, s.refreshExpiry)
	if err != nil {
		return IssuedToken{}, err
	}

	now := time.Now()
	record := &entity.RefreshToken{
		ID:         uuid.New(),
		UserID:     userID,
		TokenHash:  HashToken(tokenString),
		DeviceInfo: meta.DeviceInfo,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		ExpiresAt:  now.Add(s.refreshExpiry),
		CreatedAt:  now,
	}
	if err := s.refreshStore.Store(ctx, record); err != nil {
		return IssuedToken{}, err
	}
	return IssuedToken{Token: tokenString, TokenID: tokenID, ExpiresAt: record.ExpiresAt}, nil
}

func (s *Service) IssueTokenPair(ctx context.Context, claims AccessClaims, opts IssueOptions) (*TokenPair, error) {
	access, err := s.IssueAccessToken(claims, opts)
	if err != nil {
		return nil, err
	}
	refresh, err := s.IssueRefreshToken(ctx, claims.UserID, RefreshMeta{
		DeviceInfo: claims.DeviceInfo,
		IPAddress:  claims.IPAddress,
	})
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Verify checks the blacklist first, then signature, issuer, audience and
// expiry. A store error denies the token (fail closed) rather than passing
// an unverifiable credential through.
func (s *Service) Verify(ctx context.Context, tokenString string) VerifyResult {
	blacklisted, err := s.blacklist.IsBlacklisted(ctx, HashToken(tokenString))
	if err != nil {
		s.logger.Error("blacklist lookup failed", "error", err)
		return VerifyResult{Reason: ReasonInvalid}
	}
	if blacklisted {
		return VerifyResult{Reason: ReasonBlacklisted}
	}

	claims, err := s.manager.Parse(tokenString)
	if err != nil {
		switch {
		case errors.Is(err, jwtlib.ErrTokenExpired):
			return VerifyResult{Reason: ReasonExpired}
		case errors.Is(err, jwtlib.ErrTokenMalformed):
			return VerifyResult{Reason: ReasonMalformed}
		default:
			return VerifyResult{Reason: ReasonInvalid}
		}
	}
	return VerifyResult{Valid: true, Claims: claims}
}

// Refresh rotates a refresh token: the old row is revoked with a conditional
// update and a brand-new pair is issued. Any failure means the caller must
// re-authenticate.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta RefreshMeta) (*TokenPair, error) {
	claims, err := s.manager.Parse(refreshToken)
	if err != nil {
		return nil, customerrors.ErrRefreshTokenNotFound
	}
	if claims.TokenType != jwtmanager.TokenTypeRefresh {
		return nil, customerrors.ErrRefreshTokenNotFound
	}

	record, err := s.refreshStore.GetByHash(ctx, HashToken(refreshToken))
	if err != nil {
		return nil, customerrors.Wrap(customerrors.KindInternal, "refresh token lookup failed", err)
	}
	if record == nil {
		return nil, customerrors.ErrRefreshTokenNotFound
	}
	if record.Revoked {
		return nil, customerrors.ErrRefreshTokenRevoked
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, customerrors.ErrRefreshTokenExpired
	}

	// Rotation-on-use. The losing side of a concurrent race gets a hard
	// failure, not a retry.
	won, err := s.refreshStore.RevokeIfActive(ctx, record.ID)
	if err != nil {
		return nil, customerrors.Wrap(customerrors.KindInternal, "refresh token revoke failed", err)
	}
	if !won {
		return nil, customerrors.ErrRefreshTokenRevoked
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, customerrors.ErrRefreshTokenNotFound
	}

	return s.IssueTokenPair(ctx, AccessClaims{
		UserID:     userID,
		Email:      claims.Email,
		Username:   claims.Username,
		Role:       entity.Role(claims.Role),
		DeviceInfo: meta.DeviceInfo,
		IPAddress:  meta.IPAddress,
	}, IssueOptions{})
}

// Blacklist records a token for rejection until its natural expiry. The
// token is decoded without expiry validation so an already-expired token can
// still be listed.
func (s *Service) Blacklist(ctx context.Context, tokenString, reason string, userID *uuid.UUID) error {
	claims, err := s.manager.ParseExpired(tokenString)
	if err != nil {
		return customerrors.Wrap(customerrors.KindValidation, "cannot decode token for blacklisting", err)
	}

	expiresAt := time.Now().Add(s.accessExpiry)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return s.blacklist.Add(ctx, &entity.BlacklistedToken{
		TokenID:   claims.ID,
		TokenHash: HashToken(tokenString),
		UserID:    userID,
		Reason:    reason,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	})
}

// RevokeRefreshToken revokes a single refresh token, as on logout of one
// device. Unknown or already-revoked tokens are a no-op.
func (s *Service) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	record, err := s.refreshStore.GetByHash(ctx, HashToken(refreshToken))
	if err != nil || record == nil {
		return err
	}
	_, err = s.refreshStore.RevokeIfActive(ctx, record.ID)
	return err
}

func (s *Service) RevokeAllRefreshTokens(ctx context.Context, userID uuid.UUID) error {
	return s.refreshStore.RevokeAllForUser(ctx, userID)
}

// ParseExpiry accepts unit-suffixed durations (s, m, h, d). An unparseable
// value falls back to the 15 minute default rather than failing startup.
func ParseExpiry(value string) time.Duration {
	value = strings.TrimSpace(value)
	if len(value) < 2 {
		return DefaultAccessExpiry
	}

	n, err := strconv.Atoi(value[:len(value)-1])
	if err != nil || n <= 0 {
		return DefaultAccessExpiry
	}

	switch value[len(value)-1] {
	case 's':
		return time.Duration(n) * time.Second
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	default:
		return DefaultAccessExpiry
	}
}
