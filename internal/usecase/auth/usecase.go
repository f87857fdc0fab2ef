package auth

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"main/domain/entity"
	"main/internal/ratelimit"
	"main/internal/session"
	"main/internal/token"
	"main/pkg/customerrors"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 72 // bcrypt input limit

	defaultLockThreshold = 10
	defaultLockWindow    = time.Hour
	defaultLockDuration  = 30 * time.Minute
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

type UserRepository interface {
	Create(ctx context.Context, user *entity.User) error
	GetByEmail(ctx context.Context, email string) (*entity.User, error)
	GetByUsername(ctx context.Context, username string) (*entity.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.User, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	SetLock(ctx context.Context, id uuid.UUID, locked bool, until *time.Time) error
	RecordLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	IncrementFailedLogins(ctx context.Context, id uuid.UUID) (int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type Usecase struct {
	users    UserRepository
	tokens   *token.Service
	sessions *session.Service
	limiter  *ratelimit.Limiter
	logger   *slog.Logger

	lockThreshold int
	lockWindow    time.Duration
	lockDuration  time.Duration
}

func NewUsecase(users UserRepository, tokens *token.Service, sessions *session.Service,
	limiter *ratelimit.Limiter, logger *slog.Logger) *Usecase {
	return &Usecase{
		users:         users,
		tokens:        tokens,
		sessions:      sessions,
		limiter:       limiter,
		logger:        logger,
		lockThreshold: defaultLockThreshold,
		lockWindow:    defaultLockWindow,
		lockDuration:  defaultLockDuration,
	}
}

type RegisterInput struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (in *RegisterInput) validate() error {
	if !emailPattern.MatchString(in.Email) {
		return customerrors.New(customerrors.KindValidation, "email: invalid format")
	}
	if in.Username == "" {
		return customerrors.New(customerrors.KindValidation, "username: required")
	}
	if len(in.Password) < minPasswordLength {
		return customerrors.New(customerrors.KindValidation, "password: must be at least 8 characters")
	}
	if len(in.Password) > maxPasswordLength {
		return customerrors.New(customerrors.KindValidation, "password: too long")
	}
	return nil
}

func (u *Usecase) Register(ctx context.Context, input RegisterInput) (*entity.User, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	existing, err := u.users.GetByEmail(ctx, input.Email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, customerrors.ErrEmailInUse
	}
	existing, err = u.users.GetByUsername(ctx, input.Username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, customerrors.ErrUsernameInUse
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	user := &entity.User{
		ID:           uuid.New(),
		Email:        input.Email,
		Username:     input.Username,
		PasswordHash: string(hash),
		Role:         entity.RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := u.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

type LoginInput struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`

	IPAddress  string `json:"-"`
	UserAgent  string `json:"-"`
	DeviceInfo string `json:"-"`
}

type LoginResult struct {
	User    *entity.User
	Pair    *token.TokenPair
	Session *session.CreateResult
}

// Login authenticates credentials and, on success, binds a session and
// issues a token pair. All credential failures surface the same generic
// error; attempt logging is per-email and per-IP so both rate dimensions
// count correctly.
func (u *Usecase) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	user, err := u.users.GetByEmail(ctx, input.Email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		u.recordAttempt(ctx, input, nil, false, "unknown_email")
		return nil, customerrors.ErrInvalidCredentials
	}

	if user.IsLocked {
		// A naturally expired lock is lifted on the next attempt.
		if user.LockedUntil != nil && time.Now().After(*user.LockedUntil) {
			if err := u.users.SetLock(ctx, user.ID, false, nil); err != nil {
				return nil, err
			}
			user.IsLocked = false
			user.LockedUntil = nil
		} else {
			u.recordAttempt(ctx, input, &user.ID, false, "account_locked")
			return nil, customerrors.ErrAccountLocked
		}
	}

	if !user.HasPassword() ||
		bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(input.Password)) != nil {
		u.recordAttempt(ctx, input, &user.ID, false, "wrong_password")
		u.escalateLockout(ctx, user)
		return nil, customerrors.ErrInvalidCredentials
	}

	u.recordAttempt(ctx, input, &user.ID, true, "")
	if err := u.users.RecordLogin(ctx, user.ID, time.Now()); err != nil {
		u.logger.Warn("failed to record login time", "user_id", user.ID, "error", err)
	}

	return u.establish(ctx, user, establishInput{
		IPAddress:  input.IPAddress,
		UserAgent:  input.UserAgent,
		DeviceInfo: input.DeviceInfo,
		RememberMe: input.RememberMe,
	})
}

type establishInput struct {
	IPAddress  string
	UserAgent  string
	DeviceInfo string
	RememberMe bool
}

// EstablishSession is the shared tail of password and passkey logins.
func (u *Usecase) EstablishSession(ctx context.Context, user *entity.User, ip, userAgent, deviceInfo string, rememberMe bool) (*LoginResult, error) {
	return u.establish(ctx, user, establishInput{
		IPAddress:  ip,
		UserAgent:  userAgent,
		DeviceInfo: deviceInfo,
		RememberMe: rememberMe,
	})
}

func (u *Usecase) establish(ctx context.Context, user *entity.User, input establishInput) (*LoginResult, error) {
	sess, err := u.sessions.Create(ctx, user.ID, session.CreateInput{
		IPAddress:  input.IPAddress,
		UserAgent:  input.UserAgent,
		DeviceInfo: input.DeviceInfo,
		RememberMe: input.RememberMe,
	})
	if err != nil {
		return nil, err
	}

	pair, err := u.tokens.IssueTokenPair(ctx, token.AccessClaims{
		UserID:     user.ID,
		Email:      user.Email,
		Username:   user.Username,
		Role:       user.Role,
		SessionID:  sess.Session.ID.String(),
		DeviceInfo: input.DeviceInfo,
		IPAddress:  input.IPAddress,
	}, token.IssueOptions{RememberMe: input.RememberMe})
	if err != nil {
		return nil, err
	}

	return &LoginResult{User: user, Pair: pair, Session: sess}, nil
}

// escalateLockout locks the account once failures inside the rolling window
// cross the threshold. A limiter read error skips escalation rather than
// failing the login pipeline.
func (u *Usecase) escalateLockout(ctx context.Context, user *entity.User) {
	if _, err := u.users.IncrementFailedLogins(ctx, user.ID); err != nil {
		u.logger.Warn("failed login counter update failed", "user_id", user.ID, "error", err)
	}

	failures, err := u.limiter.FailureCount(ctx, user.Email, u.lockWindow)
	if err != nil {
		u.logger.Error("lockout check failed", "user_id", user.ID, "error", err)
		return
	}
	if failures < u.lockThreshold {
		return
	}

	until := time.Now().Add(u.lockDuration)
	if err := u.users.SetLock(ctx, user.ID, true, &until); err != nil {
		u.logger.Error("account lock failed", "user_id", user.ID, "error", err)
		return
	}
	u.logger.Warn("account locked after repeated failures",
		"user_id", user.ID, "failures", failures, "until", until)
}

func (u *Usecase) recordAttempt(ctx context.Context, input LoginInput, userID *uuid.UUID, success bool, reason string) {
	meta := ratelimit.AttemptMeta{
		UserID:     userID,
		FailReason: reason,
		IPAddress:  input.IPAddress,
		UserAgent:  input.UserAgent,
	}
	u.limiter.RecordAttempt(ctx, input.Email, success, meta)
	if input.IPAddress != "" && input.IPAddress != input.Email {
		u.limiter.RecordAttempt(ctx, input.IPAddress, success, meta)
	}
}

type LogoutInput struct {
	AccessToken  string
	SessionToken string
	RefreshToken string
	UserID       *uuid.UUID
}

// Logout revokes everything presented: the access token goes on the
// blacklist, the refresh token is revoked, the session deactivated.
func (u *Usecase) Logout(ctx context.Context, input LogoutInput) error {
	if input.AccessToken != "" {
		if err := u.tokens.Blacklist(ctx, input.AccessToken, "logout", input.UserID); err != nil {
			u.logger.Warn("access token blacklist failed", "error", err)
		}
	}
	if input.RefreshToken != "" {
		if err := u.tokens.RevokeRefreshToken(ctx, input.RefreshToken); err != nil {
			u.logger.Warn("refresh token revoke failed", "error", err)
		}
	}
	if input.SessionToken != "" {
		if err := u.sessions.Invalidate(ctx, input.SessionToken); err != nil {
			return err
		}
	}
	return nil
}

func (u *Usecase) RefreshTokens(ctx context.Context, refreshToken string, meta token.RefreshMeta) (*token.TokenPair, error) {
	return u.tokens.Refresh(ctx, refreshToken, meta)
}

// ChangePassword verifies the current password, rewrites the hash, and
// revokes all refresh tokens and sessions as a security event.
func (u *Usecase) ChangePassword(ctx context.Context, userID uuid.UUID, current, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return customerrors.New(customerrors.KindValidation, "password: must be at least 8 characters")
	}

	user, err := u.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return customerrors.ErrUserNotFound
	}
	if user.HasPassword() &&
		bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)) != nil {
		return customerrors.ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := u.users.UpdatePassword(ctx, userID, string(hash)); err != nil {
		return err
	}

	if err := u.tokens.RevokeAllRefreshTokens(ctx, userID); err != nil {
		u.logger.Error("refresh token revocation failed after password change", "user_id", userID, "error", err)
	}
	if err := u.sessions.InvalidateAllForUser(ctx, userID); err != nil {
		u.logger.Error("session invalidation failed after password change", "user_id", userID, "error", err)
	}
	return nil
}

// DeleteAccount removes the user after verifying the password (when one is
// set). Dependent records cascade in the store; issued refresh tokens are
// revoked explicitly first.
func (u *Usecase) DeleteAccount(ctx context.Context, userID uuid.UUID, password string) error {
	user, err := u.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return customerrors.New(customerrors.KindNotFound, "user not found")
	}
	if user.HasPassword() &&
		bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return customerrors.ErrInvalidCredentials
	}

	if err := u.tokens.RevokeAllRefreshTokens(ctx, userID); err != nil {
		u.logger.Error("refresh token revocation failed during deletion", "user_id", userID, "error", err)
	}
	if err := u.sessions.InvalidateAllForUser(ctx, userID); err != nil {
		u.logger.Error("session invalidation failed during deletion", "user_id", userID, "error", err)
	}
	return u.users.Delete(ctx, userID)
}

func (u *Usecase) Profile(ctx context.Context, userID uuid.UUID) (*entity.User, error) {
	user, err := u.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, customerrors.New(customerrors.KindNotFound, "user not found")
	}
	return user, nil
}

func (u *Usecase) SessionStats(ctx context.Context, userID uuid.UUID) (*session.Stats, error) {
	return u.sessions.Stats(ctx, userID)
}

// Sessions lists the user's sessions for the device-management view.
func (u *Usecase) Sessions(ctx context.Context, userID uuid.UUID) ([]entity.Session, error) {
	return u.sessions.List(ctx, userID)
}

// InvalidateAllSessions signs the user out of every device: sessions and
// refresh tokens both go. Outstanding access tokens expire on their own.
func (u *Usecase) InvalidateAllSessions(ctx context.Context, userID uuid.UUID) error {
	if err := u.tokens.RevokeAllRefreshTokens(ctx, userID); err != nil {
		return err
	}
	return u.sessions.InvalidateAllForUser(ctx, userID)
}
