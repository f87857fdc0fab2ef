package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"main/domain/entity"
	"main/internal/session"
	"main/internal/token"
	"main/pkg/customerrors"
	jwtmanager "main/pkg/jwt"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type TokenVerifier interface {
	Verify(ctx context.Context, tokenString string) token.VerifyResult
}

type UserDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.User, error)
	SetLock(ctx context.Context, id uuid.UUID, locked bool, until *time.Time) error
}

type SessionValidator interface {
	Validate(ctx context.Context, rawToken string) (*entity.Session, error)
}

// AuthOptions select which checks a route needs.
type AuthOptions struct {
	RequireAuth       bool
	RequiredRoles     []entity.Role
	RequireCSRF       bool
	AllowRefreshToken bool
}

// Authenticator turns a raw request into an authenticated context or a
// precise rejection.
type Authenticator struct {
	tokens   TokenVerifier
	users    UserDirectory
	sessions SessionValidator
}

func NewAuthenticator(tokens TokenVerifier, users UserDirectory, sessions SessionValidator) *Authenticator {
	return &Authenticator{tokens: tokens, users: users, sessions: sessions}
}

// extractToken prefers the Authorization header, then the access token
// cookie, then the legacy auth cookie.
func extractToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if cookie, err := c.Cookie(session.AccessTokenCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if cookie, err := c.Cookie(session.LegacyAuthCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}

func (a *Authenticator) Middleware(opts AuthOptions) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			tokenString := extractToken(c)
			if tokenString == "" {
				if !opts.RequireAuth {
					return next(c)
				}
				return customerrors.ErrTokenRequired
			}

			result := a.tokens.Verify(ctx, tokenString)
			if !result.Valid {
				return customerrors.New(customerrors.KindUnauthorized, result.Reason)
			}
			claims := result.Claims

			if claims.TokenType == jwtmanager.TokenTypeRefresh && !opts.AllowRefreshToken {
				return customerrors.New(customerrors.KindUnauthorized, "refresh token not accepted here")
			}

			userID, err := uuid.Parse(claims.Subject)
			if err != nil {
				return customerrors.New(customerrors.KindUnauthorized, token.ReasonMalformed)
			}

			user, err := a.users.GetByID(ctx, userID)
			if err != nil {
				return customerrors.Wrap(customerrors.KindInternal, "user lookup failed", err)
			}
			if user == nil {
				// Deliberately the same status as a bad token: do not leak
				// that the token was well-formed for a deleted account.
				return customerrors.ErrUserNotFound
			}

			if user.IsLocked {
				if user.LockedUntil != nil && time.Now().After(*user.LockedUntil) {
					if err := a.users.SetLock(ctx, user.ID, false, nil); err != nil {
						return customerrors.Wrap(customerrors.KindInternal, "unlock failed", err)
					}
					user.IsLocked = false
					user.LockedUntil = nil
				} else {
					return customerrors.ErrAccountLocked
				}
			}

			if len(opts.RequiredRoles) > 0 && !roleAllowed(user.Role, opts.RequiredRoles) {
				return customerrors.ErrInsufficientRole
			}

			// Session attach is soft-fail: within its own lifetime an access
			// token stays valid even if the session record is gone, because
			// logout blacklists the token explicitly.
			var sess *entity.Session
			if claims.SessionID != "" {
				if cookie, err := c.Cookie(session.SessionCookieName); err == nil && cookie.Value != "" {
					if found, err := a.sessions.Validate(ctx, cookie.Value); err == nil &&
						found != nil && found.ID.String() == claims.SessionID {
						sess = found
					}
				}
			}

			if opts.RequireCSRF {
				if err := checkCSRF(c, sess); err != nil {
					return err
				}
			}

			c.Set(ContextKeyUser, user)
			c.Set(ContextKeyClaims, claims)
			if sess != nil {
				c.Set(ContextKeySession, sess)
			}
			return next(c)
		}
	}
}

func roleAllowed(role entity.Role, required []entity.Role) bool {
	for _, r := range required {
		if role == r {
			return true
		}
	}
	return false
}

// checkCSRF enforces the double-submit pair on state-changing verbs. Safe
// verbs bypass the check entirely.
func checkCSRF(c echo.Context, sess *entity.Session) error {
	switch c.Request().Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return nil
	}

	cookie, err := c.Cookie(session.CSRFCookieName)
	if err != nil || cookie.Value == "" {
		return customerrors.ErrCSRFMismatch
	}
	headerToken := c.Request().Header.Get(session.CSRFHeaderName)
	if !session.VerifyCSRF(cookie.Value, headerToken) {
		return customerrors.ErrCSRFMismatch
	}
	if sess != nil && !session.MatchesSession(sess, cookie.Value) {
		return customerrors.ErrCSRFMismatch
	}
	return nil
}
