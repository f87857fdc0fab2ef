package authHandler

import (
	"context"
	"net/http"
	"time"

	"main/domain/entity"
	"main/internal/session"
	"main/internal/token"
	auth "main/internal/usecase/auth"
	"main/pkg/customerrors"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type AuthUsecase interface {
	Register(ctx context.Context, input auth.RegisterInput) (*entity.User, error)
	Login(ctx context.Context, input auth.LoginInput) (*auth.LoginResult, error)
	Logout(ctx context.Context, input auth.LogoutInput) error
	RefreshTokens(ctx context.Context, refreshToken string, meta token.RefreshMeta) (*token.TokenPair, error)
	ChangePassword(ctx context.Context, userID uuid.UUID, current, newPassword string) error
	DeleteAccount(ctx context.Context, userID uuid.UUID, password string) error
	Profile(ctx context.Context, userID uuid.UUID) (*entity.User, error)
	SessionStats(ctx context.Context, userID uuid.UUID) (*session.Stats, error)
	Sessions(ctx context.Context, userID uuid.UUID) ([]entity.Session, error)
	InvalidateAllSessions(ctx context.Context, userID uuid.UUID) error
}

type AuthHandler struct {
	AuthUsecase AuthUsecase
	Cookies     session.CookiePolicy
}

func NewAuthHandler(authUsecase AuthUsecase, cookies session.CookiePolicy) *AuthHandler {
	return &AuthHandler{AuthUsecase: authUsecase, Cookies: cookies}
}

// DTOs
type UserResponse struct {
	ID       uuid.UUID   `json:"id"`
	Email    string      `json:"email"`
	Username string      `json:"username"`
	Role     entity.Role `json:"role"`
}

type TokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type LoginResponse struct {
	User      UserResponse      `json:"user"`
	Tokens    TokenPairResponse `json:"tokens"`
	CSRFToken string            `json:"csrf_token"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type DeleteAccountRequest struct {
	Password string `json:"password"`
}

type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

func ok(c echo.Context, status int, data any) error {
	return c.JSON(status, envelope{Success: true, Data: data})
}

func userResponse(user *entity.User) UserResponse {
	return UserResponse{ID: user.ID, Email: user.Email, Username: user.Username, Role: user.Role}
}

func pairResponse(pair *token.TokenPair) TokenPairResponse {
	return TokenPairResponse{
		AccessToken:      pair.AccessToken.Token,
		AccessExpiresAt:  pair.AccessToken.ExpiresAt,
		RefreshToken:     pair.RefreshToken.Token,
		RefreshExpiresAt: pair.RefreshToken.ExpiresAt,
	}
}

func (h *AuthHandler) Register(c echo.Context) error {
	var req auth.RegisterInput
	if err := c.Bind(&req); err != nil {
		return customerrors.New(customerrors.KindValidation, "invalid request body")
	}

	user, err := h.AuthUsecase.Register(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return ok(c, http.StatusCreated, userResponse(user))
}

func (h *AuthHandler) Login(c echo.Context) error {
	var req auth.LoginInput
	if err := c.Bind(&req); err != nil {
		return customerrors.New(customerrors.KindValidation, "invalid request body")
	}
	req.IPAddress = c.RealIP()
	req.UserAgent = c.Request().UserAgent()
	req.DeviceInfo = c.Request().Header.Get("X-Device-Info")

	result, err := h.AuthUsecase.Login(c.Request().Context(), req)
	if err != nil {
		return err
	}

	h.Cookies.SetSessionCookies(c, result.Session.Token, result.Session.CSRFToken, result.Session.Session.ExpiresAt)
	h.Cookies.SetAccessCookie(c, result.Pair.AccessToken.Token, result.Pair.AccessToken.ExpiresAt)

	return ok(c, http.StatusOK, LoginResponse{
		User:      userResponse(result.User),
		Tokens:    pairResponse(result.Pair),
		CSRFToken: result.Session.CSRFToken,
	})
}

// Logout revokes whatever credentials the request presents, then clears the
// cookies. It deliberately works without prior authentication so an expired
// access token can still be blacklisted.
func (h *AuthHandler) Logout(c echo.Context) error {
	var req LogoutRequest
	_ = c.Bind(&req) // body is optional

	input := auth.LogoutInput{RefreshToken: req.RefreshToken}

	if header := c.Request().Header.Get(echo.HeaderAuthorization); len(header) > 7 && header[:7] == "Bearer " {
		input.AccessToken = header[7:]
	} else if cookie, err := c.Cookie(session.AccessTokenCookieName); err == nil {
		input.AccessToken = cookie.Value
	}
	if cookie, err := c.Cookie(session.SessionCookieName); err == nil {
		input.SessionToken = cookie.Value
	}
	if user, okUser := c.Get("user").(*entity.User); okUser {
		input.UserID = &user.ID
	}

	if err := h.AuthUsecase.Logout(c.Request().Context(), input); err != nil {
		return err
	}
	h.Cookies.ClearSessionCookies(c)
	return c.NoContent(http.StatusNoContent)
}

func (h *AuthHandler) Refresh(c echo.Context) error {
	var req RefreshRequest
	if err := c.Bind(&req); err != nil || req.RefreshToken == "" {
		return customerrors.New(customerrors.KindValidation, "refresh_token is required")
	}

	pair, err := h.AuthUsecase.RefreshTokens(c.Request().Context(), req.RefreshToken, token.RefreshMeta{
		IPAddress: c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	})
	if err != nil {
		return err
	}

	h.Cookies.SetAccessCookie(c, pair.AccessToken.Token, pair.AccessToken.ExpiresAt)
	return ok(c, http.StatusOK, pairResponse(pair))
}

func (h *AuthHandler) ChangePassword(c echo.Context) error {
	user, okUser := c.Get("user").(*entity.User)
	if !okUser {
		return customerrors.ErrTokenRequired
	}

	var req ChangePasswordRequest
	if err := c.Bind(&req); err != nil {
		return customerrors.New(customerrors.KindValidation, "invalid request body")
	}

	if err := h.AuthUsecase.ChangePassword(c.Request().Context(), user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		return err
	}
	// All sessions are gone now; the client must log in again.
	h.Cookies.ClearSessionCookies(c)
	return c.NoContent(http.StatusNoContent)
}

func (h *AuthHandler) DeleteAccount(c echo.Context) error {
	user, okUser := c.Get("user").(*entity.User)
	if !okUser {
		return customerrors.ErrTokenRequired
	}

	var req DeleteAccountRequest
	if err := c.Bind(&req); err != nil {
		return customerrors.New(customerrors.KindValidation, "invalid request body")
	}

	if err := h.AuthUsecase.DeleteAccount(c.Request().Context(), user.ID, req.Password); err != nil {
		return err
	}
	h.Cookies.ClearSessionCookies(c)
	return c.NoContent(http.StatusNoContent)
}

func (h *AuthHandler) Me(c echo.Context) error {
	user, okUser := c.Get("user").(*entity.User)
	if !okUser {
		return customerrors.ErrTokenRequired
	}

	profile, err := h.AuthUsecase.Profile(c.Request().Context(), user.ID)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, userResponse(profile))
}

func (h *AuthHandler) SessionStats(c echo.Context) error {
	user, okUser := c.Get("user").(*entity.User)
	if !okUser {
		return customerrors.ErrTokenRequired
	}

	stats, err := h.AuthUsecase.SessionStats(c.Request().Context(), user.ID)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, stats)
}

func (h *AuthHandler) Sessions(c echo.Context) error {
	user, okUser := c.Get("user").(*entity.User)
	if !okUser {
		return customerrors.ErrTokenRequired
	}

	sessions, err := h.AuthUsecase.Sessions(c.Request().Context(), user.ID)
	if err != nil {
		return err
	}
	if sessions == nil {
		sessions = []entity.Session{}
	}
	return ok(c, http.StatusOK, sessions)
}

// RevokeAllSessions logs the user out everywhere.
func (h *AuthHandler) RevokeAllSessions(c echo.Context) error {
	user, okUser := c.Get("user").(*entity.User)
	if !okUser {
		return customerrors.ErrTokenRequired
	}

	if err := h.AuthUsecase.InvalidateAllSessions(c.Request().Context(), user.ID); err != nil {
		return err
	}
	h.Cookies.ClearSessionCookies(c)
	return c.NoContent(http.StatusNoContent)
}
