package webauthnHandler

import (
	"context"
	"encoding/base64"
	"net/http"

	"main/domain/entity"
	"main/internal/session"
	auth "main/internal/usecase/auth"
	webauthnsvc "main/internal/webauthn"
	"main/pkg/customerrors"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type CeremonyService interface {
	BeginRegistration(ctx context.Context, user *entity.User) (*protocol.CredentialCreation, error)
	FinishRegistration(ctx context.Context, user *entity.User, r *http.Request) (*entity.WebAuthnCredential, error)
	BeginLogin(ctx context.Context, user *entity.User) (*protocol.CredentialAssertion, error)
	FinishLogin(ctx context.Context, user *entity.User, r *http.Request) (*entity.WebAuthnCredential, error)
	BeginDiscoverableLogin(ctx context.Context) (*protocol.CredentialAssertion, string, error)
	FinishDiscoverableLogin(ctx context.Context, ceremonyID string, r *http.Request,
		lookup func(ctx context.Context, userHandle []byte) (*entity.User, error)) (*entity.User, *entity.WebAuthnCredential, error)
	Credentials(ctx context.Context, userID uuid.UUID) ([]entity.WebAuthnCredential, error)
	DeleteCredential(ctx context.Context, user *entity.User, credentialID []byte) error
}

type UserFinder interface {
	GetByUsername(ctx context.Context, username string) (*entity.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.User, error)
}

type SessionEstablisher interface {
	EstablishSession(ctx context.Context, user *entity.User, ip, userAgent, deviceInfo string, rememberMe bool) (*auth.LoginResult, error)
}

type WebAuthnHandler struct {
	Ceremonies CeremonyService
	Users      UserFinder
	Sessions   SessionEstablisher
	Cookies    session.CookiePolicy
}

func NewWebAuthnHandler(ceremonies CeremonyService, users UserFinder, sessions SessionEstablisher, cookies session.CookiePolicy) *WebAuthnHandler {
	return &WebAuthnHandler{Ceremonies: ceremonies, Users: users, Sessions: sessions, Cookies: cookies}
}

type CredentialResponse struct {
	ID             string   `json:"id"`
	DeviceType     string   `json:"device_type,omitempty"`
	Transports     []string `json:"transports,omitempty"`
	BackupEligible bool     `json:"backup_eligible"`
	BackupState    bool     `json:"backup_state"`
	CreatedAt      string   `json:"created_at"`
	LastUsedAt     string   `json:"last_used_at,omitempty"`
}

type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

func ok(c echo.Context, status int, data any) error {
	return c.JSON(status, envelope{Success: true, Data: data})
}

func credentialResponse(cred entity.WebAuthnCredential) CredentialResponse {
	resp := CredentialResponse{
		ID:             base64.RawURLEncoding.EncodeToString(cred.CredentialID),
		DeviceType:     cred.DeviceType,
		Transports:     cred.Transports,
		BackupEligible: cred.BackupEligible,
		BackupState:    cred.BackupState,
		CreatedAt:      cred.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if cred.LastUsedAt != nil {
		resp.LastUsedAt = cred.LastUsedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	return resp
}

// BeginRegistration opens a credential creation ceremony for the
// authenticated user.
func (h *WebAuthnHandler) BeginRegistration(c echo.Context) error {
	user, okUser := c.Get("user").(*entity.User)
	if !okUser {
		return customerrors.ErrTokenRequired
	}

	options, err := h.Ceremonies.BeginRegistration(c.Request().Context(), user)
	if err != nil {
		return err
	}
	// The browser API consumes the options object directly, no envelope.
	return c.JSON(http.StatusOK, options)
}

// FinishRegistration verifies the attestation response. The body is handed to
// the ceremony library untouched.
func (h *WebAuthnHandler) FinishRegistration(c echo.Context) error {
	user, okUser := c.Get("user").(*entity.User)
	if !okUser {
		return customerrors.ErrTokenRequired
	}

	cred, err := h.Ceremonies.FinishRegistration(c.Request().Context(), user, c.Request())
	if err != nil {
		return err
	}
	return ok(c, http.StatusCreated, credentialResponse(*cred))
}

type beginLoginResponse struct {
	Options    *protocol.CredentialAssertion `json:"options"`
	CeremonyID string                        `json:"ceremony_id,omitempty"`
}

// BeginLogin opens an assertion ceremony. With ?username= the allow-list is
// scoped to that user's credentials; without it any discoverable credential
// may answer. Unknown usernames and accounts without passkeys fail with the
// same generic rejection so the response does not reveal which it was.
func (h *WebAuthnHandler) BeginLogin(c echo.Context) error {
	ctx := c.Request().Context()

	username := c.QueryParam("username")
	if username == "" {
		options, ceremonyID, err := h.Ceremonies.BeginDiscoverableLogin(ctx)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, beginLoginResponse{Options: options, CeremonyID: ceremonyID})
	}

	user, err := h.Users.GetByUsername(ctx, username)
	if err != nil {
		return err
	}
	if user == nil {
		return customerrors.ErrInvalidCredentials
	}

	options, err := h.Ceremonies.BeginLogin(ctx, user)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, beginLoginResponse{Options: options})
}

type loginResponse struct {
	User      any    `json:"user"`
	CSRFToken string `json:"csrf_token"`
}

// FinishLogin verifies the assertion and establishes a full session, exactly
// as a successful password login would.
func (h *WebAuthnHandler) FinishLogin(c echo.Context) error {
	ctx := c.Request().Context()

	var user *entity.User
	if username := c.QueryParam("username"); username != "" {
		found, err := h.Users.GetByUsername(ctx, username)
		if err != nil {
			return err
		}
		if found == nil {
			return customerrors.ErrInvalidCredentials
		}
		if _, err := h.Ceremonies.FinishLogin(ctx, found, c.Request()); err != nil {
			return err
		}
		user = found
	} else {
		ceremonyID := c.QueryParam("ceremony_id")
		if ceremonyID == "" {
			return customerrors.New(customerrors.KindValidation, "ceremony_id is required")
		}
		resolved, _, err := h.Ceremonies.FinishDiscoverableLogin(ctx, ceremonyID, c.Request(), h.lookupByHandle)
		if err != nil {
			return err
		}
		user = resolved
	}

	result, err := h.Sessions.EstablishSession(ctx, user,
		c.RealIP(), c.Request().UserAgent(), c.Request().Header.Get("X-Device-Info"), false)
	if err != nil {
		return err
	}

	h.Cookies.SetSessionCookies(c, result.Session.Token, result.Session.CSRFToken, result.Session.Session.ExpiresAt)
	h.Cookies.SetAccessCookie(c, result.Pair.AccessToken.Token, result.Pair.AccessToken.ExpiresAt)

	return ok(c, http.StatusOK, loginResponse{
		User: map[string]any{
			"id":       result.User.ID,
			"email":    result.User.Email,
			"username": result.User.Username,
			"role":     result.User.Role,
		},
		CSRFToken: result.Session.CSRFToken,
	})
}

// lookupByHandle resolves a raw user handle from an authenticator back to a
// user record. Handles are the 16 uuid bytes set at registration.
func (h *WebAuthnHandler) lookupByHandle(ctx context.Context, userHandle []byte) (*entity.User, error) {
	id, err := uuid.FromBytes(userHandle)
	if err != nil {
		return nil, customerrors.New(customerrors.KindUnauthorized, "unrecognized credential")
	}
	user, err := h.Users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, customerrors.New(customerrors.KindUnauthorized, "unrecognized credential")
	}
	return user, nil
}

func (h *WebAuthnHandler) ListCredentials(c echo.Context) error {
	user, okUser := c.Get("user").(*entity.User)
	if !okUser {
		return customerrors.ErrTokenRequired
	}

	creds, err := h.Ceremonies.Credentials(c.Request().Context(), user.ID)
	if err != nil {
		return err
	}

	out := make([]CredentialResponse, 0, len(creds))
	for _, cred := range creds {
		out = append(out, credentialResponse(cred))
	}
	return ok(c, http.StatusOK, out)
}

func (h *WebAuthnHandler) DeleteCredential(c echo.Context) error {
	user, okUser := c.Get("user").(*entity.User)
	if !okUser {
		return customerrors.ErrTokenRequired
	}

	credentialID, err := base64.RawURLEncoding.DecodeString(c.Param("id"))
	if err != nil {
		return customerrors.New(customerrors.KindValidation, "malformed credential id")
	}

	if err := h.Ceremonies.DeleteCredential(c.Request().Context(), user, credentialID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

var _ CeremonyService = (*webauthnsvc.Service)(nil)
