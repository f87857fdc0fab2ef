package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"main/domain/entity"
	"main/internal/session"
	"main/internal/token"
	"main/pkg/customerrors"
	jwtmanager "main/pkg/jwt"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVerifier struct {
	results map[string]token.VerifyResult
}

func (f *fakeVerifier) Verify(_ context.Context, tokenString string) token.VerifyResult {
	if result, ok := f.results[tokenString]; ok {
		return result
	}
	return token.VerifyResult{Reason: token.ReasonInvalid}
}

type fakeDirectory struct {
	users map[uuid.UUID]*entity.User

	unlocked []uuid.UUID
}

func (f *fakeDirectory) GetByID(_ context.Context, id uuid.UUID) (*entity.User, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	cp := *user
	return &cp, nil
}

func (f *fakeDirectory) SetLock(_ context.Context, id uuid.UUID, locked bool, until *time.Time) error {
	if user, ok := f.users[id]; ok {
		user.IsLocked = locked
		user.LockedUntil = until
	}
	if !locked {
		f.unlocked = append(f.unlocked, id)
	}
	return nil
}

type fakeSessions struct {
	byToken map[string]*entity.Session
}

func (f *fakeSessions) Validate(_ context.Context, rawToken string) (*entity.Session, error) {
	return f.byToken[rawToken], nil
}

type authFixture struct {
	verifier  *fakeVerifier
	directory *fakeDirectory
	sessions  *fakeSessions
	authn     *Authenticator

	user   *entity.User
	claims *jwtmanager.Claims
}

func newAuthFixture() *authFixture {
	user := &entity.User{
		ID:       uuid.New(),
		Email:    "alice@example.com",
		Username: "alice",
		Role:     entity.RoleUser,
	}
	claims := &jwtmanager.Claims{
		Email:     user.Email,
		Username:  user.Username,
		Role:      string(user.Role),
		TokenType: jwtmanager.TokenTypeAccess,
	}
	claims.Subject = user.ID.String()

	verifier := &fakeVerifier{results: map[string]token.VerifyResult{
		"good-token": {Valid: true, Claims: claims},
	}}
	directory := &fakeDirectory{users: map[uuid.UUID]*entity.User{user.ID: user}}
	sessions := &fakeSessions{byToken: map[string]*entity.Session{}}

	return &authFixture{
		verifier:  verifier,
		directory: directory,
		sessions:  sessions,
		authn:     NewAuthenticator(verifier, directory, sessions),
		user:      user,
		claims:    claims,
	}
}

func performRequest(authn *Authenticator, opts AuthOptions, req *http.Request) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := authn.Middleware(opts)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	return rec, handler(c)
}

func TestRequireAuthWithoutToken(t *testing.T) {
	f := newAuthFixture()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	_, err := performRequest(f.authn, AuthOptions{RequireAuth: true}, req)
	assert.ErrorIs(t, err, customerrors.ErrTokenRequired)
}

func TestOptionalAuthWithoutToken(t *testing.T) {
	f := newAuthFixture()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	rec, err := performRequest(f.authn, AuthOptions{}, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerTokenAccepted(t *testing.T) {
	f := newAuthFixture()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer good-token")

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	var seenUser *entity.User
	handler := f.authn.Middleware(AuthOptions{RequireAuth: true})(func(c echo.Context) error {
		seenUser, _ = c.Get(ContextKeyUser).(*entity.User)
		return c.NoContent(http.StatusOK)
	})
	require.NoError(t, handler(c))
	require.NotNil(t, seenUser)
	assert.Equal(t, f.user.ID, seenUser.ID)
}

func TestAccessCookieAccepted(t *testing.T) {
	f := newAuthFixture()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: session.AccessTokenCookieName, Value: "good-token"})

	rec, err := performRequest(f.authn, AuthOptions{RequireAuth: true}, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLegacyCookieAccepted(t *testing.T) {
	f := newAuthFixture()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: session.LegacyAuthCookieName, Value: "good-token"})

	rec, err := performRequest(f.authn, AuthOptions{RequireAuth: true}, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInvalidTokenRejected(t *testing.T) {
	f := newAuthFixture()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer forged")

	_, err := performRequest(f.authn, AuthOptions{RequireAuth: true}, req)
	require.Error(t, err)
	assert.Equal(t, customerrors.KindUnauthorized, customerrors.KindOf(err))
}

func TestRefreshTokenRejectedOnAccessEndpoints(t *testing.T) {
	f := newAuthFixture()
	refreshClaims := &jwtmanager.Claims{TokenType: jwtmanager.TokenTypeRefresh}
	refreshClaims.Subject = f.user.ID.String()
	f.verifier.results["refresh-token"] = token.VerifyResult{Valid: true, Claims: refreshClaims}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer refresh-token")

	_, err := performRequest(f.authn, AuthOptions{RequireAuth: true}, req)
	require.Error(t, err)
	assert.Equal(t, customerrors.KindUnauthorized, customerrors.KindOf(err))
}

func TestDeletedUserRejected(t *testing.T) {
	f := newAuthFixture()
	delete(f.directory.users, f.user.ID)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer good-token")

	_, err := performRequest(f.authn, AuthOptions{RequireAuth: true}, req)
	assert.ErrorIs(t, err, customerrors.ErrUserNotFound)
}

func TestLockedUserRejected(t *testing.T) {
	f := newAuthFixture()
	until := time.Now().Add(30 * time.Minute)
	f.user.IsLocked = true
	f.user.LockedUntil = &until

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer good-token")

	_, err := performRequest(f.authn, AuthOptions{RequireAuth: true}, req)
	assert.ErrorIs(t, err, customerrors.ErrAccountLocked)
}

func TestExpiredLockAutoUnlocked(t *testing.T) {
	f := newAuthFixture()
	until := time.Now().Add(-time.Minute)
	f.user.IsLocked = true
	f.user.LockedUntil = &until

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer good-token")

	rec, err := performRequest(f.authn, AuthOptions{RequireAuth: true}, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, f.directory.unlocked, f.user.ID)
}

func TestRoleRequirement(t *testing.T) {
	f := newAuthFixture()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer good-token")

	_, err := performRequest(f.authn,
		AuthOptions{RequireAuth: true, RequiredRoles: []entity.Role{entity.RoleAdmin}}, req)
	assert.ErrorIs(t, err, customerrors.ErrInsufficientRole)

	f.user.Role = entity.RoleAdmin
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer good-token")
	rec, err := performRequest(f.authn,
		AuthOptions{RequireAuth: true, RequiredRoles: []entity.Role{entity.RoleAdmin}}, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func csrfRequest(method, cookie, header string) *http.Request {
	req := httptest.NewRequest(method, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer good-token")
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: session.CSRFCookieName, Value: cookie})
	}
	if header != "" {
		req.Header.Set(session.CSRFHeaderName, header)
	}
	return req
}

func TestCSRFMatrix(t *testing.T) {
	f := newAuthFixture()
	opts := AuthOptions{RequireAuth: true, RequireCSRF: true}

	cases := []struct {
		name   string
		method string
		cookie string
		header string
		wantOK bool
	}{
		{"match", http.MethodPost, "csrf-value", "csrf-value", true},
		{"mismatch", http.MethodPost, "csrf-value", "other-value", false},
		{"missing header", http.MethodPost, "csrf-value", "", false},
		{"missing cookie", http.MethodPost, "", "csrf-value", false},
		{"both missing", http.MethodPost, "", "", false},
		{"get bypasses", http.MethodGet, "", "", true},
		{"head bypasses", http.MethodHead, "", "", true},
		{"options bypasses", http.MethodOptions, "", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := performRequest(f.authn, opts, csrfRequest(tc.method, tc.cookie, tc.header))
			if tc.wantOK {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, customerrors.ErrCSRFMismatch)
			}
		})
	}
}

func TestCSRFBoundToSession(t *testing.T) {
	f := newAuthFixture()

	csrfToken := "per-session-csrf"
	sess := &entity.Session{
		ID:            uuid.New(),
		UserID:        f.user.ID,
		CSRFTokenHash: session.HashToken(csrfToken),
		Active:        true,
		ExpiresAt:     time.Now().Add(time.Hour),
	}
	f.sessions.byToken["session-raw"] = sess
	f.claims.SessionID = sess.ID.String()

	// The CSRF pair matches itself but not the session's stored hash.
	req := csrfRequest(http.MethodPost, "forged-pair", "forged-pair")
	req.AddCookie(&http.Cookie{Name: session.SessionCookieName, Value: "session-raw"})
	_, err := performRequest(f.authn, AuthOptions{RequireAuth: true, RequireCSRF: true}, req)
	assert.ErrorIs(t, err, customerrors.ErrCSRFMismatch)

	// The real per-session token passes.
	req = csrfRequest(http.MethodPost, csrfToken, csrfToken)
	req.AddCookie(&http.Cookie{Name: session.SessionCookieName, Value: "session-raw"})
	_, err = performRequest(f.authn, AuthOptions{RequireAuth: true, RequireCSRF: true}, req)
	assert.NoError(t, err)
}

func TestSessionAttachedToContext(t *testing.T) {
	f := newAuthFixture()

	sess := &entity.Session{
		ID:        uuid.New(),
		UserID:    f.user.ID,
		Active:    true,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	f.sessions.byToken["session-raw"] = sess
	f.claims.SessionID = sess.ID.String()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer good-token")
	req.AddCookie(&http.Cookie{Name: session.SessionCookieName, Value: "session-raw"})

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	var attached *entity.Session
	handler := f.authn.Middleware(AuthOptions{RequireAuth: true})(func(c echo.Context) error {
		attached = CurrentSession(c)
		return c.NoContent(http.StatusOK)
	})
	require.NoError(t, handler(c))
	require.NotNil(t, attached)
	assert.Equal(t, sess.ID, attached.ID)
	_ = rec
}

func TestMissingSessionDoesNotFailAccessToken(t *testing.T) {
	f := newAuthFixture()
	f.claims.SessionID = uuid.NewString()

	// No session cookie at all: the access token stands on its own.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer good-token")

	rec, err := performRequest(f.authn, AuthOptions{RequireAuth: true}, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIPExtractor(t *testing.T) {
	cases := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"forwarded first entry", "192.0.2.1:1234",
			map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "203.0.113.5"},
		{"real ip", "192.0.2.1:1234",
			map[string]string{"X-Real-IP": "203.0.113.6"}, "203.0.113.6"},
		{"client ip", "192.0.2.1:1234",
			map[string]string{"X-Client-IP": "203.0.113.7"}, "203.0.113.7"},
		{"socket address", "192.0.2.1:1234", nil, "192.0.2.1"},
		{"unparseable remote", "garbage", nil, "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, IPExtractor(req))
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := SecurityHeaders(true)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	require.NoError(t, handler(c))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))

	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	handler = SecurityHeaders(false)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	require.NoError(t, handler(c))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}
