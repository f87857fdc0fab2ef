package session

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	SessionCookieName = "session_token"
	CSRFCookieName    = "csrf_token"
	// AccessTokenCookieName carries the signed access token for browser
	// clients that do not manage an Authorization header themselves.
	AccessTokenCookieName = "access_token"
	// LegacyAuthCookieName is still read by the middleware for clients that
	// predate the split session/CSRF cookies.
	LegacyAuthCookieName = "auth_token"

	// CSRFHeaderName must echo the CSRF cookie on every state-changing verb.
	CSRFHeaderName = "X-CSRF-Token"
)

// CookiePolicy carries the environment-driven cookie flags. Secure and
// SameSite=None only make sense behind TLS.
type CookiePolicy struct {
	Domain string
	Secure bool
}

func (p CookiePolicy) sameSite() http.SameSite {
	if p.Secure {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

// SetSessionCookies writes the session cookie (HttpOnly) and the CSRF cookie
// (readable, so the frontend can reflect it into the request header).
func (p CookiePolicy) SetSessionCookies(c echo.Context, sessionToken, csrfToken string, expiresAt time.Time) {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		Domain:   p.Domain,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: p.sameSite(),
	})
	c.SetCookie(&http.Cookie{
		Name:     CSRFCookieName,
		Value:    csrfToken,
		Path:     "/",
		Domain:   p.Domain,
		Expires:  expiresAt,
		HttpOnly: false,
		Secure:   p.Secure,
		SameSite: p.sameSite(),
	})
}

// SetAccessCookie writes the access token cookie. Its lifetime tracks the
// token, not the session.
func (p CookiePolicy) SetAccessCookie(c echo.Context, accessToken string, expiresAt time.Time) {
	c.SetCookie(&http.Cookie{
		Name:     AccessTokenCookieName,
		Value:    accessToken,
		Path:     "/",
		Domain:   p.Domain,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: p.sameSite(),
	})
}

// ClearSessionCookies expires every auth cookie, including the legacy one.
func (p CookiePolicy) ClearSessionCookies(c echo.Context) {
	for _, name := range []string{SessionCookieName, CSRFCookieName, AccessTokenCookieName, LegacyAuthCookieName} {
		c.SetCookie(&http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   p.Domain,
			MaxAge:   -1,
			HttpOnly: name != CSRFCookieName,
			Secure:   p.Secure,
			SameSite: p.sameSite(),
		})
	}
}
