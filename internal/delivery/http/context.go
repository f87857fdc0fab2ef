package http

import (
	"main/domain/entity"
	jwtmanager "main/pkg/jwt"

	"github.com/labstack/echo/v4"
)

// Context keys set by the auth middleware. Handler packages read the same
// literal keys.
const (
	ContextKeyUser    = "user"
	ContextKeyClaims  = "claims"
	ContextKeySession = "session"
)

// CurrentUser returns the authenticated user, or nil on anonymous routes.
func CurrentUser(c echo.Context) *entity.User {
	user, _ := c.Get(ContextKeyUser).(*entity.User)
	return user
}

func CurrentClaims(c echo.Context) *jwtmanager.Claims {
	claims, _ := c.Get(ContextKeyClaims).(*jwtmanager.Claims)
	return claims
}

// CurrentSession returns the attached session, which may be nil even for an
// authenticated request.
func CurrentSession(c echo.Context) *entity.Session {
	sess, _ := c.Get(ContextKeySession).(*entity.Session)
	return sess
}
