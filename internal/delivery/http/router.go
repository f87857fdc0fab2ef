package http

import (
	"log/slog"

	"main/domain/entity"
	"main/internal/config"
	authHandler "main/internal/delivery/http/auth_handler"
	webauthnHandler "main/internal/delivery/http/webauthn_handler"
	metrics "main/internal/metrics"
	"main/internal/ratelimit"

	"github.com/labstack/echo/v4"
	middleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func MapRoutes(
	e *echo.Echo,
	cfg *config.Config,
	auth *authHandler.AuthHandler,
	passkeys *webauthnHandler.WebAuthnHandler,
	authn *Authenticator,
	limiter *ratelimit.Limiter,
	registry *prometheus.Registry,
	logger *slog.Logger,
	m *metrics.Metrics,
) {
	e.IPExtractor = IPExtractor

	// Middlewares
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     cfg.CORSConfig.AllowOrigins,
		AllowCredentials: true,
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization,
			"X-CSRF-Token", "X-Device-Info",
		},
	}))
	e.Use(SecurityHeaders(cfg.Env == "production"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper:   middleware.DefaultSkipper,
		LogURI:    true,
		LogMethod: true,
		LogStatus: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {

			if v.Error != nil {
				logger.Error("HTTP request error",
					"method", v.Method,
					"uri", v.URI,
					"status", v.Status,
					"error", v.Error,
				)
				return nil
			}

			logger.Info("HTTP request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
			)

			return nil
		},
	},
	))
	e.Use(MetricsMiddleware(m))

	healthLimit := RateLimitMiddleware(limiter, cfg.RateLimitConfig.Health, false)
	apiLimit := RateLimitMiddleware(limiter, cfg.RateLimitConfig.API, true)
	loginLimit := RateLimitMiddleware(limiter, cfg.RateLimitConfig.Login, false)
	registerLimit := RateLimitMiddleware(limiter, cfg.RateLimitConfig.Register, true)

	requireAuth := authn.Middleware(AuthOptions{RequireAuth: true})
	requireAuthCSRF := authn.Middleware(AuthOptions{RequireAuth: true, RequireCSRF: true})
	optionalAuth := authn.Middleware(AuthOptions{})

	//routes
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"status": "ok"})
	}, healthLimit)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	api := e.Group("/api")

	authGroup := api.Group("/auth")
	authGroup.POST("/register", auth.Register, registerLimit)
	authGroup.POST("/login", auth.Login, loginLimit)
	authGroup.POST("/logout", auth.Logout, apiLimit, optionalAuth)
	authGroup.POST("/refresh", auth.Refresh, apiLimit)
	authGroup.PUT("/password", auth.ChangePassword, apiLimit, requireAuthCSRF)
	authGroup.DELETE("/account", auth.DeleteAccount, apiLimit, requireAuthCSRF)
	authGroup.GET("/me", auth.Me, apiLimit, requireAuth)
	authGroup.GET("/sessions", auth.Sessions, apiLimit, requireAuth)
	authGroup.GET("/sessions/stats", auth.SessionStats, apiLimit, requireAuth)
	authGroup.POST("/sessions/revoke_all", auth.RevokeAllSessions, apiLimit, requireAuthCSRF)

	wa := api.Group("/webauthn")
	wa.POST("/register/begin", passkeys.BeginRegistration, apiLimit, requireAuthCSRF)
	wa.POST("/register/finish", passkeys.FinishRegistration, apiLimit, requireAuthCSRF)
	wa.POST("/login/begin", passkeys.BeginLogin, loginLimit)
	wa.POST("/login/finish", passkeys.FinishLogin, loginLimit)
	wa.GET("/credentials", passkeys.ListCredentials, apiLimit, requireAuth)
	wa.DELETE("/credentials/:id", passkeys.DeleteCredential, apiLimit, requireAuthCSRF)

	admin := api.Group("/admin", apiLimit,
		authn.Middleware(AuthOptions{RequireAuth: true, RequireCSRF: true, RequiredRoles: []entity.Role{entity.RoleAdmin}}))
	admin.POST("/reputation/whitelist", WhitelistIPHandler(limiter))
	admin.POST("/reputation/blacklist", BlacklistIPHandler(limiter))

	logger.Info("HTTP routes mapped successfully")
}
