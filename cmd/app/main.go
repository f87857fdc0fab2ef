package main

import (
	"context"
	"errors"
	"log/slog"
	"main/internal/config"
	routes "main/internal/delivery/http"
	httpAuthHandler "main/internal/delivery/http/auth_handler"
	webauthnHandler "main/internal/delivery/http/webauthn_handler"
	"main/internal/metrics"
	"main/internal/ratelimit"
	"main/internal/session"
	"main/internal/token"
	authUs "main/internal/usecase/auth"
	webauthnSvc "main/internal/webauthn"
	psql "main/internal/storage/postgres"
	errHandler "main/pkg/error_handler"
	"main/pkg/jwt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	cfg := config.LoadConfig()
	logger := setupLogger(cfg.Env)
	logger.Info("Application started", "env", cfg.Env)

	// Initialize Postgres connection
	pool, err := psql.NewPostgresConnection(cfg.PostgresConfig.DSN())
	if err != nil {
		logger.Error("Failed to connect to the database", "error", err)
		return
	}
	defer pool.Close()
	logger.Info("Connected to the database successfully")

	// Metrics registry shared by the middleware and the /metrics endpoint.
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	// Initialize repositories
	userRepo := psql.NewUserRepo(pool, m)
	sessionRepo := psql.NewSessionRepo(pool, m)
	refreshRepo := psql.NewRefreshTokenRepo(pool, m)
	blacklistRepo := psql.NewBlacklistRepo(pool, m)
	attemptRepo := psql.NewAttemptRepo(pool, m)
	credentialRepo := psql.NewWebAuthnCredentialRepo(pool, m)

	// Redis is optional: without it reputation scores and WebAuthn ceremony
	// state live in process memory.
	var reputationStore ratelimit.ReputationStore = ratelimit.NewMemoryReputationStore()
	var ceremonyStore webauthnSvc.CeremonyStore = webauthnSvc.NewMemoryCeremonyStore()
	if cfg.RedisConfig.Enabled {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisConfig.Addr,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		defer client.Close()
		reputationStore = ratelimit.NewRedisReputationStore(client)
		ceremonyStore = webauthnSvc.NewRedisCeremonyStore(client)
		logger.Info("Redis backend enabled", "addr", cfg.RedisConfig.Addr)
	}

	// Initialize services
	jwtManager := jwt.NewManager(cfg.JWTConfig.Secret, cfg.JWTConfig.Issuer, cfg.JWTConfig.Audience,
		cfg.JWTConfig.ClockSkew)
	tokenService := token.NewService(jwtManager, refreshRepo, blacklistRepo, logger,
		token.ParseExpiry(cfg.JWTConfig.AccessExpiry),
		token.ParseExpiry(cfg.JWTConfig.RefreshExpiry),
		token.ParseExpiry(cfg.JWTConfig.RememberExpiry),
	)
	sessionService := session.NewService(sessionRepo, logger, cfg.SessionConfig.MaxAge, cfg.SessionConfig.RememberMaxAge)
	tracker := ratelimit.NewTracker(reputationStore, m, logger,
		cfg.ReputationConfig.Whitelist, cfg.ReputationConfig.Blacklist)
	limiter := ratelimit.NewLimiter(attemptRepo, tracker, m, logger, cfg.RateLimitConfig.AttemptRetention)

	webauthnService, err := webauthnSvc.NewService(cfg.WebAuthnConfig, credentialRepo, ceremonyStore, logger)
	if err != nil {
		logger.Error("WebAuthn configuration rejected", "error", err)
		return
	}

	// Initialize use cases
	authUsecase := authUs.NewUsecase(userRepo, tokenService, sessionService, limiter, logger)

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = errHandler.HandleError

	cookies := session.CookiePolicy{
		Domain: cfg.SessionConfig.CookieDomain,
		Secure: cfg.SessionConfig.CookieSecure,
	}

	// Initialize handlers and map routes
	authHandler := httpAuthHandler.NewAuthHandler(authUsecase, cookies)
	passkeyHandler := webauthnHandler.NewWebAuthnHandler(webauthnService, userRepo, authUsecase, cookies)
	authenticator := routes.NewAuthenticator(tokenService, userRepo, sessionService)
	routes.MapRoutes(e, &cfg, authHandler, passkeyHandler, authenticator, limiter, registry, logger, m)

	serverParams := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      e,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// The gRPC side only serves health probes; orchestrators check liveness
	// here without touching the HTTP surface.
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	g, gCtx := errgroup.WithContext(ctx)

	sweeper := psql.NewSweeper(pool, blacklistRepo, refreshRepo, attemptRepo, logger,
		cfg.RateLimitConfig.AttemptRetention)
	g.Go(func() error {
		sweeper.Run(gCtx, cfg.RateLimitConfig.SweepInterval)
		return nil
	})

	g.Go(func() error {
		addr := net.JoinHostPort(cfg.GrpcServer.Host, strconv.Itoa(cfg.GrpcServer.Port))
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		logger.Info("gRPC health server is starting", slog.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("addr", serverParams.Addr))
		return serverParams.ListenAndServe()
	})

	// Graceful shutdown
	// Wait for interrupt signal, then drain both servers with a 5 second cap.
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down servers...")

		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

		shutDownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			if err := serverParams.Shutdown(shutDownCtx); err != nil {
				logger.Error("HTTP server shutdown failed", slog.String("error", err.Error()))
			}
		}()

		go func() {
			defer wg.Done()
			grpcServer.GracefulStop()
		}()

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Info("All servers stopped gracefully")
		case <-shutDownCtx.Done():
			logger.Warn("Shutdown timeout exceeded, forcing stop")
			grpcServer.Stop()
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Application stopped with error", slog.Any("err", err))
			os.Exit(1)
		}
	}
}

// setupLogger configures the logger based on the environment (production, development, local).
func setupLogger(env string) *slog.Logger {
	var log *slog.Logger
	switch env {
	case "production":
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	case "development", "local":
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	default:
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return log
}
