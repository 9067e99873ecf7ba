package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/screening/screening/internal/config"
	"github.com/screening/screening/internal/domain/pathway"
	"github.com/screening/screening/internal/domain/permission"
	"github.com/screening/screening/internal/domain/screening"
	"github.com/screening/screening/internal/domain/session"
	"github.com/screening/screening/internal/platform/auth"
	"github.com/screening/screening/internal/platform/db"
	"github.com/screening/screening/internal/platform/lock"
	"github.com/screening/screening/internal/platform/metrics"
	"github.com/screening/screening/internal/platform/middleware"
	"github.com/screening/screening/internal/platform/websocket"
)

func runServer() error {
	cfg, err := config.Load(true)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.LogLevel, cfg.IsDev())

	table, err := cfg.LoadPermissionTable()
	if err != nil {
		return fmt.Errorf("load permission policy: %w", err)
	}
	engine := permission.NewEngine(table)
	registry := pathway.NewRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, "screening-server", cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("database connected")

	svc := session.NewService(screening.NewRepoPG(pool, registry), registry, engine, logger)
	svc.SetTxFunc(db.InTx(pool))

	hub := websocket.NewHub(logger)
	healthChecks := []db.Check{}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()

		svc.SetLocker(lock.NewRedisLocker(rdb, cfg.SessionLockTTL))
		svc.SetPublisher(websocket.NewRedisPublisher(rdb, websocket.DefaultRelayChannel))
		relay := websocket.NewRelay(rdb, websocket.DefaultRelayChannel, hub, logger)
		go func() {
			if err := relay.Run(ctx, nil); err != nil {
				logger.Error().Err(err).Msg("websocket relay stopped")
			}
		}()
		healthChecks = append(healthChecks, db.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		logger.Info().Msg("redis session lock and event relay enabled")
	} else {
		svc.SetLocker(lock.NewLocalLocker(cfg.SessionLockTTL))
		svc.SetPublisher(hub)
		logger.Warn().Msg("REDIS_URL not set, using in-process session lock")
	}

	e := newEcho(cfg, logger, svc, hub, pool, healthChecks)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho assembles the HTTP surface. pool may be nil in tests, in which case
// no per-request connection is acquired.
func newEcho(cfg *config.Config, logger zerolog.Logger, svc *session.Service, hub *websocket.Hub, pool *pgxpool.Pool, checks []db.Check) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevRoleHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/ws"))

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Audit middleware
	e.Use(middleware.Audit(logger, nil))

	e.GET("/health", db.HealthHandler(pool, checks...))

	if cfg.MetricsEnabled {
		m := metrics.NewDefault()
		svc.SetMetrics(m)
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           middleware.DefaultRateLimitConfig().IdleTTL,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 || rateLimitCfg.BurstSize <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))
	if pool != nil {
		apiV1.Use(db.ConnMiddleware(pool, cfg.DBSchema))
	}
	session.NewHandler(svc).RegisterRoutes(apiV1)

	userID := func(c echo.Context) string { return auth.UserIDFromContext(c.Request().Context()) }
	wsHandler := websocket.NewHandler(hub, userID, cfg.CORSOrigins)
	wsHandler.RegisterRoutes(e.Group(""), auth.RequireCapability(svc.Engine(), permission.CapScreeningRead))

	return e
}
