package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lummia/lummia/internal/config"
	"github.com/lummia/lummia/internal/domain/risk"
	"github.com/lummia/lummia/internal/platform/auth"
	"github.com/lummia/lummia/internal/platform/captcha"
	"github.com/lummia/lummia/internal/platform/db"
	"github.com/lummia/lummia/internal/platform/middleware"
	"github.com/lummia/lummia/internal/platform/registry"
)

// store bundles the reference store selected by STORE_DRIVER.
type store struct {
	repo   risk.ReferenceRepository
	writer func(schema string) risk.ReferenceWriter
	health echo.HandlerFunc
	// tenant is nil for stores without per-tenant schemas.
	tenant echo.MiddlewareFunc
	close  func()
}

func openStore(ctx context.Context, cfg *config.Config) (*store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		ref, err := risk.NewReferenceStoreSQLite(sqlDB)
		if err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		return &store{
			repo:   ref,
			writer: func(string) risk.ReferenceWriter { return ref },
			health: db.SQLHealthHandler(sqlDB),
			close:  func() { _ = sqlDB.Close() },
		}, nil
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		return &store{
			repo:   risk.NewReferenceRepoPG(pool),
			writer: func(schema string) risk.ReferenceWriter { return risk.NewReferenceWriterPG(pool, schema) },
			health: db.HealthHandler(pool),
			tenant: db.TenantMiddleware(pool, cfg.DefaultTenant),
			close:  pool.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func runServer(logger zerolog.Logger) error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Reference store
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open reference store")
	}
	defer st.close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("connected to reference store")

	// Registry cache
	var opts []registry.ClientOption
	if cfg.RedisURL != "" {
		cache, err := registry.NewRedisCache(cfg.RedisURL, cfg.RegistryCacheTTL)
		if err != nil {
			logger.Warn().Err(err).Msg("registry cache disabled")
		} else if err := cache.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("registry cache unreachable, lookups will not be cached")
			_ = cache.Close()
		} else {
			defer cache.Close()
			opts = append(opts, registry.WithCache(cache))
		}
	}

	stop := make(chan struct{})
	defer close(stop)

	e := newServer(cfg, st, logger, stop, opts...)

	// Graceful shutdown
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
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer assembles the HTTP server over an open store.
func newServer(cfg *config.Config, st *store, logger zerolog.Logger, stop <-chan struct{}, registryOpts ...registry.ClientOption) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = risk.NewRequestValidator()

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", captcha.HeaderToken},
	}))

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

	// API group
	apiV1 := e.Group("/api/v1")
	if st.tenant != nil {
		apiV1.Use(st.tenant)
	}
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}, stop))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Bot protection
	gate := captcha.AllowAll
	if cfg.CaptchaEnabled() {
		gate = captcha.NewVerifier(cfg.RecaptchaSecret, cfg.RecaptchaMinScore, cfg.RecaptchaVerifyURL, cfg.RecaptchaTimeout)
	} else {
		logger.Warn().Msg("RECAPTCHA_SECRET not set, classification endpoints are not bot-protected")
	}

	// Risk classification
	registryOpts = append([]registry.ClientOption{registry.WithLogger(logger)}, registryOpts...)
	lookup := registry.NewClient(cfg.RegistryBaseURL, cfg.RegistryTimeout, registryOpts...)
	riskHandler := risk.NewHandler(risk.NewService(st.repo), lookup)
	riskHandler.RegisterRoutes(apiV1, captcha.Guard(gate))
	riskHandler.RegisterReferenceRoutes(apiV1)

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", st.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}
