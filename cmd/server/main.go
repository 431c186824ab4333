// Package main provides the entry point for the govlock server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/casetrust/govlock/internal/authz"
	"github.com/casetrust/govlock/internal/config"
	"github.com/casetrust/govlock/internal/httpapi"
	"github.com/casetrust/govlock/internal/lock"
	"github.com/casetrust/govlock/internal/logging"
	"github.com/casetrust/govlock/internal/metrics"
)

func main() {
	cfg := config.Load()
	logger := logging.NewLogger("govlock", cfg.LogLevel)

	store, cleanup, err := buildStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize lock store")
	}
	defer cleanup()

	service := lock.NewService(store, authz.NewRoleAuthorizer(), lock.ServiceConfig{
		DefaultLease:   cfg.LeaseDuration,
		MaxLease:       cfg.MaxLeaseDuration,
		StatusCacheTTL: cfg.StatusCacheTTL,
		Logger:         logger,
	})

	// Identity resolution belongs to the platform's identity service; the
	// static table is the development wiring, fed from the environment as
	// token=owner:role:org pairs.
	resolver := authz.NewStaticResolver(nil)
	registerTokensFromEnv(resolver, logger)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.RequestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	metrics.RegisterMetricsEndpoint(router)

	apiV1 := router.Group("/api/v1")
	handler := httpapi.NewHandler(service, resolver, cfg.RenewInterval, logger)
	handler.RegisterRoutes(apiV1)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server exited properly")
}

// buildStore selects the lock store from configuration: Postgres when
// DATABASE_URL is set, Redis when REDIS_ADDR is set, in-memory otherwise.
func buildStore(cfg *config.Config, logger zerolog.Logger) (lock.Store, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := lock.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info().Msg("using Postgres lock store")
		return store, pool.Close, nil

	case cfg.RedisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		store := lock.NewRedisStore(client)
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		logger.Info().Msg("using Redis lock store")
		return store, func() { _ = client.Close() }, nil

	default:
		logger.Warn().Msg("no DATABASE_URL or REDIS_ADDR set; using in-memory lock store")
		return lock.NewMemoryStore(), func() {}, nil
	}
}

// registerTokensFromEnv loads GOVLOCK_TOKENS, a comma-separated list of
// token=owner:role:org entries, into the static resolver.
func registerTokensFromEnv(resolver *authz.StaticResolver, logger zerolog.Logger) {
	raw := os.Getenv("GOVLOCK_TOKENS")
	if raw == "" {
		return
	}
	registered := 0
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, identity, ok := strings.Cut(entry, "=")
		if !ok {
			logger.Warn().Str("entry", entry).Msg("skipping malformed token entry")
			continue
		}
		parts := strings.Split(identity, ":")
		if len(parts) < 2 {
			logger.Warn().Str("entry", entry).Msg("skipping malformed token identity")
			continue
		}
		id := authz.Identity{OwnerID: parts[0], Role: authz.Role(parts[1])}
		if len(parts) > 2 {
			id.OrgID = parts[2]
		}
		resolver.Register(strings.TrimSpace(token), id)
		registered++
	}
	logger.Info().Int("tokens", registered).Msg("registered static identities")
}
