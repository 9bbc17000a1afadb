package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/audit"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/config"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/infrastructure/postgres"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/infrastructure/rabbitmq"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/infrastructure/redis"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/pkg/logger"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/security"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/service"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/transport/rest"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "ledger-service").
		Str("env", cfg.AppEnv).
		Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer dbPool.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()

		if err := dbPool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	repo := postgres.New(dbPool)
	repo.StartProcessedCleanup(rootCtx)

	// ---- Redis ----
	// Optional: every cache read falls through to Postgres on error.
	cache := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer func() { _ = cache.Close() }()
	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		defer cancel()

		if err := cache.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}
	}

	// ---- Application service ----
	auditLog := audit.New(logger.Logger)
	svc := service.NewStarService(repo, cfg.Policy,
		service.WithCache(cache),
		service.WithAudit(auditLog),
	)

	// ---- Router ----
	var rlCache domain.CacheRepository
	if cfg.RLEnabled {
		rlCache = cache
	}
	resolver := security.NewResolver(security.NewHS256Verifier(cfg.JWTSecret, cfg.JWTIssuer))
	httpHandler := rest.NewRouter(rest.RouterDeps{
		Cache:    rlCache,
		Handler:  rest.NewHandler(svc),
		Resolver: resolver,
		Identity: rest.IdentityOptions{
			CookieName:   cfg.DeviceCookieName,
			IssueDevice:  true,
			SecureCookie: cfg.AppEnv != "dev",
		},
		RateLimit:  cfg.RLLimit,
		RateWindow: cfg.RLWindow,
	})

	// ---- MQ consumer (auth.device.linked -> merge) ----
	if cfg.ConsumerEnabled {
		if err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitExchange, svc).Start(rootCtx); err != nil {
			log.Error().Err(err).Msg("rabbitmq consumer start failed (continuing)")
		}
	}

	// ---- Outbox worker (stars.* events) ----
	if cfg.OutboxEnabled {
		repo.NewOutboxWorker(cfg.RabbitExchange, auditLog).Start(rootCtx, cfg.RabbitURL)
		log.Info().Msg("outbox worker started")
	}

	// ---- HTTP server ----
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}
