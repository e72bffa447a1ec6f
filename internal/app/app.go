package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/arkfin/mt5-settlement/internal/api"
	"github.com/arkfin/mt5-settlement/internal/api/middleware"
	"github.com/arkfin/mt5-settlement/internal/config"
	"github.com/arkfin/mt5-settlement/internal/db"
	"github.com/arkfin/mt5-settlement/internal/gateway"
	"github.com/arkfin/mt5-settlement/internal/idempotency"
	"github.com/arkfin/mt5-settlement/internal/mt5"
	"github.com/arkfin/mt5-settlement/internal/observability"
	"github.com/arkfin/mt5-settlement/internal/repository"
	"github.com/arkfin/mt5-settlement/internal/service"
	"github.com/arkfin/mt5-settlement/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Run bootstraps the HTTP server and background workers, blocking until
// shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	store := repository.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	idemStore := idempotency.NewStore(redisClient, pool, cfg.IdempotencyTTL)

	ledger := mt5.NewClient(mt5.Config{
		BaseURL:  cfg.MT5BaseURL,
		APIKey:   cfg.MT5APIKey,
		Country:  cfg.MT5Country,
		Leverage: cfg.MT5Leverage,
		Timeout:  cfg.MT5Timeout,
	})
	registry := gateway.NewRegistry(store, cfg.GatewayTimeout)

	orch := service.NewSettlementOrchestrator(store, ledger, registry, cfg.MaxPayoutAttempts)
	recon := service.NewReconciliationService(store, registry, cfg.MaxPayoutAttempts)

	poller := worker.NewStatusPollWorker(store, recon).
		WithInterval(cfg.StatusPollInterval).
		WithSettleSLA(cfg.SettleSLA).
		WithBatchSize(cfg.PollBatchSize)
	stopPoller := poller.Run(ctx)
	logger.Info("status poll worker started",
		zap.Duration("interval", cfg.StatusPollInterval),
		zap.Duration("settle_sla", cfg.SettleSLA),
		zap.Int32("batch", cfg.PollBatchSize))

	recoverer := worker.NewDispatchWorker(orch).
		WithInterval(cfg.DispatchInterval)
	stopRecoverer := recoverer.Run(ctx)
	logger.Info("dispatch recovery worker started", zap.Duration("interval", cfg.DispatchInterval))

	router := api.NewRouter(cfg, logger, pool, redisClient, idemStore, orch, recon)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping workers")
	stopPoller()
	stopRecoverer()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
