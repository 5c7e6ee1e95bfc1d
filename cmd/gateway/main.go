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

	"github.com/mrmushfiq/llm0-gates/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/gates"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/jobs"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/keys"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/metrics"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/pricing"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/router"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/secret"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/spending"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-gates/internal/shared/config"
	"github.com/mrmushfiq/llm0-gates/internal/shared/database"
	"github.com/mrmushfiq/llm0-gates/internal/shared/logger"
	"github.com/mrmushfiq/llm0-gates/internal/shared/models"
	"github.com/mrmushfiq/llm0-gates/internal/shared/redis"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting llm0 gates", zap.String("port", cfg.Port), zap.String("env", cfg.Env))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	if cfg.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	log.Info("connected to postgres")

	// Redis is optional; without it every cache read misses and spend is
	// written straight to the database
	var limiter handlers.RateLimiter
	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Warn("redis unavailable, running without cache", zap.Error(err))
		redisClient = nil
	} else {
		defer redisClient.Close()
		limiter = redisClient
		log.Info("connected to redis")
	}
	c := cache.New(redisClient, log)

	var cipher *secret.Cipher
	if cfg.EncryptionKey != "" {
		if cipher, err = secret.NewCipher(cfg.EncryptionKey); err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
	} else {
		log.Warn("ENCRYPTION_KEY not set, tenant provider keys are disabled")
	}
	if !cfg.PlatformKeysConfigured() && cipher == nil {
		log.Warn("no platform provider keys configured and BYOK disabled, every request will fail")
	}

	m := metrics.Gateway()
	prices := pricing.Default()

	resolver := keys.NewResolver(db, cipher, log)
	registry := providers.NewRegistry(cfg, prices)
	gateService := gates.NewService(db, c, cfg.GateCacheTTL, log)
	guard := spending.NewGuard(db, c, spending.NewLogNotifier(log, m), m, spending.Config{
		SnapshotTTL: cfg.SpendCacheTTL,
		BandPercent: cfg.AlertBandPercent,
	}, log)
	recorder := usage.NewRecorder(db, 1024, log)

	gateRouter := router.New(gateService, guard, resolver, registry, router.NewRotation(c), recorder, m, router.Config{
		PlatformKeys: map[models.Provider]string{
			models.ProviderOpenAI:    cfg.OpenAIAPIKey,
			models.ProviderAnthropic: cfg.AnthropicAPIKey,
			models.ProviderGoogle:    cfg.GeminiAPIKey,
			models.ProviderMistral:   cfg.MistralAPIKey,
		},
		AttemptTimeout: cfg.ProviderTimeout,
	}, log)

	scheduler := jobs.New(guard, m, cfg.SpendSyncInterval, cfg.PeriodResetInterval, log)
	scheduler.Start()

	h := handlers.NewGateHandler(gateRouter, resolver, gateService, log)
	mw := handlers.NewMiddleware(db, limiter, cfg.DefaultRateLimit, log)
	requestTimeout := router.RequestTimeout(cfg.ProviderTimeout)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handlers.NewRouter(h, mw, handlers.HealthHandler(db, c), promhttp.Handler(), requestTimeout),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error("server failed", zap.Error(err))
		}
	}

	log.Info("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", zap.Error(err))
	}
	scheduler.Stop(shutdownCtx)

	// flush what the last requests added before the connections close
	if _, err := guard.SyncToDatabase(shutdownCtx); err != nil {
		log.Error("final spend sync", zap.Error(err))
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		log.Error("request log drain", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
