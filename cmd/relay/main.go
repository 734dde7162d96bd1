// The relay service: HTTP ingest and webhook API plus the dispatch
// loop that drains the event queue to the conversions sink.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/mbertolucci/relay/internal/api"
	"github.com/mbertolucci/relay/internal/capi"
	"github.com/mbertolucci/relay/internal/clock"
	"github.com/mbertolucci/relay/internal/config"
	"github.com/mbertolucci/relay/internal/dispatcher"
	"github.com/mbertolucci/relay/internal/hashing"
	"github.com/mbertolucci/relay/internal/ingest"
	"github.com/mbertolucci/relay/internal/observability"
	"github.com/mbertolucci/relay/internal/reconcile"
	"github.com/mbertolucci/relay/internal/repository/postgres"
	"github.com/mbertolucci/relay/internal/resilience"
	"github.com/mbertolucci/relay/internal/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	eventRepo := postgres.NewEventRepository(pool)
	accountRepo := postgres.NewAccountRepository(pool)

	metrics := observability.NewMetrics("relay")
	healthHandler := observability.NewHealthHandler(pool)

	limiter := newLimiter(ctx, cfg, logger)

	breakers := resilience.NewAccountBreakers(resilience.DefaultCircuitBreakerConfig())
	breakers.OnStateChange(func(accountID string, from, to resilience.CircuitState) {
		logger.Warn("circuit breaker state change",
			"account_id", accountID, "from", string(from), "to", string(to))
	})

	clk := clock.RealClock{}
	hasher := hashing.Hasher{CountryCode: cfg.PhoneCountryCode}
	policy := retry.Policy{Base: cfg.RetryBase, Cap: cfg.RetryCap, MaxRetries: cfg.MaxRetries}

	sink := capi.NewClient(capi.ClientConfig{
		BaseURL: cfg.SinkBaseURL,
		Timeout: cfg.SinkTimeout,
	})

	d := dispatcher.New(
		dispatcher.Config{BatchSize: cfg.DispatchBatchSize, Fanout: cfg.DispatchFanout},
		eventRepo,
		accountRepo,
		sink,
		breakers,
		policy,
		clk,
		metrics,
		logger,
	)
	scheduler := dispatcher.NewScheduler(d, cfg.DispatchInterval, cfg.CycleBudget, logger)
	go scheduler.Run(ctx)

	ingestSvc := ingest.NewService(eventRepo, accountRepo, &hasher, clk, metrics, logger)
	ingestSvc.SetTrigger(scheduler)
	reconciler := reconcile.New(eventRepo, accountRepo, hasher, cfg.ReconcileWindow, scheduler, clk, metrics, logger)

	handler := api.NewHandler(api.HandlerConfig{
		Events:        eventRepo,
		Accounts:      accountRepo,
		Ingest:        ingestSvc,
		Reconciler:    reconciler,
		Limiter:       limiter,
		RateLimit:     cfg.IngestRateLimit,
		WebhookSecret: cfg.WebhookSecret,
		HoldWindow:    cfg.ReconcileWindow,
		Clock:         clk,
		Metrics:       metrics,
		Logger:        logger,
	})
	router := api.NewRouter(api.RouterConfig{
		Handler:       handler,
		HealthHandler: healthHandler,
		Metrics:       metrics,
		Logger:        logger,
	})

	healthHandler.SetReady(true)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
}

// newLimiter prefers the Redis sliding window when Redis is available,
// so the limit holds across instances. Falls back to per-process.
func newLimiter(ctx context.Context, cfg *config.Config, logger *slog.Logger) resilience.IngestLimiter {
	memory := resilience.NewMemoryLimiter(resilience.DefaultRateLimiterConfig())

	if cfg.RedisURL == "" {
		logger.Info("REDIS_URL not set, using in-memory rate limiter")
		return memory
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("failed to parse REDIS_URL", "error", err)
		os.Exit(1)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis not available, using in-memory rate limiter", "error", err)
		return memory
	}

	logger.Info("connected to Redis")
	return resilience.NewRedisLimiter(client, resilience.DefaultRedisLimiterConfig(), logger)
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
