// Headless worker: consumes the Kafka ingest topic into the event
// store and runs its own dispatch loop. Scales horizontally; the
// consumer group splits partitions and the claim query splits the
// queue.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mbertolucci/relay/internal/capi"
	"github.com/mbertolucci/relay/internal/clock"
	"github.com/mbertolucci/relay/internal/config"
	"github.com/mbertolucci/relay/internal/dispatcher"
	"github.com/mbertolucci/relay/internal/hashing"
	"github.com/mbertolucci/relay/internal/ingest"
	"github.com/mbertolucci/relay/internal/kafka"
	"github.com/mbertolucci/relay/internal/observability"
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
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}

	maxConns := int32(30)
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxConns = int32(n)
		}
	}
	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = maxConns / 3

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
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
	batcher := postgres.NewEventBatcher(pool, postgres.DefaultBatcherConfig())

	metrics := observability.NewMetrics("relay_worker")

	clk := clock.RealClock{}
	hasher := hashing.Hasher{CountryCode: cfg.PhoneCountryCode}

	ingestSvc := ingest.NewService(eventRepo, accountRepo, &hasher, clk, metrics, logger)
	handler := kafka.NewIngestHandler(ingestSvc, accountRepo, batcher, metrics, logger)

	consumerConfig := kafka.DefaultConsumerConfig()
	consumerConfig.Brokers = cfg.KafkaBrokers
	consumerConfig.Topic = cfg.KafkaTopic
	consumerConfig.GroupID = cfg.KafkaGroupID

	consumer := kafka.NewConsumer(consumerConfig, handler, logger)
	consumer.Start(ctx)

	breakers := resilience.NewAccountBreakers(resilience.DefaultCircuitBreakerConfig())
	policy := retry.Policy{Base: cfg.RetryBase, Cap: cfg.RetryCap, MaxRetries: cfg.MaxRetries}
	sink := capi.NewClient(capi.ClientConfig{BaseURL: cfg.SinkBaseURL, Timeout: cfg.SinkTimeout})

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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	cancel()
	consumer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := batcher.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to flush event batcher", "error", err)
	}

	logger.Info("shutdown complete")
}
