// Test producer: publishes synthetic tag events to the ingest topic.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mbertolucci/relay/internal/config"
	"github.com/mbertolucci/relay/internal/ingest"
	"github.com/mbertolucci/relay/internal/kafka"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	count := flag.Int("count", 1000, "Number of events to produce")
	token := flag.String("token", "", "Site ingest token (required)")
	eventName := flag.String("event", "PageView", "Event name")
	flag.Parse()

	if *token == "" {
		logger.Error("missing -token")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("received shutdown signal")
		cancel()
	}()

	producerConfig := kafka.DefaultProducerConfig()
	producerConfig.Brokers = cfg.KafkaBrokers
	producerConfig.Topic = cfg.KafkaTopic

	producer := kafka.NewProducer(producerConfig, logger)
	defer func() { _ = producer.Close() }()

	logger.Info("producing events",
		"brokers", cfg.KafkaBrokers,
		"topic", cfg.KafkaTopic,
		"count", *count,
		"event_name", *eventName,
	)

	start := time.Now()
	batch := make([]kafka.IngestMessage, 0, 100)

	for i := 0; i < *count; i++ {
		select {
		case <-ctx.Done():
			logger.Info("cancelled", "produced", i)
			return
		default:
		}

		batch = append(batch, kafka.IngestMessage{
			SiteToken: *token,
			Event: ingest.IncomingEvent{
				EventID:   uuid.NewString(),
				EventName: *eventName,
				SourceURL: fmt.Sprintf("https://shop.example/p/%d", i%50),
				UserData:  map[string]string{"em": fmt.Sprintf("user%d@example.com", i)},
			},
			UserAgent: "relay-producer/1.0",
		})

		if len(batch) == cap(batch) {
			if err := producer.PublishBatch(ctx, batch); err != nil {
				logger.Error("failed to publish batch", "error", err)
				os.Exit(1)
			}
			batch = batch[:0]
		}
	}

	if len(batch) > 0 {
		if err := producer.PublishBatch(ctx, batch); err != nil {
			logger.Error("failed to publish batch", "error", err)
			os.Exit(1)
		}
	}

	elapsed := time.Since(start)
	logger.Info("done",
		"count", *count,
		"elapsed", elapsed.String(),
		"rate", fmt.Sprintf("%.0f/s", float64(*count)/elapsed.Seconds()),
	)
}
