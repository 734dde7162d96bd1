// Package kafka provides the streaming ingest path: server-side
// producers publish tag events to a topic and the consumer lands them
// in the event store. At-least-once with manual commits after the
// store write; the event id unique constraint absorbs redelivery.
package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbertolucci/relay/internal/ingest"
)

// ConsumerConfig defines Kafka consumer parameters.
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	BatchTimeout  time.Duration
	CommitTimeout time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		BatchTimeout:  100 * time.Millisecond,
		CommitTimeout: 5 * time.Second,
	}
}

// IngestMessage is the topic's message shape. SiteToken authenticates
// the producer the same way the HTTP header does.
type IngestMessage struct {
	SiteToken string               `json:"site_token"`
	Event     ingest.IncomingEvent `json:"event"`
	ClientIP  string               `json:"client_ip,omitempty"`
	UserAgent string               `json:"user_agent,omitempty"`
}

// MessageHandler lands a batch of ingest messages in the store.
type MessageHandler interface {
	ProcessBatch(ctx context.Context, msgs []*IngestMessage)
}

type Consumer struct {
	config  ConsumerConfig
	reader  *kafka.Reader
	handler MessageHandler
	logger  *slog.Logger

	wg       sync.WaitGroup
	shutdown chan struct{}
}

func NewConsumer(config ConsumerConfig, handler MessageHandler, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        config.BatchTimeout,
		CommitInterval: 0, // manual commits only
		StartOffset:    kafka.LastOffset,
		GroupBalancers: []kafka.GroupBalancer{
			kafka.RangeGroupBalancer{},
			kafka.RoundRobinGroupBalancer{},
		},
	})

	return &Consumer{
		config:   config,
		reader:   reader,
		handler:  handler,
		logger:   logger,
		shutdown: make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	c.logger.Info("kafka consumer started",
		"topic", c.config.Topic,
		"group", c.config.GroupID,
		"batch_timeout", c.config.BatchTimeout,
	)
}

func (c *Consumer) Stop() {
	close(c.shutdown)
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		c.logger.Error("failed to close kafka reader", "error", err)
	}
	c.logger.Info("kafka consumer stopped")
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		batch, msgs := c.collectBatch(ctx)
		if len(batch) == 0 {
			continue
		}

		c.handler.ProcessBatch(ctx, msgs)

		// Commit after the store write. A crash before this point means
		// redelivery, which the event id constraint turns into a no-op.
		if err := c.commitMessages(ctx, batch); err != nil {
			c.logger.Error("failed to commit messages", "error", err, "count", len(batch))
		}
	}
}

func (c *Consumer) collectBatch(ctx context.Context) ([]kafka.Message, []*IngestMessage) {
	var batch []kafka.Message
	var msgs []*IngestMessage

	deadline := time.Now().Add(c.config.BatchTimeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return batch, msgs
		case <-c.shutdown:
			return batch, msgs
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if remaining > 10*time.Millisecond {
			remaining = 10 * time.Millisecond
		}

		readCtx, cancel := context.WithTimeout(ctx, remaining)
		msg, err := c.reader.FetchMessage(readCtx)
		cancel()

		if err != nil {
			if err == context.DeadlineExceeded || err == context.Canceled {
				continue
			}
			c.logger.Error("failed to fetch message", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		var parsed IngestMessage
		if err := json.Unmarshal(msg.Value, &parsed); err != nil {
			c.logger.Error("failed to unmarshal ingest message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			// Commit the poison message so it does not block the partition.
			if err := c.commitMessages(ctx, []kafka.Message{msg}); err != nil {
				c.logger.Error("failed to commit bad message", "error", err)
			}
			continue
		}

		batch = append(batch, msg)
		msgs = append(msgs, &parsed)
	}

	return batch, msgs
}

func (c *Consumer) commitMessages(ctx context.Context, messages []kafka.Message) error {
	if len(messages) == 0 {
		return nil
	}

	commitCtx, cancel := context.WithTimeout(ctx, c.config.CommitTimeout)
	defer cancel()

	return c.reader.CommitMessages(commitCtx, messages...)
}

func (c *Consumer) Stats() kafka.ReaderStats {
	return c.reader.Stats()
}
