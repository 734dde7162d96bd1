package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mbertolucci/relay/internal/domain"
)

// BatcherConfig configures insert batching for the Kafka ingest path.
type BatcherConfig struct {
	// MaxSize is the maximum number of events to collect before flushing.
	MaxSize int
	// MaxWait is the maximum time to hold a partial batch.
	MaxWait time.Duration
}

func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		MaxSize: 50,
		MaxWait: 5 * time.Millisecond,
	}
}

type pendingEvent struct {
	event *domain.Event
	done  chan error
}

// EventBatcher coalesces single-event inserts into multi-row INSERTs.
// The HTTP ingest path inserts batches directly; this exists for the
// Kafka consumer, where messages arrive one at a time but the topic
// carries enough volume that per-row round trips dominate. Each caller
// blocks until its event is persisted.
//
// Duplicate ids are dropped with ON CONFLICT DO NOTHING rather than
// failing the flush: Kafka redelivery makes duplicates routine there,
// unlike the HTTP path where a duplicate is a client error.
type EventBatcher struct {
	pool   *pgxpool.Pool
	config BatcherConfig

	mu      sync.Mutex
	pending []pendingEvent
	timer   *time.Timer
}

func NewEventBatcher(pool *pgxpool.Pool, config BatcherConfig) *EventBatcher {
	if config.MaxSize == 0 {
		config.MaxSize = DefaultBatcherConfig().MaxSize
	}
	if config.MaxWait == 0 {
		config.MaxWait = DefaultBatcherConfig().MaxWait
	}
	return &EventBatcher{
		pool:    pool,
		config:  config,
		pending: make([]pendingEvent, 0, config.MaxSize),
	}
}

// Add queues an event and blocks until its batch is persisted.
func (b *EventBatcher) Add(ctx context.Context, event *domain.Event) error {
	done := make(chan error, 1)

	b.mu.Lock()
	b.pending = append(b.pending, pendingEvent{event: event, done: done})
	shouldFlush := len(b.pending) >= b.config.MaxSize

	if len(b.pending) == 1 && b.timer == nil {
		b.timer = time.AfterFunc(b.config.MaxWait, func() {
			b.mu.Lock()
			b.flushLocked()
			b.mu.Unlock()
		})
	}

	if shouldFlush {
		b.flushLocked()
	}
	b.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown flushes whatever is still pending.
func (b *EventBatcher) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) > 0 {
		b.flushLocked()
	}
	return nil
}

// flushLocked hands the pending slice to a background insert. Must be
// called with mu held.
func (b *EventBatcher) flushLocked() {
	if len(b.pending) == 0 {
		return
	}

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	toFlush := b.pending
	b.pending = make([]pendingEvent, 0, b.config.MaxSize)

	go b.executeBatch(toFlush)
}

func (b *EventBatcher) executeBatch(events []pendingEvent) {
	err := b.batchInsert(context.Background(), events)

	for _, pe := range events {
		pe.done <- err
		close(pe.done)
	}
}

func (b *EventBatcher) batchInsert(ctx context.Context, events []pendingEvent) error {
	if len(events) == 0 {
		return nil
	}

	var queryBuilder strings.Builder
	fmt.Fprintf(&queryBuilder, `INSERT INTO events (%s) VALUES `, eventColumns)

	args := make([]any, 0, len(events)*eventParamCount)
	for i, pe := range events {
		if i > 0 {
			queryBuilder.WriteString(", ")
		}
		queryBuilder.WriteString("(" + placeholders(i*eventParamCount+1, eventParamCount) + ")")
		args = append(args, insertArgs(pe.event)...)
	}

	queryBuilder.WriteString(" ON CONFLICT (event_id) DO NOTHING")

	_, err := b.pool.Exec(ctx, queryBuilder.String(), args...)
	return err
}
