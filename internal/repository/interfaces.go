// Package repository defines the store contracts the pipeline depends on.
// The dispatcher and reconciler hold no state of their own; everything
// cross-invocation lives behind these interfaces.
package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mbertolucci/relay/internal/domain"
)

type EventRepository interface {
	// Insert persists a new event. A duplicate event id is a conflict
	// (domain.ErrDuplicateEvent), never an overwrite.
	Insert(ctx context.Context, event *domain.Event) error
	// InsertBatch persists up to one ingest batch in a single round trip.
	InsertBatch(ctx context.Context, events []*domain.Event) error
	GetByID(ctx context.Context, eventID string) (*domain.Event, error)

	// ClaimBatch atomically selects up to limit due events (queued, or
	// failed with next_retry_at elapsed; never held or terminal),
	// transitions them to processing, and returns them. Safe for
	// concurrent callers: no event is ever returned to two claimers.
	ClaimBatch(ctx context.Context, limit int) ([]*domain.Event, error)

	UpdateStatus(ctx context.Context, event *domain.Event) error
	// UpdateSinkPayload records the exact formatted bytes before delivery.
	UpdateSinkPayload(ctx context.Context, eventID string, payload json.RawMessage) error

	// MoveToDeadLetter parks the event with a failure reason and marks it
	// dead_lettered, in one transaction.
	MoveToDeadLetter(ctx context.Context, event *domain.Event, reason domain.FailureReason) error

	// FindWebhookDuplicate looks up an existing webhook-sourced Purchase
	// for the same site and transaction.
	FindWebhookDuplicate(ctx context.Context, siteID, orderID string) (*domain.Event, error)
	// FindHeldEvent looks up a held client Purchase for the transaction
	// created at or after since.
	FindHeldEvent(ctx context.Context, siteID, orderID string, since time.Time) (*domain.Event, error)

	ListDeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetter, error)
	// RequeueDeadLetter puts a dead-lettered event back in the queue with
	// retries reset and stamps the dead letter's reprocessed_at marker.
	RequeueDeadLetter(ctx context.Context, eventID string, now time.Time) error
	RequeueAllDeadLetters(ctx context.Context, now time.Time) (int, error)

	// RequeueStuck recovers events stuck in processing since before the
	// cutoff (operator path for mid-cycle teardown).
	RequeueStuck(ctx context.Context, before time.Time) (int, error)

	// ReleaseExpiredHolds unholds queued Purchases whose webhook never
	// arrived, making them dispatchable with client data only.
	ReleaseExpiredHolds(ctx context.Context, before time.Time) (int, error)

	CountByStatus(ctx context.Context) (map[domain.EventStatus]int, error)
}

type AccountRepository interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	GetSiteByID(ctx context.Context, id string) (*domain.Site, error)
	GetSiteByToken(ctx context.Context, token string) (*domain.Site, error)
}
