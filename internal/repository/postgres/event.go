// Package postgres implements the store contracts on PostgreSQL.
// ClaimBatch relies on FOR UPDATE SKIP LOCKED so concurrent dispatch
// cycles never double-claim an event.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mbertolucci/relay/internal/domain"
)

const uniqueViolation = "23505"

const eventColumns = `event_id, site_id, account_id, event_name, source_type, status,
	       retries, next_retry_at, consent, consent_categories, hold_for_webhook,
	       raw_payload, enriched_payload, sink_payload, sink_response, last_error,
	       created_at, queued_at, processing_at, sent_at, updated_at`

type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

func scanEvent(row pgx.Row) (*domain.Event, error) {
	var event domain.Event
	err := row.Scan(
		&event.EventID,
		&event.SiteID,
		&event.AccountID,
		&event.EventName,
		&event.SourceType,
		&event.Status,
		&event.Retries,
		&event.NextRetryAt,
		&event.Consent,
		&event.ConsentGroups,
		&event.HoldForWebhook,
		&event.RawPayload,
		&event.Enriched,
		&event.SinkPayload,
		&event.SinkResponse,
		&event.LastError,
		&event.CreatedAt,
		&event.QueuedAt,
		&event.ProcessingAt,
		&event.SentAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func insertArgs(e *domain.Event) []any {
	return []any{
		e.EventID, e.SiteID, e.AccountID, e.EventName, e.SourceType, e.Status,
		e.Retries, e.NextRetryAt, e.Consent, e.ConsentGroups, e.HoldForWebhook,
		e.RawPayload, e.Enriched, e.SinkPayload, e.SinkResponse, e.LastError,
		e.CreatedAt, e.QueuedAt, e.ProcessingAt, e.SentAt, e.UpdatedAt,
	}
}

const eventParamCount = 21

func (r *EventRepository) Insert(ctx context.Context, event *domain.Event) error {
	query := fmt.Sprintf(`INSERT INTO events (%s) VALUES (%s)`,
		eventColumns, placeholders(1, eventParamCount))

	_, err := r.pool.Exec(ctx, query, insertArgs(event)...)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateEvent
	}
	return err
}

// InsertBatch inserts an ingest batch in one statement. Any duplicate id
// in the batch fails the whole insert with ErrDuplicateEvent so the
// caller can surface a conflict.
func (r *EventRepository) InsertBatch(ctx context.Context, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	var queryBuilder strings.Builder
	fmt.Fprintf(&queryBuilder, `INSERT INTO events (%s) VALUES `, eventColumns)

	args := make([]any, 0, len(events)*eventParamCount)
	for i, e := range events {
		if i > 0 {
			queryBuilder.WriteString(", ")
		}
		queryBuilder.WriteString("(" + placeholders(i*eventParamCount+1, eventParamCount) + ")")
		args = append(args, insertArgs(e)...)
	}

	_, err := r.pool.Exec(ctx, queryBuilder.String(), args...)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateEvent
	}
	return err
}

func (r *EventRepository) GetByID(ctx context.Context, eventID string) (*domain.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE event_id = $1`, eventColumns)

	event, err := scanEvent(r.pool.QueryRow(ctx, query, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

// ClaimBatch is the pipeline's sole synchronization point. The inner
// select locks due rows with SKIP LOCKED, the outer update flips them to
// processing and returns them; concurrent claimers skip each other's
// locked rows instead of blocking or double-claiming.
func (r *EventRepository) ClaimBatch(ctx context.Context, limit int) ([]*domain.Event, error) {
	query := fmt.Sprintf(`
		UPDATE events
		SET status = 'processing', processing_at = NOW(), updated_at = NOW()
		WHERE event_id IN (
			SELECT event_id FROM events
			WHERE (status = 'queued' OR (status = 'failed' AND next_retry_at <= NOW()))
			AND hold_for_webhook = FALSE
			ORDER BY next_retry_at NULLS FIRST, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING %s`, eventColumns)

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

func (r *EventRepository) UpdateStatus(ctx context.Context, event *domain.Event) error {
	const query = `
		UPDATE events
		SET status = $2, source_type = $3, retries = $4, next_retry_at = $5,
		    hold_for_webhook = $6, enriched_payload = $7, sink_response = $8,
		    last_error = $9, queued_at = $10, processing_at = $11, sent_at = $12,
		    updated_at = $13
		WHERE event_id = $1
	`

	_, err := r.pool.Exec(ctx, query,
		event.EventID,
		event.Status,
		event.SourceType,
		event.Retries,
		event.NextRetryAt,
		event.HoldForWebhook,
		event.Enriched,
		event.SinkResponse,
		event.LastError,
		event.QueuedAt,
		event.ProcessingAt,
		event.SentAt,
		event.UpdatedAt,
	)
	return err
}

func (r *EventRepository) UpdateSinkPayload(ctx context.Context, eventID string, payload json.RawMessage) error {
	const query = `UPDATE events SET sink_payload = $2, updated_at = NOW() WHERE event_id = $1`

	_, err := r.pool.Exec(ctx, query, eventID, payload)
	return err
}

func (r *EventRepository) MoveToDeadLetter(ctx context.Context, event *domain.Event, reason domain.FailureReason) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insertDLQ = `
		INSERT INTO dead_letters (event_id, site_id, account_id, event_name,
			raw_payload, sink_payload, last_error, retries, failure_reason, moved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`
	if _, err := tx.Exec(ctx, insertDLQ,
		event.EventID, event.SiteID, event.AccountID, event.EventName,
		event.RawPayload, event.SinkPayload, event.LastError, event.Retries, reason,
	); err != nil {
		return err
	}

	const updateEvent = `
		UPDATE events
		SET status = 'dead_lettered', next_retry_at = NULL, last_error = $2, updated_at = NOW()
		WHERE event_id = $1
	`
	if _, err := tx.Exec(ctx, updateEvent, event.EventID, event.LastError); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *EventRepository) FindWebhookDuplicate(ctx context.Context, siteID, orderID string) (*domain.Event, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM events
		WHERE site_id = $1
		AND event_name = 'Purchase'
		AND source_type = 'payment_webhook'
		AND enriched_payload->'custom_data'->>'order_id' = $2
		LIMIT 1`, eventColumns)

	event, err := scanEvent(r.pool.QueryRow(ctx, query, siteID, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (r *EventRepository) FindHeldEvent(ctx context.Context, siteID, orderID string, since time.Time) (*domain.Event, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM events
		WHERE site_id = $1
		AND event_name = 'Purchase'
		AND hold_for_webhook = TRUE
		AND raw_payload->'custom_data'->>'order_id' = $2
		AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT 1`, eventColumns)

	event, err := scanEvent(r.pool.QueryRow(ctx, query, siteID, orderID, since))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (r *EventRepository) ListDeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetter, error) {
	const query = `
		SELECT id, event_id, site_id, account_id, event_name, raw_payload,
		       sink_payload, last_error, retries, failure_reason, moved_at, reprocessed_at
		FROM dead_letters
		ORDER BY moved_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []*domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		err := rows.Scan(
			&dl.ID, &dl.EventID, &dl.SiteID, &dl.AccountID, &dl.EventName,
			&dl.RawPayload, &dl.SinkPayload, &dl.LastError, &dl.Retries,
			&dl.FailureReason, &dl.MovedAt, &dl.ReprocessedAt,
		)
		if err != nil {
			return nil, err
		}
		letters = append(letters, &dl)
	}

	return letters, rows.Err()
}

func (r *EventRepository) RequeueDeadLetter(ctx context.Context, eventID string, now time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE dead_letters SET reprocessed_at = $2 WHERE event_id = $1 AND reprocessed_at IS NULL`,
		eventID, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	if _, err := tx.Exec(ctx, `
		UPDATE events
		SET status = 'queued', retries = 0, next_retry_at = NULL,
		    last_error = NULL, queued_at = $2, updated_at = $2
		WHERE event_id = $1`, eventID, now); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *EventRepository) RequeueAllDeadLetters(ctx context.Context, now time.Time) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE events
		SET status = 'queued', retries = 0, next_retry_at = NULL,
		    last_error = NULL, queued_at = $1, updated_at = $1
		WHERE event_id IN (SELECT event_id FROM dead_letters WHERE reprocessed_at IS NULL)`,
		now)
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE dead_letters SET reprocessed_at = $1 WHERE reprocessed_at IS NULL`, now); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *EventRepository) RequeueStuck(ctx context.Context, before time.Time) (int, error) {
	const query = `
		UPDATE events
		SET status = 'queued', queued_at = NOW(), updated_at = NOW()
		WHERE status = 'processing' AND processing_at < $1
	`

	tag, err := r.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *EventRepository) ReleaseExpiredHolds(ctx context.Context, before time.Time) (int, error) {
	const query = `
		UPDATE events
		SET hold_for_webhook = FALSE, queued_at = NOW(), updated_at = NOW()
		WHERE hold_for_webhook = TRUE AND status = 'queued' AND created_at < $1
	`

	tag, err := r.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *EventRepository) CountByStatus(ctx context.Context) (map[domain.EventStatus]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM events GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.EventStatus]int)
	for rows.Next() {
		var status domain.EventStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

func placeholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", start+i)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
