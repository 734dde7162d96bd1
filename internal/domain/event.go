package domain

import (
	"encoding/json"
	"time"
)

type EventStatus string

const (
	EventStatusReceived     EventStatus = "received"
	EventStatusQueued       EventStatus = "queued"
	EventStatusProcessing   EventStatus = "processing"
	EventStatusSent         EventStatus = "sent"
	EventStatusFailed       EventStatus = "failed"
	EventStatusDeadLettered EventStatus = "dead_lettered"
	EventStatusSkipped      EventStatus = "skipped"
)

type SourceType string

const (
	SourceClient         SourceType = "client"
	SourceServer         SourceType = "server"
	SourcePaymentWebhook SourceType = "payment_webhook"
)

// FailureReason is the dead-letter taxonomy. Classification from error
// text is best-effort keyword matching; ReasonAccountInactive is assigned
// directly, never classified.
type FailureReason string

const (
	ReasonAuthError       FailureReason = "auth_error"
	ReasonRateLimit       FailureReason = "rate_limit"
	ReasonPayloadError    FailureReason = "payload_error"
	ReasonUnknown         FailureReason = "unknown"
	ReasonAccountInactive FailureReason = "account_inactive"
)

// EnrichedPayload is the post-hash, post-enrichment form of an event.
// UserData values are hashed identity fields keyed by the sink's short
// names (em, ph, fn, ...) plus client_ip_address / client_user_agent.
type EnrichedPayload struct {
	UserData   map[string]string `json:"user_data,omitempty"`
	CustomData map[string]any    `json:"custom_data,omitempty"`
	SourceURL  string            `json:"source_url,omitempty"`
}

// Event is one tracked conversion signal moving through the pipeline.
// Created by an ingest entry point, mutated only by the dispatcher
// (status/retry fields) or the reconciler (payload merge, hold flip).
type Event struct {
	EventID        string           `json:"event_id"`
	SiteID         string           `json:"site_id"`
	AccountID      string           `json:"account_id"`
	EventName      string           `json:"event_name"`
	SourceType     SourceType       `json:"source_type"`
	Status         EventStatus      `json:"status"`
	Retries        int              `json:"retries"`
	NextRetryAt    *time.Time       `json:"next_retry_at,omitempty"`
	Consent        bool             `json:"consent"`
	ConsentGroups  []string         `json:"consent_categories,omitempty"`
	HoldForWebhook bool             `json:"hold_for_webhook"`
	RawPayload     json.RawMessage  `json:"raw_payload"`
	Enriched       *EnrichedPayload `json:"enriched_payload,omitempty"`
	SinkPayload    json.RawMessage  `json:"sink_payload,omitempty"`
	SinkResponse   json.RawMessage  `json:"sink_response,omitempty"`
	LastError      *string          `json:"last_error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	QueuedAt       *time.Time       `json:"queued_at,omitempty"`
	ProcessingAt   *time.Time       `json:"processing_at,omitempty"`
	SentAt         *time.Time       `json:"sent_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Terminal reports whether the event can never be claimed again without
// operator action.
func (e *Event) Terminal() bool {
	switch e.Status {
	case EventStatusSent, EventStatusDeadLettered, EventStatusSkipped:
		return true
	}
	return false
}

func (e *Event) MarkProcessing(now time.Time) {
	e.Status = EventStatusProcessing
	e.ProcessingAt = &now
	e.UpdatedAt = now
}

func (e *Event) MarkSent(now time.Time, response json.RawMessage) {
	e.Status = EventStatusSent
	e.SinkResponse = response
	e.SentAt = &now
	e.NextRetryAt = nil
	e.LastError = nil
	e.UpdatedAt = now
}

// MarkRetrying records one failed delivery attempt. This is the only
// transition that increments Retries.
func (e *Event) MarkRetrying(now, nextRetry time.Time, lastError string) {
	e.Status = EventStatusFailed
	e.Retries++
	e.NextRetryAt = &nextRetry
	e.LastError = &lastError
	e.UpdatedAt = now
}

// Reschedule pushes the event out without consuming a retry slot. Used
// for backpressure (open circuit breaker), not delivery failures.
func (e *Event) Reschedule(now, nextRetry time.Time) {
	e.Status = EventStatusFailed
	e.NextRetryAt = &nextRetry
	e.UpdatedAt = now
}

func (e *Event) MarkDeadLettered(now time.Time, lastError string) {
	e.Status = EventStatusDeadLettered
	e.NextRetryAt = nil
	e.LastError = &lastError
	e.UpdatedAt = now
}

// ReleaseHold flips a held client Purchase back into the deliverable
// queue. Only the reconciler calls this; it is also the only place an
// event's source type changes after creation.
func (e *Event) ReleaseHold(now time.Time, source SourceType) {
	e.HoldForWebhook = false
	e.SourceType = source
	e.Status = EventStatusQueued
	e.QueuedAt = &now
	e.UpdatedAt = now
}

// DeadLetter is an event parked after exhausting retries or hitting a
// non-retryable condition. Reprocessing requires explicit operator action.
type DeadLetter struct {
	ID            int             `json:"id"`
	EventID       string          `json:"event_id"`
	SiteID        string          `json:"site_id"`
	AccountID     string          `json:"account_id"`
	EventName     string          `json:"event_name"`
	RawPayload    json.RawMessage `json:"raw_payload"`
	SinkPayload   json.RawMessage `json:"sink_payload,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	Retries       int             `json:"retries"`
	FailureReason FailureReason   `json:"failure_reason"`
	MovedAt       time.Time       `json:"moved_at"`
	ReprocessedAt *time.Time      `json:"reprocessed_at,omitempty"`
}
