package domain

import (
	"testing"
	"time"
)

func TestEvent_MarkRetrying_IncrementsRetries(t *testing.T) {
	now := time.Now()
	next := now.Add(time.Minute)
	e := &Event{Status: EventStatusProcessing, Retries: 1}

	e.MarkRetrying(now, next, "delivery failed with status 500")

	if e.Status != EventStatusFailed {
		t.Errorf("expected status %v, got %v", EventStatusFailed, e.Status)
	}
	if e.Retries != 2 {
		t.Errorf("expected retries 2, got %d", e.Retries)
	}
	if e.NextRetryAt == nil || !e.NextRetryAt.Equal(next) {
		t.Errorf("expected next retry at %v, got %v", next, e.NextRetryAt)
	}
	if e.LastError == nil || *e.LastError == "" {
		t.Error("expected last error to be set")
	}
}

func TestEvent_Reschedule_DoesNotConsumeRetry(t *testing.T) {
	now := time.Now()
	e := &Event{Status: EventStatusProcessing, Retries: 3}

	e.Reschedule(now, now.Add(time.Second))

	if e.Retries != 3 {
		t.Errorf("expected retries unchanged at 3, got %d", e.Retries)
	}
	if e.NextRetryAt == nil {
		t.Error("expected next retry to be scheduled")
	}
}

func TestEvent_MarkSent_ClearsRetryState(t *testing.T) {
	now := time.Now()
	errMsg := "previous failure"
	next := now.Add(time.Minute)
	e := &Event{Status: EventStatusProcessing, LastError: &errMsg, NextRetryAt: &next}

	e.MarkSent(now, []byte(`{"events_received":1}`))

	if e.Status != EventStatusSent {
		t.Errorf("expected status %v, got %v", EventStatusSent, e.Status)
	}
	if e.NextRetryAt != nil {
		t.Error("expected next retry to be cleared")
	}
	if e.LastError != nil {
		t.Error("expected last error to be cleared")
	}
	if e.SentAt == nil {
		t.Error("expected sent timestamp")
	}
}

func TestEvent_ReleaseHold(t *testing.T) {
	now := time.Now()
	e := &Event{
		EventName:      "Purchase",
		SourceType:     SourceClient,
		Status:         EventStatusQueued,
		HoldForWebhook: true,
	}

	e.ReleaseHold(now, SourcePaymentWebhook)

	if e.HoldForWebhook {
		t.Error("expected hold to be released")
	}
	if e.SourceType != SourcePaymentWebhook {
		t.Errorf("expected source %v, got %v", SourcePaymentWebhook, e.SourceType)
	}
	if e.Status != EventStatusQueued {
		t.Errorf("expected status %v, got %v", EventStatusQueued, e.Status)
	}
	if e.QueuedAt == nil {
		t.Error("expected queued timestamp")
	}
}

func TestEvent_Terminal(t *testing.T) {
	cases := []struct {
		status   EventStatus
		terminal bool
	}{
		{EventStatusReceived, false},
		{EventStatusQueued, false},
		{EventStatusProcessing, false},
		{EventStatusFailed, false},
		{EventStatusSent, true},
		{EventStatusDeadLettered, true},
		{EventStatusSkipped, true},
	}

	for _, tc := range cases {
		e := &Event{Status: tc.status}
		if e.Terminal() != tc.terminal {
			t.Errorf("status %v: expected terminal=%v", tc.status, tc.terminal)
		}
	}
}
