package capi

import (
	"testing"
	"time"

	"github.com/mbertolucci/relay/internal/domain"
)

func TestFormat_EventTimeFromCreation(t *testing.T) {
	created := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
	event := &domain.Event{
		EventID:   "evt-1",
		EventName: "Purchase",
		CreatedAt: created,
		Enriched: &domain.EnrichedPayload{
			UserData:   map[string]string{"em": "abc"},
			CustomData: map[string]any{"value": 100.0, "currency": "BRL"},
			SourceURL:  "https://shop.example/checkout",
		},
	}

	out := Format(event)

	if out.EventTime != created.Unix() {
		t.Errorf("expected event_time %d, got %d", created.Unix(), out.EventTime)
	}
	if out.EventName != "Purchase" || out.EventID != "evt-1" {
		t.Errorf("unexpected identity fields: %+v", out)
	}
	if out.ActionSource != "website" {
		t.Errorf("expected action_source website, got %s", out.ActionSource)
	}
	if out.EventSourceURL != "https://shop.example/checkout" {
		t.Errorf("unexpected source url: %s", out.EventSourceURL)
	}
	if out.CustomData["currency"] != "BRL" {
		t.Errorf("unexpected custom_data: %+v", out.CustomData)
	}
}

func TestFormat_TotalOnMissingOptionalFields(t *testing.T) {
	event := &domain.Event{
		EventID:   "evt-2",
		EventName: "PageView",
		CreatedAt: time.Now(),
	}

	out := Format(event)

	if out.UserData == nil {
		t.Error("expected user_data to be present even when empty")
	}
	if out.CustomData != nil {
		t.Error("expected custom_data to be omitted")
	}
	if out.EventSourceURL != "" {
		t.Error("expected empty source url")
	}
}
