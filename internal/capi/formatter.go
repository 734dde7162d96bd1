// Package capi formats and delivers event batches to the conversions
// sink API.
package capi

import (
	"github.com/mbertolucci/relay/internal/domain"
)

// SinkEvent is the sink's per-event wire shape.
type SinkEvent struct {
	EventName      string            `json:"event_name"`
	EventTime      int64             `json:"event_time"`
	EventID        string            `json:"event_id"`
	EventSourceURL string            `json:"event_source_url,omitempty"`
	ActionSource   string            `json:"action_source"`
	UserData       map[string]string `json:"user_data"`
	CustomData     map[string]any    `json:"custom_data,omitempty"`
}

// BatchPayload is the request body shape: {data: [...], access_token}.
type BatchPayload struct {
	Data        []SinkEvent `json:"data"`
	AccessToken string      `json:"access_token"`
}

// Format maps one event to the sink shape. Deterministic and total:
// malformed or missing optional fields are omitted, never an error.
// Event time derives from the creation timestamp, not send time, so
// attribution survives queue delay.
func Format(event *domain.Event) SinkEvent {
	out := SinkEvent{
		EventName:    event.EventName,
		EventTime:    event.CreatedAt.Unix(),
		EventID:      event.EventID,
		ActionSource: "website",
		UserData:     map[string]string{},
	}

	if event.Enriched != nil {
		out.EventSourceURL = event.Enriched.SourceURL
		if len(event.Enriched.UserData) > 0 {
			out.UserData = event.Enriched.UserData
		}
		if len(event.Enriched.CustomData) > 0 {
			out.CustomData = event.Enriched.CustomData
		}
	}

	return out
}
