package domain

import "time"

// Account groups events that share one outbound sink credential.
// Inactive accounts cause their queued events to dead-letter immediately.
type Account struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	PixelID     string    `json:"pixel_id"`
	AccessToken string    `json:"-"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Site is one ingest origin bound to an account. The ingest token
// authenticates browser clients; webhooks address sites by id.
type Site struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	Domain      string    `json:"domain"`
	IngestToken string    `json:"-"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
