package domain

import "time"

// WebhookStatus values the pipeline cares about. Anything else is
// acknowledged as a no-op so the payment provider stops retrying.
const (
	WebhookStatusApproved  = "approved"
	WebhookStatusRefunded  = "refunded"
	WebhookStatusCancelled = "cancelled"
	WebhookStatusPending   = "pending"
)

// WebhookItem is one line item from a payment confirmation.
type WebhookItem struct {
	ID       string  `json:"id,omitempty"`
	Name     string  `json:"name,omitempty"`
	Quantity int     `json:"quantity,omitempty"`
	Price    float64 `json:"price,omitempty"`
}

// WebhookCustomer carries raw buyer identity from the payment provider.
// Fields are hashed before they ever reach the store.
type WebhookCustomer struct {
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	City      string `json:"city,omitempty"`
	State     string `json:"state,omitempty"`
	Zip       string `json:"zip,omitempty"`
	Country   string `json:"country,omitempty"`
	Document  string `json:"document,omitempty"`
}

// PaymentWebhook is the normalized form of an inbound payment
// confirmation, independent of provider shape.
type PaymentWebhook struct {
	SiteID      string
	OrderID     string
	Status      string
	Value       float64
	Currency    string
	Items       []WebhookItem
	Customer    *WebhookCustomer
	ProductID   string
	ProductName string
	// ApprovedAt, when the provider reports it, becomes the synthesized
	// event's creation time so attribution survives queue delay.
	ApprovedAt time.Time
}

func (w *PaymentWebhook) Approved() bool {
	return w.Status == WebhookStatusApproved
}
