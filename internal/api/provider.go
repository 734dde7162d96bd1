package api

import (
	"strings"
	"time"

	"github.com/mbertolucci/relay/internal/domain"
	"github.com/mbertolucci/relay/internal/hashing"
)

// NormalizedWebhookRequest is the provider-agnostic webhook shape for
// integrations that can post arbitrary JSON.
type NormalizedWebhookRequest struct {
	OrderID    string               `json:"order_id"`
	Status     string               `json:"status"`
	Value      float64              `json:"value"`
	Currency   string               `json:"currency"`
	Items      []domain.WebhookItem `json:"items,omitempty"`
	Customer   *WebhookCustomer     `json:"customer,omitempty"`
	ApprovedAt *time.Time           `json:"approved_at,omitempty"`
}

type WebhookCustomer struct {
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	City      string `json:"city"`
	State     string `json:"state"`
	Zip       string `json:"zip"`
	Country   string `json:"country"`
	Document  string `json:"document"`
}

func (r NormalizedWebhookRequest) ToDomain(siteID string) *domain.PaymentWebhook {
	hook := &domain.PaymentWebhook{
		SiteID:   siteID,
		OrderID:  strings.TrimSpace(r.OrderID),
		Status:   normalizeStatus(r.Status),
		Value:    r.Value,
		Currency: r.Currency,
		Items:    r.Items,
	}
	if r.ApprovedAt != nil {
		hook.ApprovedAt = *r.ApprovedAt
	}
	if r.Customer != nil {
		hook.Customer = &domain.WebhookCustomer{
			Email:     r.Customer.Email,
			Phone:     r.Customer.Phone,
			FirstName: r.Customer.FirstName,
			LastName:  r.Customer.LastName,
			City:      r.Customer.City,
			State:     r.Customer.State,
			Zip:       r.Customer.Zip,
			Country:   r.Customer.Country,
			Document:  r.Customer.Document,
		}
	}
	return hook
}

// CheckoutWebhookRequest is the checkout provider's native payload.
// The customer name arrives as a single string and amounts in cents.
type CheckoutWebhookRequest struct {
	Event      string `json:"event"`
	SaleID     string `json:"sale_id"`
	Status     string `json:"payment_status"`
	TotalCents int64  `json:"total_price_cents"`
	Currency   string `json:"currency"`
	CreatedAt  string `json:"created_at"`
	Customer   struct {
		Name        string `json:"name"`
		Email       string `json:"email"`
		PhoneNumber string `json:"phone_number"`
		Document    string `json:"document"`
	} `json:"customer"`
	Products []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Quantity int    `json:"quantity"`
		Cents    int64  `json:"price_cents"`
	} `json:"products"`
}

func (r CheckoutWebhookRequest) ToDomain(siteID string) *domain.PaymentWebhook {
	first, last := hashing.SplitName(r.Customer.Name)
	hook := &domain.PaymentWebhook{
		SiteID:   siteID,
		OrderID:  strings.TrimSpace(r.SaleID),
		Status:   normalizeStatus(r.Status),
		Value:    float64(r.TotalCents) / 100,
		Currency: r.Currency,
		Customer: &domain.WebhookCustomer{
			Email:     r.Customer.Email,
			Phone:     r.Customer.PhoneNumber,
			FirstName: first,
			LastName:  last,
			Document:  r.Customer.Document,
		},
	}
	for _, p := range r.Products {
		hook.Items = append(hook.Items, domain.WebhookItem{
			ID:       p.ID,
			Name:     p.Name,
			Quantity: p.Quantity,
			Price:    float64(p.Cents) / 100,
		})
	}
	if len(r.Products) > 0 {
		hook.ProductID = r.Products[0].ID
		hook.ProductName = r.Products[0].Name
	}
	if t, err := time.Parse(time.RFC3339, r.CreatedAt); err == nil {
		hook.ApprovedAt = t
	}
	return hook
}

// normalizeStatus folds the provider status vocabulary into ours.
func normalizeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "approved", "paid", "sale_approved", "completed":
		return domain.WebhookStatusApproved
	case "refunded", "chargeback", "sale_refunded":
		return domain.WebhookStatusRefunded
	case "cancelled", "canceled", "expired":
		return domain.WebhookStatusCancelled
	case "pending", "waiting_payment", "in_review":
		return domain.WebhookStatusPending
	default:
		return strings.ToLower(strings.TrimSpace(status))
	}
}
