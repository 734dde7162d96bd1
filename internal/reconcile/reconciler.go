// Package reconcile merges payment webhooks with the client-side
// Purchase events held for them. The browser sees the buyer (cookies,
// IP, user agent); the payment provider sees the truth about the money.
// One sink event carries both.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mbertolucci/relay/internal/clock"
	"github.com/mbertolucci/relay/internal/domain"
	"github.com/mbertolucci/relay/internal/hashing"
	"github.com/mbertolucci/relay/internal/observability"
	"github.com/mbertolucci/relay/internal/repository"
)

// Outcome reports what the reconciler did with one webhook.
type Outcome string

const (
	// OutcomeIgnored: status was not approved, acknowledged as a no-op.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeDuplicate: a webhook for this transaction was already queued.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeReconciled: a held client Purchase was found and merged.
	OutcomeReconciled Outcome = "reconciled"
	// OutcomeCreated: no held event in the window, a server-side
	// Purchase was synthesized from the webhook alone.
	OutcomeCreated Outcome = "created"
)

// Trigger requests an immediate dispatch cycle. Wired to the dispatch
// scheduler so a merged purchase does not wait out the tick.
type Trigger interface {
	Trigger()
}

type Reconciler struct {
	events   repository.EventRepository
	accounts repository.AccountRepository
	hasher   hashing.Hasher
	window   time.Duration
	trigger  Trigger
	clock    clock.Clock
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func New(events repository.EventRepository, accounts repository.AccountRepository, hasher hashing.Hasher, window time.Duration, trigger Trigger, clk clock.Clock, metrics *observability.Metrics, logger *slog.Logger) *Reconciler {
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &Reconciler{
		events:   events,
		accounts: accounts,
		hasher:   hasher,
		window:   window,
		trigger:  trigger,
		clock:    clk,
		metrics:  metrics,
		logger:   logger,
	}
}

// HandleWebhook processes one payment confirmation. The caller always
// acknowledges the provider; errors here mean the store failed, not
// that the webhook was bad.
func (r *Reconciler) HandleWebhook(ctx context.Context, hook *domain.PaymentWebhook) (Outcome, error) {
	logger := r.logger.With(
		slog.String("site_id", hook.SiteID),
		slog.String("order_id", hook.OrderID),
		slog.String("status", hook.Status))

	if !hook.Approved() {
		logger.Debug("webhook ignored")
		r.count(OutcomeIgnored)
		return OutcomeIgnored, nil
	}

	if _, err := r.events.FindWebhookDuplicate(ctx, hook.SiteID, hook.OrderID); err == nil {
		logger.Info("webhook duplicate for already reconciled transaction")
		r.count(OutcomeDuplicate)
		return OutcomeDuplicate, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	now := r.clock.Now()
	held, err := r.events.FindHeldEvent(ctx, hook.SiteID, hook.OrderID, now.Add(-r.window))
	switch {
	case err == nil:
		if err := r.merge(ctx, held, hook, now); err != nil {
			return "", err
		}
		logger.Info("held purchase reconciled", slog.String("event_id", held.EventID))
		r.count(OutcomeReconciled)
		r.fire()
		return OutcomeReconciled, nil
	case errors.Is(err, domain.ErrNotFound):
		ev, err := r.synthesize(ctx, hook, now)
		if err != nil {
			return "", err
		}
		logger.Info("purchase synthesized from webhook", slog.String("event_id", ev.EventID))
		r.count(OutcomeCreated)
		r.fire()
		return OutcomeCreated, nil
	default:
		return "", err
	}
}

// merge folds the webhook into the held client event. On conflicting
// fields the webhook wins: the provider's value and buyer identity are
// authoritative, the tag's browser signals survive.
func (r *Reconciler) merge(ctx context.Context, held *domain.Event, hook *domain.PaymentWebhook, now time.Time) error {
	if held.Enriched == nil {
		held.Enriched = &domain.EnrichedPayload{}
	}
	if held.Enriched.UserData == nil {
		held.Enriched.UserData = map[string]string{}
	}
	for k, v := range r.customerUserData(hook.Customer) {
		held.Enriched.UserData[k] = v
	}

	if held.Enriched.CustomData == nil {
		held.Enriched.CustomData = map[string]any{}
	}
	for k, v := range r.customData(hook) {
		held.Enriched.CustomData[k] = v
	}

	held.ReleaseHold(now, domain.SourcePaymentWebhook)
	return r.events.UpdateStatus(ctx, held)
}

// synthesize builds a Purchase from the webhook alone. No browser
// signals are available; the sink matches on hashed buyer identity.
func (r *Reconciler) synthesize(ctx context.Context, hook *domain.PaymentWebhook, now time.Time) (*domain.Event, error) {
	site, err := r.accounts.GetSiteByID(ctx, hook.SiteID)
	if err != nil {
		return nil, err
	}

	createdAt := hook.ApprovedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	raw, err := json.Marshal(hook)
	if err != nil {
		return nil, err
	}

	ev := &domain.Event{
		EventID:    uuid.NewString(),
		SiteID:     site.ID,
		AccountID:  site.AccountID,
		EventName:  "Purchase",
		SourceType: domain.SourcePaymentWebhook,
		Status:     domain.EventStatusQueued,
		Consent:    true,
		Enriched: &domain.EnrichedPayload{
			UserData:   r.customerUserData(hook.Customer),
			CustomData: r.customData(hook),
		},
		RawPayload: raw,
		CreatedAt:  createdAt,
		QueuedAt:   &now,
		UpdatedAt:  now,
	}
	if err := r.events.Insert(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (r *Reconciler) customerUserData(c *domain.WebhookCustomer) map[string]string {
	if c == nil {
		return map[string]string{}
	}
	raw := map[string]string{
		"em":          c.Email,
		"ph":          c.Phone,
		"fn":          c.FirstName,
		"ln":          c.LastName,
		"ct":          c.City,
		"st":          c.State,
		"zp":          c.Zip,
		"country":     c.Country,
		"external_id": c.Document,
	}
	return r.hasher.HashUserData(raw)
}

func (r *Reconciler) customData(hook *domain.PaymentWebhook) map[string]any {
	custom := map[string]any{
		"order_id": hook.OrderID,
		"value":    hook.Value,
		"currency": hook.Currency,
	}
	if hook.Currency == "" {
		custom["currency"] = "BRL"
	}
	if hook.ProductID != "" {
		custom["content_ids"] = []string{hook.ProductID}
	}
	if hook.ProductName != "" {
		custom["content_name"] = hook.ProductName
	}
	if len(hook.Items) > 0 {
		contents := make([]map[string]any, 0, len(hook.Items))
		for _, item := range hook.Items {
			contents = append(contents, map[string]any{
				"id":         item.ID,
				"quantity":   item.Quantity,
				"item_price": item.Price,
			})
		}
		custom["contents"] = contents
	}
	return custom
}

func (r *Reconciler) count(outcome Outcome) {
	r.metrics.EventsReconciled.WithLabelValues(string(outcome)).Inc()
}

func (r *Reconciler) fire() {
	if r.trigger != nil {
		r.trigger.Trigger()
	}
}
