// Package ingest accepts raw tag events, enriches them and persists
// them into the dispatch queue. The same service backs the HTTP ingest
// endpoints and the Kafka consumer.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/mbertolucci/relay/internal/clock"
	"github.com/mbertolucci/relay/internal/domain"
	"github.com/mbertolucci/relay/internal/hashing"
	"github.com/mbertolucci/relay/internal/observability"
	"github.com/mbertolucci/relay/internal/repository"
)

// IncomingEvent is the payload accepted from tags and upstream
// producers. UserData values arrive either raw or pre-hashed; raw
// values are hashed before the event is stored.
type IncomingEvent struct {
	EventID       string            `json:"event_id"`
	EventName     string            `json:"event_name"`
	SourceURL     string            `json:"source_url"`
	UserData      map[string]string `json:"user_data"`
	CustomData    map[string]any    `json:"custom_data"`
	Consent       *bool             `json:"consent"`
	ConsentGroups []string          `json:"consent_groups"`
}

// RequestMeta carries transport-level context the tag cannot fake.
type RequestMeta struct {
	ClientIP  string
	UserAgent string
	Source    domain.SourceType
}

// Trigger requests an immediate dispatch cycle once an event lands in
// the queue, so a quiet relay does not sit on fresh events until the
// next tick.
type Trigger interface {
	Trigger()
}

type Service struct {
	events   repository.EventRepository
	accounts repository.AccountRepository
	hasher   *hashing.Hasher
	trigger  Trigger
	clock    clock.Clock
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func NewService(events repository.EventRepository, accounts repository.AccountRepository, hasher *hashing.Hasher, clk clock.Clock, metrics *observability.Metrics, logger *slog.Logger) *Service {
	return &Service{
		events:   events,
		accounts: accounts,
		hasher:   hasher,
		clock:    clk,
		metrics:  metrics,
		logger:   logger,
	}
}

// SetTrigger wires the dispatch scheduler. Nil is fine; events then
// wait for the scheduled cycle.
func (s *Service) SetTrigger(t Trigger) {
	s.trigger = t
}

// Accept validates and enriches a single incoming event for the given
// site and persists it. Duplicate event IDs surface as
// domain.ErrDuplicateEvent.
func (s *Service) Accept(ctx context.Context, site *domain.Site, in IncomingEvent, meta RequestMeta) (*domain.Event, error) {
	ev, err := s.build(site, in, meta)
	if err != nil {
		return nil, err
	}
	if err := s.events.Insert(ctx, ev); err != nil {
		return nil, err
	}
	s.metrics.EventsIngested.WithLabelValues(string(meta.Source)).Inc()
	if ev.Status == domain.EventStatusSkipped {
		s.metrics.EventsSkipped.Inc()
	}
	if ev.Status == domain.EventStatusQueued && !ev.HoldForWebhook && s.trigger != nil {
		s.trigger.Trigger()
	}
	s.logger.Debug("event accepted",
		slog.String("event_id", ev.EventID),
		slog.String("event_name", ev.EventName),
		slog.String("status", string(ev.Status)),
		slog.Bool("held", ev.HoldForWebhook))
	return ev, nil
}

// AcceptBatch persists up to MaxBatchSize events. It stops at the
// first failure; the caller reports how many made it in.
func (s *Service) AcceptBatch(ctx context.Context, site *domain.Site, in []IncomingEvent, meta RequestMeta) ([]*domain.Event, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: empty batch", domain.ErrInvalidInput)
	}
	if len(in) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch exceeds %d events", domain.ErrInvalidInput, MaxBatchSize)
	}
	out := make([]*domain.Event, 0, len(in))
	for _, item := range in {
		ev, err := s.Accept(ctx, site, item, meta)
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// MaxBatchSize caps a single batch ingest request.
const MaxBatchSize = 50

// Prepare validates and enriches an event without persisting it. The
// Kafka consumer uses this and hands the event to a batching writer.
func (s *Service) Prepare(site *domain.Site, in IncomingEvent, meta RequestMeta) (*domain.Event, error) {
	return s.build(site, in, meta)
}

func (s *Service) build(site *domain.Site, in IncomingEvent, meta RequestMeta) (*domain.Event, error) {
	name := strings.TrimSpace(in.EventName)
	if name == "" {
		return nil, fmt.Errorf("%w: event_name is required", domain.ErrInvalidInput)
	}
	id := strings.TrimSpace(in.EventID)
	if id == "" {
		id = uuid.NewString()
	}

	now := s.clock.Now()
	ev := &domain.Event{
		EventID:       id,
		SiteID:        site.ID,
		AccountID:     site.AccountID,
		EventName:     name,
		SourceType:    meta.Source,
		Status:        domain.EventStatusQueued,
		Consent:       in.Consent == nil || *in.Consent,
		ConsentGroups: in.ConsentGroups,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal raw payload: %w", err)
	}
	ev.RawPayload = raw

	if !ev.Consent {
		ev.Status = domain.EventStatusSkipped
		return ev, nil
	}

	ev.Enriched = s.enrich(in, meta)

	// Purchases reported by the tag wait for the payment webhook so
	// the sides can be merged into a single sink event. Server-sourced
	// purchases have no webhook side and dispatch immediately.
	if name == "Purchase" && meta.Source == domain.SourceClient && orderID(in.CustomData) != "" {
		ev.HoldForWebhook = true
	}
	return ev, nil
}

func (s *Service) enrich(in IncomingEvent, meta RequestMeta) *domain.EnrichedPayload {
	userData := s.hasher.HashUserData(in.UserData)
	if userData == nil {
		userData = map[string]string{}
	}
	// IP and user agent come from the request, not the tag payload.
	if meta.ClientIP != "" {
		userData["client_ip_address"] = meta.ClientIP
	}
	if meta.UserAgent != "" {
		userData["client_user_agent"] = meta.UserAgent
	}
	custom := in.CustomData
	if custom == nil {
		custom = map[string]any{}
	}
	return &domain.EnrichedPayload{
		UserData:   userData,
		CustomData: custom,
		SourceURL:  in.SourceURL,
	}
}

func orderID(custom map[string]any) string {
	if custom == nil {
		return ""
	}
	v, ok := custom["order_id"]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return ""
	}
}
