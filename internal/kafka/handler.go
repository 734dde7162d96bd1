package kafka

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mbertolucci/relay/internal/domain"
	"github.com/mbertolucci/relay/internal/ingest"
	"github.com/mbertolucci/relay/internal/observability"
	"github.com/mbertolucci/relay/internal/repository"
)

// EventWriter lands prepared events in the store. Satisfied by the
// postgres EventBatcher, which coalesces inserts across batches.
type EventWriter interface {
	Add(ctx context.Context, event *domain.Event) error
}

// IngestHandler turns topic messages into stored events. Unknown or
// inactive sites drop the message: there is nothing to retry, the
// producer sent a token we cannot serve.
type IngestHandler struct {
	ingest   *ingest.Service
	accounts repository.AccountRepository
	writer   EventWriter
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func NewIngestHandler(svc *ingest.Service, accounts repository.AccountRepository, writer EventWriter, metrics *observability.Metrics, logger *slog.Logger) *IngestHandler {
	return &IngestHandler{
		ingest:   svc,
		accounts: accounts,
		writer:   writer,
		metrics:  metrics,
		logger:   logger,
	}
}

func (h *IngestHandler) ProcessBatch(ctx context.Context, msgs []*IngestMessage) {
	// Tokens repeat heavily within a batch: one producer, one site.
	sites := make(map[string]*domain.Site)

	for _, msg := range msgs {
		site, err := h.resolveSite(ctx, sites, msg.SiteToken)
		if err != nil {
			h.metrics.IngestRejections.WithLabelValues("unknown_token").Inc()
			h.logger.Warn("dropping message for unresolvable site", "error", err)
			continue
		}
		if site == nil {
			continue
		}

		ev, err := h.ingest.Prepare(site, msg.Event, ingest.RequestMeta{
			ClientIP:  msg.ClientIP,
			UserAgent: msg.UserAgent,
			Source:    domain.SourceServer,
		})
		if err != nil {
			h.metrics.IngestRejections.WithLabelValues("invalid").Inc()
			h.logger.Warn("dropping invalid message", "error", err)
			continue
		}

		if err := h.writer.Add(ctx, ev); err != nil {
			h.logger.Error("failed to store event", "error", err, "event_id", ev.EventID)
			continue
		}
		h.metrics.EventsIngested.WithLabelValues(string(domain.SourceServer)).Inc()
		if ev.Status == domain.EventStatusSkipped {
			h.metrics.EventsSkipped.Inc()
		}
	}
}

// resolveSite caches lookups for the batch. A nil site with nil error
// means the site is known but inactive.
func (h *IngestHandler) resolveSite(ctx context.Context, cache map[string]*domain.Site, token string) (*domain.Site, error) {
	if token == "" {
		return nil, errors.New("missing site token")
	}
	if site, ok := cache[token]; ok {
		return site, nil
	}

	site, err := h.accounts.GetSiteByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !site.Active {
		cache[token] = nil
		return nil, nil
	}
	cache[token] = site
	return site, nil
}
