package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mbertolucci/relay/internal/observability"
)

type RouterConfig struct {
	Handler       *Handler
	HealthHandler *observability.HealthHandler
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if cfg.Logger != nil {
		r.Use(observability.LoggingMiddleware(cfg.Logger))
	}

	if cfg.Metrics != nil {
		r.Use(observability.MetricsMiddleware(cfg.Metrics))
	}

	r.Get("/health", cfg.HealthHandler.Health)
	r.Get("/ready", cfg.HealthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/ingest", func(r chi.Router) {
		r.Post("/", cfg.Handler.IngestEvent)
		r.Post("/batch", cfg.Handler.IngestBatch)
	})

	r.Route("/webhook/{siteID}", func(r chi.Router) {
		r.Post("/", cfg.Handler.PaymentWebhook)
		r.Post("/checkout", cfg.Handler.CheckoutWebhook)
	})

	r.Get("/events/{id}", cfg.Handler.GetEvent)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/stats", cfg.Handler.Stats)
		r.Post("/requeue-stuck", cfg.Handler.RequeueStuck)
		r.Post("/release-held", cfg.Handler.ReleaseExpiredHolds)
		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", cfg.Handler.ListDeadLetters)
			r.Post("/reprocess-all", cfg.Handler.ReprocessAllDeadLetters)
			r.Post("/{eventID}/reprocess", cfg.Handler.ReprocessDeadLetter)
		})
	})

	return r
}
