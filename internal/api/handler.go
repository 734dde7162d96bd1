package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mbertolucci/relay/internal/clock"
	"github.com/mbertolucci/relay/internal/domain"
	"github.com/mbertolucci/relay/internal/ingest"
	"github.com/mbertolucci/relay/internal/observability"
	"github.com/mbertolucci/relay/internal/reconcile"
	"github.com/mbertolucci/relay/internal/repository"
	"github.com/mbertolucci/relay/internal/resilience"
)

const (
	ingestTokenHeader = "X-Relay-Token"
	signatureHeader   = "X-Signature"

	// maxBodyBytes bounds request bodies before decoding.
	maxBodyBytes = 1 << 20

	// stuckCutoff is how long an event may sit in processing before the
	// requeue-stuck operation considers it abandoned.
	stuckCutoff = 10 * time.Minute

	// defaultHoldWindow matches the reconciliation lookback: a held
	// Purchase older than this will never be matched by a webhook.
	defaultHoldWindow = 30 * time.Minute
)

type Handler struct {
	events        repository.EventRepository
	accounts      repository.AccountRepository
	ingest        *ingest.Service
	reconciler    *reconcile.Reconciler
	limiter       resilience.IngestLimiter
	rateLimit     int
	webhookSecret string
	holdWindow    time.Duration
	clock         clock.Clock
	metrics       *observability.Metrics
	logger        *slog.Logger
}

type HandlerConfig struct {
	Events        repository.EventRepository
	Accounts      repository.AccountRepository
	Ingest        *ingest.Service
	Reconciler    *reconcile.Reconciler
	Limiter       resilience.IngestLimiter
	RateLimit     int
	WebhookSecret string
	HoldWindow    time.Duration
	Clock         clock.Clock
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = int(resilience.DefaultRateLimiterConfig().RequestsPerSecond)
	}
	if cfg.HoldWindow <= 0 {
		cfg.HoldWindow = defaultHoldWindow
	}
	return &Handler{
		events:        cfg.Events,
		accounts:      cfg.Accounts,
		ingest:        cfg.Ingest,
		reconciler:    cfg.Reconciler,
		limiter:       cfg.Limiter,
		rateLimit:     cfg.RateLimit,
		webhookSecret: cfg.WebhookSecret,
		holdWindow:    cfg.HoldWindow,
		clock:         cfg.Clock,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
	}
}

type IngestResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	site, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var req ingest.IncomingEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.rejected("bad_json")
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ev, err := h.ingest.Accept(r.Context(), site, req, h.requestMeta(r, domain.SourceClient))
	if err != nil {
		h.ingestError(w, err)
		return
	}

	h.respondJSON(w, http.StatusAccepted, IngestResponse{EventID: ev.EventID, Status: string(ev.Status)})
}

type BatchIngestRequest struct {
	Events []ingest.IncomingEvent `json:"events"`
}

type BatchIngestResponse struct {
	Accepted int              `json:"accepted"`
	Events   []IngestResponse `json:"events"`
}

func (h *Handler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	site, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var req BatchIngestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.rejected("bad_json")
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	accepted, err := h.ingest.AcceptBatch(r.Context(), site, req.Events, h.requestMeta(r, domain.SourceServer))
	if err != nil {
		h.ingestError(w, err)
		return
	}

	resp := BatchIngestResponse{Accepted: len(accepted)}
	for _, ev := range accepted {
		resp.Events = append(resp.Events, IngestResponse{EventID: ev.EventID, Status: string(ev.Status)})
	}
	h.respondJSON(w, http.StatusAccepted, resp)
}

// PaymentWebhook accepts the normalized webhook shape. The provider is
// always acknowledged with 200 once the payload parses; retrying a
// webhook we already handled would only create duplicates.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteID")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !h.verifySignature(r, body) {
		h.rejected("bad_signature")
		h.respondError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var req NormalizedWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.handleWebhook(w, r, req.ToDomain(siteID))
}

// CheckoutWebhook accepts the checkout provider's native payload shape.
func (h *Handler) CheckoutWebhook(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteID")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !h.verifySignature(r, body) {
		h.rejected("bad_signature")
		h.respondError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var req CheckoutWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.handleWebhook(w, r, req.ToDomain(siteID))
}

type WebhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request, hook *domain.PaymentWebhook) {
	if hook.OrderID == "" {
		h.respondError(w, http.StatusBadRequest, "order id is required")
		return
	}

	outcome, err := h.reconciler.HandleWebhook(r.Context(), hook)
	if err != nil {
		// Ack anyway: the provider retrying will not make the store
		// healthier, and an unacked webhook gets resent for days.
		h.logger.Error("webhook reconciliation failed",
			"error", err, "site_id", hook.SiteID, "order_id", hook.OrderID)
		h.respondJSON(w, http.StatusOK, WebhookResponse{Received: true})
		return
	}

	h.respondJSON(w, http.StatusOK, WebhookResponse{Received: true, Outcome: string(outcome)})
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "event id is required")
		return
	}

	event, err := h.events.GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get event", "error", err, "event_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to get event")
		return
	}

	h.respondJSON(w, http.StatusOK, event)
}

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := h.events.ListDeadLetters(r.Context(), 100)
	if err != nil {
		h.logger.Error("failed to list dead letters", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	h.respondJSON(w, http.StatusOK, letters)
}

func (h *Handler) ReprocessDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "eventID")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "event id is required")
		return
	}

	err := h.events.RequeueDeadLetter(r.Context(), id, h.clock.Now())
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to reprocess dead letter", "error", err, "event_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to reprocess dead letter")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"event_id": id, "status": "queued"})
}

func (h *Handler) ReprocessAllDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := h.events.RequeueAllDeadLetters(r.Context(), h.clock.Now())
	if err != nil {
		h.logger.Error("failed to reprocess dead letters", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to reprocess dead letters")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (h *Handler) RequeueStuck(w http.ResponseWriter, r *http.Request) {
	n, err := h.events.RequeueStuck(r.Context(), h.clock.Now().Add(-stuckCutoff))
	if err != nil {
		h.logger.Error("failed to requeue stuck events", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to requeue stuck events")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

// ReleaseExpiredHolds unholds Purchases whose payment webhook never
// arrived within the reconciliation window. They dispatch with the
// client-reported data alone.
func (h *Handler) ReleaseExpiredHolds(w http.ResponseWriter, r *http.Request) {
	n, err := h.events.ReleaseExpiredHolds(r.Context(), h.clock.Now().Add(-h.holdWindow))
	if err != nil {
		h.logger.Error("failed to release expired holds", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to release expired holds")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]int{"released": n})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.events.CountByStatus(r.Context())
	if err != nil {
		h.logger.Error("failed to count events", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to count events")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{"events": counts})
}

// authorize resolves the ingest token to a site, applying the
// per-token rate limit. Writes the error response itself on failure.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (*domain.Site, bool) {
	token := r.Header.Get(ingestTokenHeader)
	if token == "" {
		h.rejected("missing_token")
		h.respondError(w, http.StatusUnauthorized, "missing ingest token")
		return nil, false
	}

	allowed, err := h.limiter.Allow(r.Context(), token, h.rateLimit)
	if err != nil {
		h.logger.Warn("rate limiter unavailable", "error", err)
	} else if !allowed {
		h.rejected("rate_limited")
		w.Header().Set("Retry-After", "1")
		h.respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return nil, false
	}

	site, err := h.accounts.GetSiteByToken(r.Context(), token)
	if errors.Is(err, domain.ErrNotFound) {
		h.rejected("unknown_token")
		h.respondError(w, http.StatusUnauthorized, "invalid ingest token")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to resolve ingest token", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to authorize")
		return nil, false
	}
	if !site.Active {
		h.rejected("site_inactive")
		h.respondError(w, http.StatusForbidden, "site is inactive")
		return nil, false
	}

	return site, true
}

// verifySignature checks the HMAC-SHA256 body signature when a webhook
// secret is configured. Without a secret every signature passes.
func (h *Handler) verifySignature(r *http.Request, body []byte) bool {
	if h.webhookSecret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(r.Header.Get(signatureHeader)))
}

func (h *Handler) requestMeta(r *http.Request, source domain.SourceType) ingest.RequestMeta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return ingest.RequestMeta{
		ClientIP:  ip,
		UserAgent: r.UserAgent(),
		Source:    source,
	}
}

func (h *Handler) ingestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrDuplicateEvent):
		h.rejected("duplicate")
		h.respondError(w, http.StatusConflict, "event id already exists")
	case errors.Is(err, domain.ErrInvalidInput):
		h.rejected("invalid")
		h.respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("failed to accept event", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to accept event")
	}
}

func (h *Handler) rejected(reason string) {
	if h.metrics != nil {
		h.metrics.IngestRejections.WithLabelValues(reason).Inc()
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: message})
}
