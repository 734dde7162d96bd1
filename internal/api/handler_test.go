package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mbertolucci/relay/internal/clock"
	"github.com/mbertolucci/relay/internal/domain"
	"github.com/mbertolucci/relay/internal/hashing"
	"github.com/mbertolucci/relay/internal/ingest"
	"github.com/mbertolucci/relay/internal/observability"
	"github.com/mbertolucci/relay/internal/reconcile"
)

var testMetrics = observability.NewMetrics("api_test")

type memEventRepo struct {
	events      map[string]*domain.Event
	deadLetters []*domain.DeadLetter
	requeued    []string
}

func newMemEventRepo() *memEventRepo {
	return &memEventRepo{events: map[string]*domain.Event{}}
}

func (m *memEventRepo) Insert(_ context.Context, ev *domain.Event) error {
	if _, exists := m.events[ev.EventID]; exists {
		return domain.ErrDuplicateEvent
	}
	m.events[ev.EventID] = ev
	return nil
}

func (m *memEventRepo) InsertBatch(ctx context.Context, events []*domain.Event) error {
	for _, ev := range events {
		if err := m.Insert(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *memEventRepo) GetByID(_ context.Context, id string) (*domain.Event, error) {
	ev, ok := m.events[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return ev, nil
}

func (m *memEventRepo) ClaimBatch(context.Context, int) ([]*domain.Event, error) { return nil, nil }

func (m *memEventRepo) UpdateStatus(_ context.Context, ev *domain.Event) error {
	m.events[ev.EventID] = ev
	return nil
}

func (m *memEventRepo) UpdateSinkPayload(context.Context, string, json.RawMessage) error {
	return nil
}

func (m *memEventRepo) MoveToDeadLetter(context.Context, *domain.Event, domain.FailureReason) error {
	return nil
}

func (m *memEventRepo) FindWebhookDuplicate(_ context.Context, siteID, orderID string) (*domain.Event, error) {
	for _, ev := range m.events {
		if ev.SiteID != siteID || ev.SourceType != domain.SourcePaymentWebhook || ev.Enriched == nil {
			continue
		}
		if ev.Enriched.CustomData["order_id"] == orderID {
			return ev, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memEventRepo) FindHeldEvent(_ context.Context, siteID, orderID string, since time.Time) (*domain.Event, error) {
	for _, ev := range m.events {
		if !ev.HoldForWebhook || ev.SiteID != siteID || ev.CreatedAt.Before(since) {
			continue
		}
		if ev.Enriched != nil && ev.Enriched.CustomData["order_id"] == orderID {
			return ev, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memEventRepo) ListDeadLetters(context.Context, int) ([]*domain.DeadLetter, error) {
	return m.deadLetters, nil
}

func (m *memEventRepo) RequeueDeadLetter(_ context.Context, id string, _ time.Time) error {
	for _, dl := range m.deadLetters {
		if dl.EventID == id {
			m.requeued = append(m.requeued, id)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memEventRepo) RequeueAllDeadLetters(context.Context, time.Time) (int, error) {
	return len(m.deadLetters), nil
}

func (m *memEventRepo) RequeueStuck(context.Context, time.Time) (int, error) { return 2, nil }

func (m *memEventRepo) ReleaseExpiredHolds(ctx context.Context, before time.Time) (int, error) {
	n := 0
	for _, ev := range m.events {
		if ev.HoldForWebhook && ev.Status == domain.EventStatusQueued && ev.CreatedAt.Before(before) {
			ev.HoldForWebhook = false
			n++
		}
	}
	return n, nil
}

func (m *memEventRepo) CountByStatus(context.Context) (map[domain.EventStatus]int, error) {
	counts := map[domain.EventStatus]int{}
	for _, ev := range m.events {
		counts[ev.Status]++
	}
	return counts, nil
}

type memAccountRepo struct {
	sites map[string]*domain.Site
}

func (m *memAccountRepo) GetAccount(context.Context, string) (*domain.Account, error) {
	return nil, domain.ErrNotFound
}

func (m *memAccountRepo) GetSiteByID(_ context.Context, id string) (*domain.Site, error) {
	for _, s := range m.sites {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memAccountRepo) GetSiteByToken(_ context.Context, token string) (*domain.Site, error) {
	s, ok := m.sites[token]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

type allowAllLimiter struct{ denied bool }

func (l *allowAllLimiter) Allow(context.Context, string, int) (bool, error) {
	return !l.denied, nil
}

type nopTrigger struct{}

func (nopTrigger) Trigger() {}

const testToken = "tok-site-1"

type testServer struct {
	repo    *memEventRepo
	limiter *allowAllLimiter
	mux     http.Handler
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := &clock.MockClock{NowTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	repo := newMemEventRepo()
	accounts := &memAccountRepo{sites: map[string]*domain.Site{
		testToken: {ID: "site-1", AccountID: "acct-1", Domain: "shop.example", Active: true},
	}}
	limiter := &allowAllLimiter{}

	hasher := hashing.Hasher{}
	ingestSvc := ingest.NewService(repo, accounts, &hasher, clk, testMetrics, logger)
	reconciler := reconcile.New(repo, accounts, hasher, 30*time.Minute, nopTrigger{}, clk, testMetrics, logger)

	handler := NewHandler(HandlerConfig{
		Events:        repo,
		Accounts:      accounts,
		Ingest:        ingestSvc,
		Reconciler:    reconciler,
		Limiter:       limiter,
		RateLimit:     50,
		WebhookSecret: secret,
		Clock:         clk,
		Metrics:       testMetrics,
		Logger:        logger,
	})

	health := observability.NewHealthHandler(nil)
	health.SetReady(true)

	mux := NewRouter(RouterConfig{Handler: handler, HealthHandler: health, Logger: logger})
	return &testServer{repo: repo, limiter: limiter, mux: mux}
}

func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set(ingestTokenHeader, token)
	}
	req.Header.Set("User-Agent", "relay-test")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func TestIngestRequiresToken(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(http.MethodPost, "/ingest", "", map[string]string{"event_name": "PageView"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = s.do(http.MethodPost, "/ingest", "bogus", map[string]string{"event_name": "PageView"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with unknown token = %d, want 401", rec.Code)
	}
}

func TestIngestAcceptsEvent(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(http.MethodPost, "/ingest", testToken, map[string]any{
		"event_name": "PageView",
		"source_url": "https://shop.example/p/1",
		"user_data":  map[string]string{"em": "User@Example.com"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}

	var resp IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.EventID == "" || resp.Status != "queued" {
		t.Fatalf("response = %+v", resp)
	}

	ev := s.repo.events[resp.EventID]
	if ev == nil {
		t.Fatal("event not stored")
	}
	if ev.Enriched.UserData["em"] != hashing.SHA256("user@example.com") {
		t.Error("email not hashed on ingest")
	}
	if ev.Enriched.UserData["client_user_agent"] != "relay-test" {
		t.Error("user agent not captured from request")
	}
}

func TestIngestDuplicateConflicts(t *testing.T) {
	s := newTestServer(t, "")
	body := map[string]any{"event_id": "ev-1", "event_name": "PageView"}

	if rec := s.do(http.MethodPost, "/ingest", testToken, body); rec.Code != http.StatusAccepted {
		t.Fatalf("first ingest = %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/ingest", testToken, body); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate ingest = %d, want 409", rec.Code)
	}
}

func TestIngestRateLimited(t *testing.T) {
	s := newTestServer(t, "")
	s.limiter.denied = true

	rec := s.do(http.MethodPost, "/ingest", testToken, map[string]string{"event_name": "PageView"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestIngestBatch(t *testing.T) {
	s := newTestServer(t, "")

	batch := map[string]any{"events": []map[string]any{
		{"event_name": "PageView"},
		{"event_name": "Purchase", "custom_data": map[string]any{"order_id": "ORD-7"}},
	}}
	rec := s.do(http.MethodPost, "/ingest/batch", testToken, batch)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}

	var resp BatchIngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 2 {
		t.Fatalf("accepted = %d, want 2", resp.Accepted)
	}

	// Batch callers are server integrations; their purchases have no
	// webhook counterpart and must not be held.
	for _, ev := range s.repo.events {
		if ev.HoldForWebhook {
			t.Errorf("batch-ingested %s event held for webhook", ev.EventName)
		}
		if ev.SourceType != domain.SourceServer {
			t.Errorf("batch event source = %s, want server", ev.SourceType)
		}
	}
}

func TestWebhookSynthesizesPurchase(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(http.MethodPost, "/webhook/site-1", "", NormalizedWebhookRequest{
		OrderID:  "ORD-1",
		Status:   "approved",
		Value:    99.9,
		Currency: "BRL",
		Customer: &WebhookCustomer{Email: "buyer@example.com"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}

	var resp WebhookResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Received || resp.Outcome != string(reconcile.OutcomeCreated) {
		t.Fatalf("response = %+v, want received/created", resp)
	}
	if len(s.repo.events) != 1 {
		t.Fatalf("stored %d events, want 1", len(s.repo.events))
	}
}

func TestWebhookNonApprovedIsAcked(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(http.MethodPost, "/webhook/site-1", "", NormalizedWebhookRequest{
		OrderID: "ORD-1",
		Status:  "refunded",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp WebhookResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Outcome != string(reconcile.OutcomeIgnored) {
		t.Fatalf("outcome = %s, want ignored", resp.Outcome)
	}
	if len(s.repo.events) != 0 {
		t.Fatal("refunded webhook must not create events")
	}
}

func TestCheckoutWebhookMapsProviderShape(t *testing.T) {
	s := newTestServer(t, "")

	payload := map[string]any{
		"event":             "SALE_APPROVED",
		"sale_id":           "SALE-77",
		"payment_status":    "paid",
		"total_price_cents": 12990,
		"currency":          "BRL",
		"customer": map[string]any{
			"name":         "Maria da Silva",
			"email":        "maria@example.com",
			"phone_number": "(21) 97777-1234",
		},
		"products": []map[string]any{
			{"id": "prod-1", "name": "Course", "quantity": 1, "price_cents": 12990},
		},
	}
	rec := s.do(http.MethodPost, "/webhook/site-1/checkout", "", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}

	var created *domain.Event
	for _, ev := range s.repo.events {
		created = ev
	}
	if created == nil {
		t.Fatal("no event synthesized")
	}
	if created.Enriched.CustomData["value"] != 129.9 {
		t.Errorf("value = %v, want 129.9 from cents", created.Enriched.CustomData["value"])
	}
	if created.Enriched.UserData["fn"] != hashing.SHA256("maria") {
		t.Error("first name not split and hashed")
	}
}

func TestWebhookSignature(t *testing.T) {
	s := newTestServer(t, "topsecret")

	body, _ := json.Marshal(NormalizedWebhookRequest{OrderID: "ORD-1", Status: "approved"})

	req := httptest.NewRequest(http.MethodPost, "/webhook/site-1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned webhook = %d, want 401", rec.Code)
	}

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(body)
	req = httptest.NewRequest(http.MethodPost, "/webhook/site-1", bytes.NewReader(body))
	req.Header.Set(signatureHeader, hex.EncodeToString(mac.Sum(nil)))
	rec = httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("signed webhook = %d, want 200: %s", rec.Code, rec.Body)
	}
}

func TestGetEvent(t *testing.T) {
	s := newTestServer(t, "")
	s.repo.events["ev-1"] = &domain.Event{EventID: "ev-1", EventName: "PageView", Status: domain.EventStatusSent}

	rec := s.do(http.MethodGet, "/events/ev-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"event_id":"ev-1"`) {
		t.Fatalf("body = %s", rec.Body)
	}

	if rec := s.do(http.MethodGet, "/events/missing", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing event = %d, want 404", rec.Code)
	}
}

func TestDeadLetterEndpoints(t *testing.T) {
	s := newTestServer(t, "")
	s.repo.deadLetters = []*domain.DeadLetter{
		{EventID: "ev-1", FailureReason: domain.ReasonAuthError},
		{EventID: "ev-2", FailureReason: domain.ReasonUnknown},
	}

	rec := s.do(http.MethodGet, "/admin/dead-letters", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d, want 200", rec.Code)
	}

	rec = s.do(http.MethodPost, "/admin/dead-letters/ev-1/reprocess", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reprocess = %d, want 200: %s", rec.Code, rec.Body)
	}
	if len(s.repo.requeued) != 1 || s.repo.requeued[0] != "ev-1" {
		t.Fatalf("requeued = %v", s.repo.requeued)
	}

	rec = s.do(http.MethodPost, "/admin/dead-letters/missing/reprocess", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("reprocess missing = %d, want 404", rec.Code)
	}

	rec = s.do(http.MethodPost, "/admin/dead-letters/reprocess-all", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reprocess-all = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"requeued":2`) {
		t.Fatalf("body = %s", rec.Body)
	}
}

func TestStatsAndRequeueStuck(t *testing.T) {
	s := newTestServer(t, "")
	s.repo.events["ev-1"] = &domain.Event{EventID: "ev-1", Status: domain.EventStatusSent}

	rec := s.do(http.MethodGet, "/admin/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"sent":1`) {
		t.Fatalf("body = %s", rec.Body)
	}

	rec = s.do(http.MethodPost, "/admin/requeue-stuck", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("requeue-stuck = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"requeued":2`) {
		t.Fatalf("body = %s", rec.Body)
	}
}

func TestReleaseExpiredHolds(t *testing.T) {
	s := newTestServer(t, "")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.repo.events["old"] = &domain.Event{
		EventID:        "old",
		Status:         domain.EventStatusQueued,
		HoldForWebhook: true,
		CreatedAt:      now.Add(-time.Hour),
	}
	s.repo.events["fresh"] = &domain.Event{
		EventID:        "fresh",
		Status:         domain.EventStatusQueued,
		HoldForWebhook: true,
		CreatedAt:      now.Add(-time.Minute),
	}

	rec := s.do(http.MethodPost, "/admin/release-held", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("release-held = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"released":1`) {
		t.Fatalf("body = %s", rec.Body)
	}
	if s.repo.events["old"].HoldForWebhook {
		t.Error("expired hold not released")
	}
	if !s.repo.events["fresh"].HoldForWebhook {
		t.Error("fresh hold released too early")
	}
}
