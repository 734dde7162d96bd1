package capi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mbertolucci/relay/internal/domain"
)

func testAccount() *domain.Account {
	return &domain.Account{
		ID:          "acc-1",
		PixelID:     "123456789",
		AccessToken: "token-xyz",
		Active:      true,
	}
}

func TestClient_Send_Success(t *testing.T) {
	var gotBody BatchPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/123456789/events") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"events_received":2}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, Timeout: 2 * time.Second})

	events := []SinkEvent{{EventName: "PageView", EventID: "a"}, {EventName: "Purchase", EventID: "b"}}
	result, err := client.Send(context.Background(), events, testAccount())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Success {
		t.Error("expected success")
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", result.StatusCode)
	}
	if result.Response.EventsReceived != 2 {
		t.Errorf("expected events_received 2, got %d", result.Response.EventsReceived)
	}
	if gotBody.AccessToken != "token-xyz" {
		t.Error("expected access token in request body")
	}
	if len(gotBody.Data) != 2 {
		t.Errorf("expected 2 events in batch, got %d", len(gotBody.Data))
	}
}

func TestClient_Send_SinkErrorWith2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid parameter","type":"OAuthException","code":100}}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, Timeout: 2 * time.Second})

	result, err := client.Send(context.Background(), []SinkEvent{{EventID: "a"}}, testAccount())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Success {
		t.Error("expected 2xx with sink error body to count as failure")
	}
	if result.Response.Error == nil || result.Response.Error.Code != 100 {
		t.Errorf("expected parsed sink error, got %+v", result.Response.Error)
	}
	if !strings.Contains(result.ErrorMessage(), "Invalid parameter") {
		t.Errorf("unexpected error message: %s", result.ErrorMessage())
	}
}

func TestClient_Send_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid OAuth access token","code":190}}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, Timeout: 2 * time.Second})

	result, err := client.Send(context.Background(), []SinkEvent{{EventID: "a"}}, testAccount())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Success {
		t.Error("expected failure on 401")
	}
	if result.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", result.StatusCode)
	}
}

func TestClient_Send_TimeoutIsFailureWithStatusZero(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, Timeout: 20 * time.Millisecond})

	result, err := client.Send(context.Background(), []SinkEvent{{EventID: "a"}}, testAccount())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Success {
		t.Error("expected timeout to count as failure")
	}
	if result.StatusCode != 0 {
		t.Errorf("expected status 0 for transport failure, got %d", result.StatusCode)
	}
	if result.Response.Error == nil {
		t.Error("expected synthesized error message")
	}
}
