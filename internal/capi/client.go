package capi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbertolucci/relay/internal/domain"
)

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig defines sink client parameters.
type ClientConfig struct {
	BaseURL             string
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:             "https://graph.facebook.com/v19.0",
		Timeout:             10 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
}

// SinkError is the application-level error object some sinks report
// inside a 2xx response body.
type SinkError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// Response is the sink's response body.
type Response struct {
	EventsReceived int        `json:"events_received,omitempty"`
	Messages       []string   `json:"messages,omitempty"`
	Error          *SinkError `json:"error,omitempty"`
}

// SendResult reports one delivery attempt. Success requires a 2xx
// transport status AND no sink-reported error object; a transport error
// or timeout yields StatusCode 0.
type SendResult struct {
	Success     bool
	StatusCode  int
	RawResponse json.RawMessage
	Response    *Response
	Latency     time.Duration
}

// ErrorMessage returns the failure text used for retry classification.
func (r *SendResult) ErrorMessage() string {
	if r.Success {
		return ""
	}
	if r.Response != nil && r.Response.Error != nil {
		return fmt.Sprintf("[%d] %s", r.StatusCode, r.Response.Error.Message)
	}
	body := string(r.RawResponse)
	if len(body) > 500 {
		body = body[:500]
	}
	return fmt.Sprintf("[%d] %s", r.StatusCode, body)
}

// Client posts event batches to the sink, one call per account group.
type Client struct {
	config     ClientConfig
	httpClient HTTPClient
}

func NewClient(config ClientConfig) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultClientConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultClientConfig().Timeout
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        config.MaxIdleConns,
				MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
				IdleConnTimeout:     config.IdleConnTimeout,
			},
		},
	}
}

// WithHTTPClient swaps the underlying HTTP client. Used by tests.
func (c *Client) WithHTTPClient(hc HTTPClient) *Client {
	c.httpClient = hc
	return c
}

// Send delivers one formatted batch for an account. A transport error or
// timeout is a delivery failure with status code 0, not a Go error; the
// error return is reserved for request construction problems.
func (c *Client) Send(ctx context.Context, events []SinkEvent, account *domain.Account) (*SendResult, error) {
	payload := BatchPayload{
		Data:        events,
		AccessToken: account.AccessToken,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	url := fmt.Sprintf("%s/%s/events", c.config.BaseURL, account.PixelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)

	if err != nil {
		raw, _ := json.Marshal(map[string]any{"error": map[string]any{"message": err.Error()}})
		return &SendResult{
			Success:     false,
			StatusCode:  0,
			RawResponse: raw,
			Response:    &Response{Error: &SinkError{Message: err.Error()}},
			Latency:     latency,
		}, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var parsed Response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Non-JSON body: keep the raw bytes for observability.
		parsed = Response{}
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300 && parsed.Error == nil

	return &SendResult{
		Success:     ok,
		StatusCode:  resp.StatusCode,
		RawResponse: raw,
		Response:    &parsed,
		Latency:     latency,
	}, nil
}
