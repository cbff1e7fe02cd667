package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

const (
	defaultEndpoint  = "https://api.anthropic.com/v1/messages"
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
)

// HTTPClient talks to an Anthropic-style messages endpoint.
type HTTPClient struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithEndpoint overrides the API endpoint.
func WithEndpoint(url string) HTTPOption {
	return func(c *HTTPClient) { c.endpoint = url }
}

// WithModel overrides the default model.
func WithModel(model string) HTTPOption {
	return func(c *HTTPClient) { c.model = model }
}

// WithAPIKey sets the API key explicitly instead of reading the environment.
func WithAPIKey(key string) HTTPOption {
	return func(c *HTTPClient) { c.apiKey = key }
}

// NewHTTPClient builds a client. The API key falls back to the
// ANTHROPIC_API_KEY environment variable.
func NewHTTPClient(opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		endpoint: defaultEndpoint,
		model:    defaultModel,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" {
		c.apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return c
}

// HasCredentials reports whether a key is configured.
func (c *HTTPClient) HasCredentials() bool { return c.apiKey != "" }

// Complete implements Client.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("llm: no API key configured")
	}
	if req.Model == "" {
		req.Model = c.model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = defaultMaxTokens
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm: HTTP %d", resp.StatusCode)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("llm: parse response: %w", err)
	}
	return &out, nil
}
