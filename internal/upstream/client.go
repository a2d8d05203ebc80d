// Package upstream implements the Gemini API client used by the gateway.
//
// The client carries no key of its own: every call takes the API key to use,
// so the rotation machinery above it decides which credential each request
// spends. Errors from non-2xx responses are surfaced as *StatusError so the
// classifier can map them back to key actions.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/gem-relay/gem-relay/internal/keyring"
)

const (
	// DefaultBaseURL is the Gemini API endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// DefaultTimeout bounds a full generateContent exchange.
	DefaultTimeout = 300 * time.Second

	// listModelsTimeout bounds the models listing call, which should be fast.
	listModelsTimeout = 5 * time.Second

	// verifyTimeout bounds a key verification probe.
	verifyTimeout = 30 * time.Second
)

// Client talks to the Gemini generateContent API.
type Client struct {
	baseURL string
	http    *http.Client
	circuit *CircuitBreaker
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the upstream base URL. Trailing slashes are trimmed.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// WithCircuitBreaker attaches a circuit breaker to generate calls.
func WithCircuitBreaker(cb *CircuitBreaker) ClientOption {
	return func(c *Client) {
		c.circuit = cb
	}
}

// NewClient creates a Gemini client with the default endpoint and timeout.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured upstream base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GenerateContent calls {base}/models/{model}:generateContent with the given
// key. Non-2xx responses become *StatusError with the upstream's error
// message extracted from the body when available.
func (c *Client) GenerateContent(ctx context.Context, model string, req *GenerateRequest, apiKey string) (*GenerateResponse, error) {
	var done func(error)
	if c.circuit != nil {
		var err error
		done, err = c.circuit.Allow()
		if err != nil {
			return nil, err
		}
	}

	body, err := c.post(ctx, c.generateURL(model, apiKey), req)
	if done != nil {
		done(circuitError(err))
	}
	if err != nil {
		return nil, err
	}
	return &GenerateResponse{Body: body}, nil
}

// GenerateRaw forwards a pre-encoded generateContent body unchanged. The
// proxy handler uses it so client payloads pass through byte for byte.
func (c *Client) GenerateRaw(ctx context.Context, model string, body []byte, apiKey string) ([]byte, error) {
	var done func(error)
	if c.circuit != nil {
		var err error
		done, err = c.circuit.Allow()
		if err != nil {
			return nil, err
		}
	}

	out, err := c.postRaw(ctx, c.generateURL(model, apiKey), body)
	if done != nil {
		done(circuitError(err))
	}
	return out, err
}

// VerifyKey sends a minimal generation request to check that a key is
// accepted by the upstream. A nil return means the key produced a 2xx.
func (c *Client) VerifyKey(ctx context.Context, model, apiKey string) error {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	_, err := c.post(ctx, c.generateURL(model, apiKey), NewVerificationRequest())
	if err != nil {
		log.Debug().
			Str("key", keyring.Redact(apiKey)).
			Str("model", model).
			Err(err).
			Msg("key verification failed")
	}
	return err
}

// ModelInfo is one entry from the upstream models listing.
type ModelInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// ListModels fetches the model catalog visible to the given key.
func (c *Client) ListModels(ctx context.Context, apiKey string) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, listModelsTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/models?key=%s&pageSize=1000", c.baseURL, url.QueryEscape(apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Message: errorMessage(body)}
	}

	var listing struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("decode models listing: %w", err)
	}
	return listing.Models, nil
}

func (c *Client) generateURL(model, apiKey string) string {
	return fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, model, url.QueryEscape(apiKey))
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return c.postRaw(ctx, endpoint, encoded)
}

func (c *Client) postRaw(ctx context.Context, endpoint string, encoded []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Message: errorMessage(body)}
	}
	return body, nil
}

// errorMessage pulls the human-readable message out of a Gemini error body,
// falling back to the raw body when the shape is unexpected.
func errorMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return msg.String()
	}
	return string(body)
}
