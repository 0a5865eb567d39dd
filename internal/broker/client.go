package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is the caller-facing face of the broker. LLM and STT adapters hold a
// Client and never care whether the budget lives in-process or behind HTTP.
// Implementations must preserve the denial reason strings exactly so the
// retry layer can tell retryable rate-limit denials from oversized requests.
type Client interface {
	Lock(ctx context.Context, appID string, estimatedTokens int) (LockResult, error)
	Commit(ctx context.Context, appID, requestID string, promptTokens, completionTokens int) error
	Release(ctx context.Context, appID, requestID string) error
	Status(ctx context.Context) (Status, error)
}

// Compile-time interface assertions.
var (
	_ Client = (*LocalClient)(nil)
	_ Client = (*HTTPClient)(nil)
)

// LocalClient adapts an embedded [Broker] to the [Client] interface.
// Used when a worker process runs its own budget.
type LocalClient struct {
	b *Broker
}

// NewLocalClient wraps b as a [Client].
func NewLocalClient(b *Broker) *LocalClient {
	return &LocalClient{b: b}
}

func (c *LocalClient) Lock(_ context.Context, appID string, estimatedTokens int) (LockResult, error) {
	return c.b.Lock(appID, estimatedTokens), nil
}

func (c *LocalClient) Commit(_ context.Context, appID, requestID string, promptTokens, completionTokens int) error {
	c.b.Commit(appID, requestID, promptTokens, completionTokens)
	return nil
}

func (c *LocalClient) Release(_ context.Context, appID, requestID string) error {
	c.b.Release(appID, requestID)
	return nil
}

func (c *LocalClient) Status(_ context.Context) (Status, error) {
	return c.b.Status(), nil
}

// HTTPClient talks to a standalone broker service over its HTTP API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// HTTPOption is a functional option for [NewHTTPClient].
type HTTPOption func(*HTTPClient)

// WithHTTPClient overrides the underlying [http.Client]. The default has a
// 10-second timeout.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// NewHTTPClient creates a broker client for the service at baseURL
// (e.g., "http://tokenbroker:8080"). baseURL must be non-empty.
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("broker: baseURL must not be empty")
	}
	c := &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *HTTPClient) Lock(ctx context.Context, appID string, estimatedTokens int) (LockResult, error) {
	var resp lockResponse
	err := c.post(ctx, "/lock", lockRequest{AppID: appID, EstimatedTokens: estimatedTokens}, &resp)
	if err != nil {
		return LockResult{}, err
	}
	return LockResult{
		Allowed:      resp.Allowed,
		RequestID:    resp.RequestID,
		Reason:       resp.Reason,
		ResetSeconds: resp.ResetSeconds,
	}, nil
}

func (c *HTTPClient) Commit(ctx context.Context, appID, requestID string, promptTokens, completionTokens int) error {
	var resp okResponse
	return c.post(ctx, "/commit", commitRequest{
		AppID:            appID,
		RequestID:        requestID,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}, &resp)
}

func (c *HTTPClient) Release(ctx context.Context, appID, requestID string) error {
	var resp okResponse
	return c.post(ctx, "/release", releaseRequest{AppID: appID, RequestID: requestID}, &resp)
}

func (c *HTTPClient) Status(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return Status{}, fmt.Errorf("broker: create status request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("broker: status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("broker: status returned HTTP %d", resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("broker: decode status response: %w", err)
	}
	return st, nil
}

// post sends body as JSON to path and decodes the response into out.
func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("broker: encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("broker: create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("broker: %s request: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broker: %s returned HTTP %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("broker: decode %s response: %w", path, err)
	}
	return nil
}
