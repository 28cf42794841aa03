package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/trr/admin-api/internal/config"
)

// RequestIDHeader correlates a browser request with backend logs.
const RequestIDHeader = "x-trr-request-id"

const apiPrefix = "/api/v1"

// BackendClient talks to the TRR backend job service.
type BackendClient struct {
	httpClient     *http.Client
	baseURL        string
	serviceRoleKey string
}

// NewBackendClient creates a backend client. The HTTP client carries no
// overall timeout since stream responses stay open for minutes; callers bound
// each call through its context.
func NewBackendClient(cfg *config.BackendConfig) *BackendClient {
	return &BackendClient{
		httpClient:     &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		serviceRoleKey: cfg.ServiceRoleKey,
	}
}

// IsConfigured reports whether a backend base URL is set.
func (c *BackendClient) IsConfigured() bool {
	return c.baseURL != ""
}

// HasCredential reports whether the service role key is set.
func (c *BackendClient) HasCredential() bool {
	return c.serviceRoleKey != ""
}

// APIURL resolves a backend API path such as /admin/shows/1/refresh-photos/stream.
func (c *BackendClient) APIURL(path string) string {
	if strings.HasSuffix(c.baseURL, apiPrefix) {
		return c.baseURL + path
	}
	return c.baseURL + apiPrefix + path
}

// Host returns the backend host for diagnostics, or "unknown".
func (c *BackendClient) Host() string {
	u, err := url.Parse(c.baseURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}

// HealthURL is the backend origin's /health endpoint.
func (c *BackendClient) HealthURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("could not determine backend health endpoint URL")
	}
	return fmt.Sprintf("%s://%s/health", u.Scheme, u.Host), nil
}

// HealthCheck calls the backend health endpoint. Any non-2xx status is an error.
func (c *BackendClient) HealthCheck(ctx context.Context, requestID string) error {
	healthURL, err := c.HealthURL()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")
	if requestID != "" {
		req.Header.Set(RequestIDHeader, requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// OpenStream POSTs body to an SSE endpoint and returns the raw response.
// The caller owns the response body.
func (c *BackendClient) OpenStream(ctx context.Context, path string, body []byte, requestID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIURL(path), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.serviceRoleKey)
	if requestID != "" {
		req.Header.Set(RequestIDHeader, requestID)
	}

	return c.httpClient.Do(req)
}

// StatusError is returned for unexpected backend HTTP statuses.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Backend health probe returned HTTP %d.", e.StatusCode)
}
