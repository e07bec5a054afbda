package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/antoncomputershare/reverse-proxy/internal/telemetry"
)

// ControlClient reads the control surface of a running proxy.
type ControlClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewControlClient creates a ControlClient for the control listener at baseURL
// (e.g. http://127.0.0.1:9000).
func NewControlClient(baseURL string, timeout time.Duration) *ControlClient {
	return &ControlClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Health calls GET /health and returns the reported status.
func (c *ControlClient) Health(ctx context.Context) (string, error) {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, "/health", &body); err != nil {
		return "", err
	}
	return body.Status, nil
}

// Metrics calls GET /metrics and decodes the counter snapshot.
func (c *ControlClient) Metrics(ctx context.Context) (*telemetry.ProxyMetrics, error) {
	var m telemetry.ProxyMetrics
	if err := c.getJSON(ctx, "/metrics", &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *ControlClient) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("build control request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("control request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control request %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
