package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	statsPath  = "/stats"
	streamPath = "/stats/stream"
	healthPath = "/health"

	// maxSnapshotSize bounds a /stats response body.
	maxSnapshotSize = 16 << 20
)

// StatsClient talks to the remote collector through a tunnel base URL.
type StatsClient struct {
	baseURL   string
	transport *http.Transport
	http      *http.Client
}

// NewStatsClient returns a client for the collector behind baseURL. Requests
// carry no client-wide timeout: stream reads must be able to block forever,
// snapshot calls are bounded by their context.
func NewStatsClient(baseURL string) *StatsClient {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}
	return &StatsClient{
		baseURL:   baseURL,
		transport: transport,
		http:      &http.Client{Transport: transport},
	}
}

// Snapshot fetches the full state from /stats. The body must be a JSON object.
func (c *StatsClient) Snapshot(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+statsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch snapshot: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotSize))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("decode snapshot: not a JSON object")
	}
	return json.RawMessage(body), nil
}

// Stream opens /stats/stream. The caller must close the returned body;
// cancelling ctx also ends it.
func (c *StatsClient) Stream(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+streamPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("open stream: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// Health probes /health.
func (c *StatsClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Close drops idle connections held by the client.
func (c *StatsClient) Close() {
	c.transport.CloseIdleConnections()
}
