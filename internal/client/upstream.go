// Package client provides the upstream HTTP client used to fetch the install script.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"arch-install-proxy/internal/config"
	"arch-install-proxy/internal/metrics"
	"arch-install-proxy/internal/model"
)

const userAgent = "arch-install-proxy/1.0"

// UpstreamClient fetches documents from the upstream.
// It makes exactly one attempt per call and never retries.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		// net/http replays an idempotent request when a reused connection
		// drops, so connections are never reused. HTTP/2 is left off for the
		// same reason: its client retries streams on its own.
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Fetch issues a single GET for url and returns the upstream response as received.
// Non-2xx statuses are not errors; only transport-level failures are.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Fetch(ctx context.Context, url string) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	c.logger.Debug("upstream request", "url", url)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(metrics.OutcomeTransportError).Observe(duration)
			c.metrics.UpstreamTransportErrors.Inc()
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(metrics.Outcome(resp.StatusCode)).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	}

	c.logger.Debug("upstream response",
		"status", resp.StatusCode,
		"content_length", resp.ContentLength,
	)

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		StatusText: statusText(resp),
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// statusText extracts the reason phrase from the status line ("404 Not Found" -> "Not Found").
// It falls back to the standard text when the upstream sent no phrase.
func statusText(resp *http.Response) string {
	if rest, ok := strings.CutPrefix(resp.Status, strconv.Itoa(resp.StatusCode)); ok {
		if text := strings.TrimSpace(rest); text != "" {
			return text
		}
	}
	return http.StatusText(resp.StatusCode)
}
