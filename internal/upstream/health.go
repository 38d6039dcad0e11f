// Package upstream checks that the proxy in front of the protected content
// is serving before the gateway admits anyone.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rbmk-project/common/errclass"

	"captcha_gateway/internal/config"
	"captcha_gateway/internal/logging"
	"captcha_gateway/internal/metrics"
)

const StatusRunning = "running"

var ErrUpstreamDown = errors.New("upstream: unhealthy")

type HealthChecker interface {
	Check(ctx context.Context) error
}

var _ HealthChecker = (*HTTPHealthChecker)(nil)

type statusResponse struct {
	Status string `json:"status"`
}

type HTTPHealthChecker struct {
	client  *http.Client
	url     string
	timeout time.Duration
	metrics *metrics.Metrics
}

func NewHTTPHealthChecker(cfg config.HealthConfig, m *metrics.Metrics) *HTTPHealthChecker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &HTTPHealthChecker{
		client:  &http.Client{},
		url:     cfg.URL,
		timeout: timeout,
		metrics: m,
	}
}

// Check returns nil only for a 200 whose body reports status "running".
// A timeout is reported as unhealthy.
func (h *HTTPHealthChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.check(ctx)
	if err != nil {
		h.metrics.UpstreamUnhealthy()
		logging.LogEvent("WARN", "upstream_unhealthy", map[string]any{
			"url":      h.url,
			"error":    err,
			"errClass": errclass.New(err),
		})
		return fmt.Errorf("%w: %w", ErrUpstreamDown, err)
	}
	return nil
}

func (h *HTTPHealthChecker) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status code %d", resp.StatusCode)
	}

	var body statusResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	if body.Status != StatusRunning {
		return fmt.Errorf("reported status %q", body.Status)
	}
	return nil
}

// StaticHealth is a checker with a fixed answer.
type StaticHealth struct {
	Err error
}

func (s StaticHealth) Check(context.Context) error {
	return s.Err
}
