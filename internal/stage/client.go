package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sablefin/confirmd/internal/config"
	"github.com/sablefin/confirmd/model"
)

// maxResponseBytes caps backend response bodies.
const maxResponseBytes = 10 << 20

// ClientRecorder receives backend call metrics. Implemented by the
// observability package.
type ClientRecorder interface {
	RecordBackendRequest(service string, status int, duration time.Duration)
	RecordBackendRetry(service string)
	SetBackendBreakerState(service string, state float64)
}

// ServiceClient executes JSON requests against one backend stage service
// with circuit breaker protection and retry with exponential backoff.
type ServiceClient struct {
	name      string
	baseURL   string
	authToken string
	retry     config.RetryConfig
	client    *http.Client
	breaker   *Breaker
	logger    *zap.Logger
	recorder  ClientRecorder
}

// NewServiceClient creates a client for a configured backend service. The
// bearer token, if any, comes from the environment variable named in the
// config.
func NewServiceClient(name string, cfg config.ServiceConfig, logger *zap.Logger) *ServiceClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cb := cfg.CircuitBreaker
	return &ServiceClient{
		name:      name,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		authToken: os.Getenv(cfg.AuthTokenEnv),
		retry:     cfg.Retry,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker: NewBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout),
		logger:  logger,
	}
}

// SetRecorder attaches a metrics recorder. Must be called before the first
// request.
func (c *ServiceClient) SetRecorder(r ClientRecorder) {
	c.recorder = r
}

// PostJSON sends a JSON payload to a path on the service and returns the
// status code and response body. Retryable failures (connection errors,
// 5xx statuses that signal transient trouble) are retried with backoff up
// to the configured attempt limit.
func (c *ServiceClient) PostJSON(ctx context.Context, path string, payload any, correlationID string) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request for %s: %w", c.name, err)
	}

	maxAttempts := c.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	var lastStatus int
	var lastBody []byte

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if c.recorder != nil {
				c.recorder.RecordBackendRetry(c.name)
			}
			delay := calculateBackoff(c.retry, attempt)
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		status, respBody, err := c.postOnce(ctx, path, body, correlationID)
		if err != nil {
			lastErr = err
			if !isRetryableError(err) {
				return 0, nil, err
			}
			c.logger.Debug("retrying backend call after error",
				zap.String("service", c.name),
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Error(err),
			)
			continue
		}

		if isRetryableStatus(status) && attempt < maxAttempts-1 {
			lastStatus, lastBody = status, respBody
			lastErr = nil
			c.logger.Debug("retrying backend call after status",
				zap.String("service", c.name),
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Int("status", status),
			)
			continue
		}

		return status, respBody, nil
	}

	if lastErr != nil {
		return 0, nil, lastErr
	}
	return lastStatus, lastBody, nil
}

// postOnce performs a single request with circuit breaker protection.
func (c *ServiceClient) postOnce(ctx context.Context, path string, body []byte, correlationID string) (int, []byte, error) {
	start := time.Now()
	defer c.publishBreakerState()

	if err := c.breaker.Allow(); err != nil {
		return 0, nil, model.NewBackendUnavailableError()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request for %s: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if correlationID != "" {
		req.Header.Set("X-Correlation-Id", sanitizeHeader(correlationID))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		if isConnectionError(err) {
			return 0, nil, model.NewBackendUnavailableError()
		}
		if ctx.Err() != nil || os.IsTimeout(err) {
			return 0, nil, model.NewBackendTimeoutError()
		}
		return 0, nil, fmt.Errorf("%s request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.breaker.RecordFailure()
		return 0, nil, fmt.Errorf("read %s response: %w", c.name, err)
	}

	// 4xx responses are caller faults, not backend faults; only 5xx feeds
	// the breaker.
	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}

	if c.recorder != nil {
		c.recorder.RecordBackendRequest(c.name, resp.StatusCode, time.Since(start))
	}

	return resp.StatusCode, respBody, nil
}

// publishBreakerState pushes the breaker state to the metrics recorder.
// Gauge values: 0=closed, 1=half-open, 2=open.
func (c *ServiceClient) publishBreakerState() {
	if c.recorder == nil {
		return
	}
	var v float64
	switch c.breaker.State() {
	case BreakerHalfOpen:
		v = 1
	case BreakerOpen:
		v = 2
	}
	c.recorder.SetBackendBreakerState(c.name, v)
}

// BreakerState exposes the breaker state for health reporting.
func (c *ServiceClient) BreakerState() BreakerState {
	return c.breaker.State()
}

// calculateBackoff returns the delay before the given retry attempt.
func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	initial := cfg.BackoffInitial
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	multiplier := cfg.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 2
	}
	maxDelay := cfg.BackoffMax
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}

	delay := time.Duration(float64(initial) * math.Pow(multiplier, float64(attempt-1)))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// isRetryableStatus reports whether a status code signals transient trouble.
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	}
	return false
}

// isRetryableError reports whether a transport-level error is worth retrying.
func isRetryableError(err error) bool {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code == model.ErrBackendUnavailable || env.Code == model.ErrBackendTimeout
	}
	return isConnectionError(err)
}

// isConnectionError reports whether an error is a network-level failure.
func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// sanitizeHeader strips newlines to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}
