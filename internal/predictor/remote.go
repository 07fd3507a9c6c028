package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/kjstillabower/station-forecast-service/internal/circuitbreaker"
	"github.com/kjstillabower/station-forecast-service/internal/locations"
	"github.com/kjstillabower/station-forecast-service/internal/observability"
)

var (
	ErrModelNotFound   = errors.New("model not found")
	ErrUnauthorized    = errors.New("model server rejected credentials")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
)

// RemoteConfig configures the model server transport.
type RemoteConfig struct {
	BaseURL        string
	APIKey         string // sent as a bearer token when set
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// RemoteClient calls a model server that hosts one model per artifact.
type RemoteClient struct {
	baseURL        string
	apiKey         string
	model          string
	timeout        time.Duration
	client         *http.Client
	breaker        *circuitbreaker.CircuitBreaker
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
}

type predictRequest struct {
	Features []float64 `json:"features"`
}

type predictResponse struct {
	Prediction []float64 `json:"prediction"`
}

// NewRemoteClient returns a client for model on the server at cfg.BaseURL.
// breaker may be nil.
func NewRemoteClient(cfg RemoteConfig, model string, breaker *circuitbreaker.CircuitBreaker) (*RemoteClient, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid model server URL: %w", err)
	}
	if model == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	return &RemoteClient{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		model:          model,
		timeout:        cfg.Timeout,
		client:         &http.Client{Timeout: cfg.Timeout},
		breaker:        breaker,
		retryAttempts:  cfg.RetryAttempts,
		retryBaseDelay: cfg.RetryBaseDelay,
		retryMaxDelay:  cfg.RetryMaxDelay,
	}, nil
}

// RemoteLoader returns a Loader that binds each location to the model named by
// its artifact file stem. All clients share breaker.
func RemoteLoader(cfg RemoteConfig, breaker *circuitbreaker.CircuitBreaker) Loader {
	return func(_ context.Context, loc locations.Location) (Predictor, error) {
		return NewRemoteClient(cfg, ModelName(loc.Artifact), breaker)
	}
}

// ModelName derives the server-side model name from an artifact handle,
// e.g. "models/windhoek_model.json" -> "windhoek_model".
func ModelName(artifact string) string {
	base := filepath.Base(artifact)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Predict implements Predictor with retry and the circuit breaker.
func (c *RemoteClient) Predict(ctx context.Context, x []float64) ([]float64, error) {
	var out []float64
	call := func(ctx context.Context) error {
		var err error
		out, err = c.predictWithRetry(ctx, x)
		return err
	}
	if c.breaker == nil {
		if err := call(ctx); err != nil {
			return nil, err
		}
		return out, nil
	}
	if err := c.breaker.Call(ctx, call); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RemoteClient) predictWithRetry(ctx context.Context, x []float64) ([]float64, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.PredictorRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.call(ctx, x)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *RemoteClient) call(ctx context.Context, x []float64) ([]float64, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(predictRequest{Features: x})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	endpoint := c.baseURL + path.Join("/predict", url.PathEscape(c.model))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		observability.PredictorCallsTotal.WithLabelValues("remote", "error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.PredictorCallsTotal.WithLabelValues("remote", "error").Inc()
		observability.PredictorDuration.WithLabelValues("remote", "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.PredictorCallsTotal.WithLabelValues("remote", status).Inc()
	observability.PredictorDuration.WithLabelValues("remote", status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	var pr predictResponse
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return pr.Prediction, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded")
}

func (c *RemoteClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrUnauthorized, resp.StatusCode)
	case http.StatusNotFound:
		return ErrModelNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("model server returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
