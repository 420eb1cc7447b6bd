// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package obs is the HTTP client for the external observability backend: the
// trace and feedback store the control plane continuously reads from. All
// requests are rate-limited through a 60-second sliding window, retried with
// exponential backoff on transient failures, and gated by a circuit breaker
// so a degraded backend feeds the pipeline deterministic zero-valued stats
// instead of errors.
package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// DefaultBaseURL is the managed observability backend.
const DefaultBaseURL = "https://api.smith.langchain.com"

// apiPrefix is prepended to every endpoint path.
const apiPrefix = "/api/v1"

// maxResponseSize bounds response bodies (bulk export downloads included).
const maxResponseSize = 64 << 20

// Config configures the backend client.
type Config struct {
	// BaseURL is the backend root (default: DefaultBaseURL).
	BaseURL string

	// APIKey is sent as X-API-Key. Required.
	APIKey string

	// OrgID is sent as X-Organization-Id. Required.
	OrgID string

	// RateLimitPerMinute caps requests per 60s sliding window (default: 1000).
	RateLimitPerMinute int

	// MaxRetries is the retry budget for transient failures (default: 3).
	MaxRetries int

	// RetryBackoff is the initial backoff, doubling per attempt (default: 500ms).
	RetryBackoff time.Duration

	// RequestTimeout is the per-call timeout (default: 30s).
	RequestTimeout time.Duration

	// Fallbacks resolves 405 responses to alternate endpoints
	// (default: compiled-in table).
	Fallbacks *FallbackTable

	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client

	// Logger for client events.
	Logger *zap.Logger
}

// Metrics tracks client behavior for the status surface.
type Metrics struct {
	Requests      int64  `json:"requests"`
	Retries       int64  `json:"retries"`
	Fallbacks405  int64  `json:"fallbacks_405"`
	ZeroFallbacks int64  `json:"zero_fallbacks"`
	Throttled     int64  `json:"throttled"`
	BreakerState  string `json:"breaker_state"`
}

// Client talks to the observability backend. Safe for concurrent use; one
// shared instance serves the whole control plane.
type Client struct {
	config  Config
	http    *http.Client
	limiter *rateLimiter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger

	requests      atomic.Int64
	retries       atomic.Int64
	fallbacks405  atomic.Int64
	zeroFallbacks atomic.Int64

	closed atomic.Bool
}

// NewClient creates a backend client. APIKey and OrgID are required; all
// other fields default.
func NewClient(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("backend API key is required")
	}
	if config.OrgID == "" {
		return nil, fmt.Errorf("backend organization ID is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 1000
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Fallbacks == nil {
		config.Fallbacks = NewFallbackTable(config.Logger)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: config.RequestTimeout}
	}

	c := &Client{
		config:  config,
		http:    config.HTTPClient,
		limiter: newRateLimiter(config.RateLimitPerMinute, time.Minute),
		logger:  config.Logger,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "obs-backend",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Contract errors mean the backend is alive and answering; only
		// transport-level failures should open the circuit.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var be *ErrBackend
			return errors.As(err, &be)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			config.Logger.Warn("Backend circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return c, nil
}

// request describes one backend call. Filters ride as query parameters on
// GET and as the JSON body on POST alternates.
type request struct {
	method  string
	path    string
	query   url.Values
	body    any
	filters map[string]any

	// isAlternate marks a request already rewritten by the fallback table;
	// a second 405 is surfaced, not re-resolved, so a miswritten table
	// cannot cause a redirect loop.
	isAlternate bool
}

// do runs a request through the rate limiter, circuit breaker, and retry
// loop. Returns the raw response body.
func (c *Client) do(ctx context.Context, req request) ([]byte, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("client is closed")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doWithRetry(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return nil, err
	}
	return out.([]byte), nil
}

// doWithRetry retries transient failures (network errors, 429, 5xx) with
// exponential backoff. A 405 consults the fallback table and switches to the
// documented alternate once.
func (c *Client) doWithRetry(ctx context.Context, req request) ([]byte, error) {
	query := req.query
	if req.method == http.MethodGet && len(req.filters) > 0 {
		query = mergeFilters(query, req.filters)
	}

	var bodyBytes []byte
	if req.body != nil {
		var err error
		bodyBytes, err = json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	backoff := c.config.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.retries.Add(1)
		}

		data, status, err := c.doOnce(ctx, req.method, req.path, query, bodyBytes)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("%s %s failed (attempt %d/%d): %w",
				req.method, req.path, attempt+1, c.config.MaxRetries+1, err)
			if attempt < c.config.MaxRetries {
				if err := sleepCtx(ctx, backoff); err != nil {
					return nil, err
				}
				backoff *= 2
			}
			continue
		}

		switch {
		case status >= 200 && status < 300:
			return data, nil

		case status == http.StatusMethodNotAllowed:
			rule, ok := c.config.Fallbacks.Resolve(req.path)
			if !ok || req.isAlternate {
				return nil, &ErrBackend{Status: status, Body: truncateBody(data)}
			}
			c.fallbacks405.Add(1)
			c.logger.Warn("Endpoint answered 405, using documented alternate",
				zap.String("path", req.path),
				zap.String("alt_method", rule.AltMethod),
				zap.String("alt_path", rule.AltPath))
			return c.doWithRetry(ctx, c.alternateRequest(req, rule))

		case status == http.StatusTooManyRequests || status >= 500:
			lastErr = fmt.Errorf("%s %s returned status %d (attempt %d/%d)",
				req.method, req.path, status, attempt+1, c.config.MaxRetries+1)
			if attempt < c.config.MaxRetries {
				if err := sleepCtx(ctx, backoff); err != nil {
					return nil, err
				}
				backoff *= 2
			}
			continue

		default:
			return nil, &ErrBackend{Status: status, Body: truncateBody(data)}
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w",
		c.config.MaxRetries+1, lastErr)
}

// alternateRequest rewrites a 405'd request for its documented alternate.
// GET filters become the POST body.
func (c *Client) alternateRequest(req request, rule FallbackRule) request {
	alt := request{
		method:      rule.AltMethod,
		path:        rule.AltPath,
		body:        req.body,
		isAlternate: true,
	}
	if alt.method == http.MethodGet {
		alt.query = req.query
		alt.filters = req.filters
		return alt
	}
	if alt.body == nil && len(req.filters) > 0 {
		alt.body = req.filters
	}
	return alt
}

// doOnce performs a single HTTP exchange. Network errors are returned for
// the retry loop; HTTP status handling is the caller's.
func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, int, error) {
	u := c.config.BaseURL + apiPrefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, method, u, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("X-API-Key", c.config.APIKey)
	httpReq.Header.Set("X-Organization-Id", c.config.OrgID)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	c.requests.Add(1)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response body: %w", err)
	}

	return data, resp.StatusCode, nil
}

// Metrics returns a snapshot of client counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		Requests:      c.requests.Load(),
		Retries:       c.retries.Load(),
		Fallbacks405:  c.fallbacks405.Load(),
		ZeroFallbacks: c.zeroFallbacks.Load(),
		Throttled:     c.limiter.Throttled(),
		BreakerState:  c.breaker.State().String(),
	}
}

// Healthy reports whether the circuit to the backend is closed.
func (c *Client) Healthy() bool {
	return c.breaker.State() == gobreaker.StateClosed
}

// Close releases the client's connections. Idempotent.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.http.CloseIdleConnections()
	return c.config.Fallbacks.Close()
}

// mergeFilters folds stats filters into GET query parameters.
func mergeFilters(query url.Values, filters map[string]any) url.Values {
	merged := url.Values{}
	for k, vs := range query {
		merged[k] = vs
	}
	for k, v := range filters {
		merged.Set(k, fmt.Sprint(v))
	}
	return merged
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
