// Package gateway is the single outbound path to the ABDM gateway: session
// token lifecycle, retry with backoff, circuit breaking, and the error
// taxonomy the orchestrators consume. Everything else in the service makes
// single-shot calls through this client.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Config carries the gateway connection settings from §6.4 configuration.
type Config struct {
	BaseURL      string
	AuthURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	MaxRetries   int
}

// Client talks to the ABDM gateway.
type Client struct {
	cfg     Config
	http    *http.Client
	logger  zerolog.Logger
	breaker *gobreaker.CircuitBreaker
	tokens  tokenCache
}

// retry policy constants (spec §4.A).
const (
	backoffBase   = 250 * time.Millisecond
	backoffFactor = 2
	backoffCap    = 8 * time.Second
)

func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "abdm-gateway",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("gateway breaker state change")
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With().Str("component", "gateway").Logger(),
		breaker: breaker,
	}
}

type correlationKey struct{}

// WithCorrelationID stamps ctx with the id propagated as X-Correlation-ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// Authenticate forces a fresh session token acquisition. Mostly used by the
// reachability probe and on startup.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.refreshToken(ctx)
	return err
}

// Ping reports gateway reachability: a valid token can be presented.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.token(ctx)
	return err
}

// Post sends body to path. When idempotencyKey is non-empty the call is
// retried on network errors and 5xx; otherwise it is single-shot. The
// response body, if out is non-nil, is decoded into out.
func (c *Client) Post(ctx context.Context, path string, body interface{}, idempotencyKey string, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, nil, raw, idempotencyKey, idempotencyKey != "", out)
}

// Get fetches path with the given query params.
func (c *Client) Get(ctx context.Context, path string, params url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, params, nil, "", true, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body []byte, idemKey string, retryable bool, out interface{}) error {
	corrID := correlationID(ctx)
	maxAttempts := 1
	if retryable {
		maxAttempts = c.cfg.MaxRetries + 1
	}

	var lastErr error
	refreshed := false
	start := time.Now()
	status := 0

	defer func() {
		evt := c.logger.Info()
		if lastErr != nil {
			evt = c.logger.Error().Err(lastErr)
		}
		evt.
			Str("method", method).
			Str("path", path).
			Int("status", status).
			Str("correlation_id", corrID).
			Dur("latency", time.Since(start)).
			Msg("gateway call")
	}()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt, lastErr); err != nil {
				return err
			}
		}

		st, err := c.attempt(ctx, method, path, params, body, idemKey, corrID, out)
		status = st
		if err == nil {
			return nil
		}
		lastErr = err

		// One forced token refresh per call on 401.
		if st == http.StatusUnauthorized && !refreshed {
			refreshed = true
			c.invalidateToken()
			attempt-- // the refresh retry does not consume a backoff attempt
			continue
		}

		if !shouldRetry(st, err) {
			return err
		}
	}

	if lastErr == nil {
		lastErr = ErrUnavailable
	}
	return lastErr
}

// attempt performs one HTTP round trip through the circuit breaker.
func (c *Client) attempt(ctx context.Context, method, path string, params url.Values, body []byte, idemKey, corrID string, out interface{}) (int, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return 0, err
	}

	u := c.cfg.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("X-Correlation-ID", corrID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("X-Idempotency-Key", idemKey)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return resp, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return 0, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return 0, err
	}
	resp := result.(*http.Response)
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return resp.StatusCode, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: %v", ErrResponse, err)
		}
		return resp.StatusCode, nil

	case resp.StatusCode == http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, ErrAuth

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, &retryAfterError{after: retryAfter}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		pe := &ProtocolError{Status: resp.StatusCode}
		var gatewayErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&gatewayErr); err == nil {
			pe.Code = gatewayErr.Code
			pe.Message = gatewayErr.Message
		}
		return resp.StatusCode, pe

	default:
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
}

// retryAfterError carries a server-directed backoff from a 429.
type retryAfterError struct {
	after time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("gateway rate limited, retry after %s", e.after)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func shouldRetry(status int, err error) bool {
	if _, ok := IsProtocolError(err); ok {
		return false
	}
	if errors.Is(err, ErrAuth) || status == http.StatusUnauthorized {
		return false
	}
	var rae *retryAfterError
	if errors.As(err, &rae) {
		return true
	}
	// Network errors (status 0) and 5xx retry.
	return status == 0 || status >= 500
}

// sleepBackoff waits for the exponential full-jitter backoff interval, or a
// 429's Retry-After when the server directed one.
func sleepBackoff(ctx context.Context, attempt int, lastErr error) error {
	var rae *retryAfterError
	wait := backoffInterval(attempt)
	if errors.As(lastErr, &rae) && rae.after > 0 {
		wait = rae.after
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func backoffInterval(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	// Full jitter.
	return time.Duration(rand.Int63n(int64(d)) + 1)
}
