// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

/*
transport.go - Rate-Limited MSP Transport

The transport is the single path for outbound MSP API traffic. Every
request:

 1. Blocks (without busy-waiting) until the rolling rate budget has
    capacity, bounded by the caller's context deadline.
 2. Carries the session token and a fixed per-request timeout.
 3. On HTTP 401, triggers one serialized token refresh and retries the
    original request exactly once; a second 401 is fatal.
 4. On transient failures (429, 5xx, connection errors, per-request
    timeouts) retries with exponential backoff min(base*2^attempt, cap),
    honoring Retry-After, up to a fixed retry ceiling.

All requests and responses are reported to an injected diagnostic Sink.
*/

//nolint:staticcheck // File documentation, not package doc
package msp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/firegate/firegate/internal/logging"
	"github.com/firegate/firegate/internal/metrics"
)

// maxErrorBodySize limits how much of a response body is read for error
// reporting, preventing unbounded allocation on large error pages.
const maxErrorBodySize = 64 * 1024

// Sink observes every outbound request and its outcome. The default
// sink logs at debug level and feeds the Prometheus counters; tests
// inject their own to assert on transport behavior.
type Sink interface {
	RequestSent(ctx context.Context, operation, method, reqURL string, attempt int)
	ResponseReceived(ctx context.Context, operation string, status int, err error, elapsed time.Duration)
}

// TransportOptions configures the rate-limited transport.
type TransportOptions struct {
	// RequestTimeout is the fixed per-request timeout. Default 30s.
	RequestTimeout time.Duration

	// RatePerMinute is the request ceiling over a rolling minute.
	// Default 10.
	RatePerMinute int

	// BackoffBase is the first retry delay. Default 1s.
	BackoffBase time.Duration

	// BackoffCap caps the exponential retry delay. Default 8s.
	BackoffCap time.Duration

	// MaxRetries is how many retries follow a failed attempt before the
	// last error is surfaced. Default 3.
	MaxRetries int

	// Sink receives request/response diagnostics. Defaults to the
	// logging+metrics sink.
	Sink Sink
}

// Transport executes authenticated, rate-limited HTTP requests against
// the MSP API. Safe for concurrent use.
type Transport struct {
	client      *http.Client
	limiter     *rate.Limiter
	session     *Session
	backoffBase time.Duration
	backoffCap  time.Duration
	maxRetries  int
	sink        Sink
}

// NewTransport creates a transport bound to the given auth session.
func NewTransport(session *Session, opts TransportOptions) *Transport {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = 10
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 8 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Sink == nil {
		opts.Sink = defaultSink{}
	}

	// The budget replenishes continuously, one token every
	// window/ceiling. Burst is pinned to 1: a larger burst would let an
	// idle transport spend the whole bucket at once and exceed the
	// ceiling inside a rolling minute.
	perRequest := time.Minute / time.Duration(opts.RatePerMinute)

	return &Transport{
		client:      &http.Client{Timeout: opts.RequestTimeout},
		limiter:     rate.NewLimiter(rate.Every(perRequest), 1),
		session:     session,
		backoffBase: opts.BackoffBase,
		backoffCap:  opts.BackoffCap,
		maxRetries:  opts.MaxRetries,
		sink:        opts.Sink,
	}
}

// Execute performs an authenticated request and returns the response on
// HTTP success (2xx). The caller owns the response body. Failures are
// classified into the package error taxonomy; transient ones have
// already been retried with backoff by the time an error is returned.
func (t *Transport) Execute(ctx context.Context, operation, method, reqURL string) (*http.Response, error) {
	var lastErr error
	refreshed := false

	for attempt := 0; ; attempt++ {
		if err := t.waitBudget(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", operation, err)
		}

		token, gen := t.session.Token()
		t.sink.RequestSent(ctx, operation, method, reqURL, attempt)

		start := time.Now()
		resp, err := t.send(ctx, method, reqURL, token)
		elapsed := time.Since(start)

		switch {
		case err != nil:
			t.sink.ResponseReceived(ctx, operation, 0, err, elapsed)
			// The caller's context takes precedence over classification.
			if ctx.Err() != nil {
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, fmt.Errorf("%s: %w: %v", operation, ErrTimeout, ctx.Err())
				}
				return nil, fmt.Errorf("%s: %w", operation, ctx.Err())
			}
			if isTimeout(err) {
				lastErr = fmt.Errorf("%s: %w: %v", operation, ErrTimeout, err)
			} else {
				lastErr = fmt.Errorf("%s: %w: %v", operation, ErrUnreachable, err)
			}

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			drainAndClose(resp.Body)
			t.sink.ResponseReceived(ctx, operation, resp.StatusCode, ErrAuthExpired, elapsed)
			if refreshed {
				return nil, fmt.Errorf("%s: %w after token refresh", operation, ErrAuthExpired)
			}
			refreshed = true
			if err := t.session.Refresh(ctx, gen); err != nil {
				metrics.MSPTokenRefreshes.WithLabelValues("failure").Inc()
				return nil, fmt.Errorf("%s: %w", operation, err)
			}
			metrics.MSPTokenRefreshes.WithLabelValues("success").Inc()
			// Retry the original request once with the new token. The
			// refresh retry does not consume a backoff attempt.
			attempt--
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			drainAndClose(resp.Body)
			t.sink.ResponseReceived(ctx, operation, resp.StatusCode, ErrRateLimited, elapsed)
			lastErr = fmt.Errorf("%s: %w (HTTP 429)", operation, ErrRateLimited)
			if attempt < t.maxRetries {
				if err := t.backoffWait(ctx, operation, attempt, retryAfter); err != nil {
					return nil, err
				}
				continue
			}

		default:
			statusErr := classifyStatus(resp.StatusCode)
			if statusErr == nil {
				t.sink.ResponseReceived(ctx, operation, resp.StatusCode, nil, elapsed)
				return resp, nil
			}

			body := readBodyForError(resp.Body)
			drainAndClose(resp.Body)
			t.sink.ResponseReceived(ctx, operation, resp.StatusCode, statusErr, elapsed)

			wrapped := fmt.Errorf("%s: %w (HTTP %d): %s", operation, statusErr, resp.StatusCode, body)
			if !Transient(statusErr) {
				return nil, wrapped
			}
			lastErr = wrapped
		}

		if attempt >= t.maxRetries {
			return nil, fmt.Errorf("giving up after %d retries: %w", t.maxRetries, lastErr)
		}
		if err := t.backoffWait(ctx, operation, attempt, 0); err != nil {
			return nil, err
		}
	}
}

// waitBudget blocks until the rate budget has capacity or the context
// expires.
func (t *Transport) waitBudget(ctx context.Context) error {
	start := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: waiting for rate budget: %v", ErrTimeout, err)
		}
		return err
	}
	metrics.MSPRateLimitWait.Observe(time.Since(start).Seconds())
	return nil
}

// send issues a single HTTP request with the session token attached.
func (t *Transport) send(ctx context.Context, method, reqURL, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return t.client.Do(req)
}

// backoffWait sleeps for min(base*2^attempt, cap), or the server's
// Retry-After if longer, cancellable via context.
func (t *Transport) backoffWait(ctx context.Context, operation string, attempt int, retryAfter time.Duration) error {
	delay := t.backoffBase << uint(attempt)
	if delay > t.backoffCap {
		delay = t.backoffCap
	}
	if retryAfter > delay {
		delay = retryAfter
	}

	metrics.MSPRetries.WithLabelValues(operation).Inc()
	logging.Ctx(ctx).Warn().
		Str("operation", operation).
		Int("attempt", attempt+1).
		Int("max_retries", t.maxRetries).
		Dur("delay", delay).
		Msg("MSP request failed, backing off")

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parseRetryAfter parses a Retry-After header in seconds form.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

// isTimeout reports whether a client error represents a timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// readBodyForError reads at most maxErrorBodySize bytes for diagnostics.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) == maxErrorBodySize {
		body = append(body, []byte("... (truncated)")...)
	}
	return body
}

// drainAndClose discards a response body so the connection can be reused.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBodySize))
	_ = body.Close()
}

// defaultSink routes diagnostics to the structured logger and metrics.
type defaultSink struct{}

func (defaultSink) RequestSent(ctx context.Context, operation, method, reqURL string, attempt int) {
	logging.Ctx(ctx).Debug().
		Str("operation", operation).
		Str("method", method).
		Str("url", reqURL).
		Int("attempt", attempt).
		Msg("MSP request")
}

func (defaultSink) ResponseReceived(ctx context.Context, operation string, status int, err error, elapsed time.Duration) {
	metrics.MSPRequestDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
	metrics.MSPRequests.WithLabelValues(operation, outcomeLabel(err)).Inc()

	event := logging.Ctx(ctx).Debug()
	if err != nil {
		event = logging.Ctx(ctx).Warn().Err(err)
	}
	event.Str("operation", operation).Int("status", status).Dur("elapsed", elapsed).Msg("MSP response")
}

// outcomeLabel maps an error to its metrics outcome label.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	default:
		return "unreachable"
	}
}
