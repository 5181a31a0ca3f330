// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

package msp

import (
	"context"
	"errors"
	"net/http"
)

// Error taxonomy for MSP API operations. Callers classify failures with
// errors.Is; the transport wraps these sentinels with request context.
var (
	// ErrTimeout: the request or the wait for rate-budget capacity
	// exceeded the caller's deadline.
	ErrTimeout = errors.New("msp: request timed out")

	// ErrRateLimited: the MSP answered HTTP 429. Retried with backoff.
	ErrRateLimited = errors.New("msp: rate limited")

	// ErrAuthExpired: HTTP 401 that survived one token refresh. Fatal
	// for the poll cycle; the engine halts until reconfigured.
	ErrAuthExpired = errors.New("msp: authentication expired")

	// ErrUnreachable: connection failure or 5xx. Retried with backoff.
	ErrUnreachable = errors.New("msp: service unreachable")

	// ErrNotFound: the rule no longer exists remotely. Not retried; the
	// next diff surfaces it as a removal.
	ErrNotFound = errors.New("msp: rule not found")

	// ErrMalformedResponse: the response body violated the expected
	// schema. A malformed individual rule is skipped, not fatal.
	ErrMalformedResponse = errors.New("msp: malformed response")
)

// Transient reports whether an error is worth retrying with backoff.
func Transient(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrTimeout) && !errors.Is(err, context.Canceled)
}

// classifyStatus maps an HTTP status code to a sentinel error, or nil
// for success.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrAuthExpired
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusNotFound:
		return ErrNotFound
	case status >= 500:
		return ErrUnreachable
	default:
		return ErrMalformedResponse
	}
}
