// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

package msp

import (
	"context"
	"fmt"
	"sync"

	"github.com/firegate/firegate/internal/logging"
)

// RefreshFunc re-derives an access token after the MSP signalled expiry.
// It returns the new token or an error if re-authentication is not
// possible.
type RefreshFunc func(ctx context.Context) (string, error)

// Session holds the MSP access token shared by the transport and the
// rule client. The token is read-mostly; only the refresh path writes
// it, and refreshes are serialized so a burst of 401s across concurrent
// operations triggers at most one re-authentication.
type Session struct {
	mu      sync.Mutex
	token   string
	gen     uint64
	refresh RefreshFunc
}

// NewSession creates a session with the given access token. refresh may
// be nil for static tokens (the common MSP personal-token setup); with
// a nil refresh, an expiry signal is immediately fatal.
func NewSession(token string, refresh RefreshFunc) *Session {
	return &Session{token: token, refresh: refresh}
}

// Token returns the current token and its generation. The generation is
// passed back to Refresh so a caller holding a stale token does not
// trigger a redundant refresh after another caller already renewed it.
func (s *Session) Token() (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.gen
}

// Refresh renews the token if the given generation is still current.
// Returns ErrAuthExpired when no refresh function is configured or the
// refresh itself fails.
func (s *Session) Refresh(ctx context.Context, seenGen uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != seenGen {
		// Another operation already refreshed; the caller should retry
		// with the new token.
		return nil
	}
	if s.refresh == nil {
		return fmt.Errorf("%w: no refresh configured", ErrAuthExpired)
	}

	token, err := s.refresh(ctx)
	if err != nil {
		return fmt.Errorf("%w: refresh failed: %v", ErrAuthExpired, err)
	}

	s.token = token
	s.gen++
	logging.Ctx(ctx).Info().Uint64("generation", s.gen).Msg("MSP token refreshed")
	return nil
}
