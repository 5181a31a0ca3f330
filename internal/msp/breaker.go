// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

package msp

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/firegate/firegate/internal/logging"
	"github.com/firegate/firegate/internal/metrics"
	"github.com/firegate/firegate/internal/models"
)

// Ensure BreakerClient implements RuleAPI.
var _ RuleAPI = (*BreakerClient)(nil)

// BreakerClient wraps a RuleAPI with a circuit breaker so a dead MSP is
// not hammered through every backoff cycle. An open circuit surfaces as
// ErrUnreachable, which the engine treats like any other transient
// failure: the cycle degrades and the outer poll timer governs when the
// next probe happens.
type BreakerClient struct {
	inner RuleAPI
	cb    *gobreaker.CircuitBreaker[any]
	name  string
}

// NewBreakerClient decorates a client with circuit breaker protection.
// The breaker opens after 5 consecutive failures (a full poll cycle's
// retries count as one failure here) and probes again after 2 minutes.
func NewBreakerClient(inner RuleAPI, name string) *BreakerClient {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Logical errors do not indicate an unhealthy MSP.
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformedResponse)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("Circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, stateToString(from), stateToString(to)).Inc()
		},
	})

	return &BreakerClient{inner: inner, cb: cb, name: name}
}

// execute runs fn through the breaker, mapping rejections to
// ErrUnreachable.
func (b *BreakerClient) execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.Join(ErrUnreachable, err)
		}
		return nil, err
	}
	return result, nil
}

// ListRules implements RuleAPI.
func (b *BreakerClient) ListRules(ctx context.Context, query string) ([]models.Rule, error) {
	result, err := b.execute(func() (any, error) {
		return b.inner.ListRules(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	return result.([]models.Rule), nil
}

// ListRulesFiltered implements RuleAPI.
func (b *BreakerClient) ListRulesFiltered(ctx context.Context, include, exclude []string) ([]models.Rule, error) {
	result, err := b.execute(func() (any, error) {
		return b.inner.ListRulesFiltered(ctx, include, exclude)
	})
	if err != nil {
		return nil, err
	}
	return result.([]models.Rule), nil
}

// GetRule implements RuleAPI.
func (b *BreakerClient) GetRule(ctx context.Context, ruleID string) (*models.Rule, error) {
	result, err := b.execute(func() (any, error) {
		return b.inner.GetRule(ctx, ruleID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.Rule), nil
}

// SetPaused implements RuleAPI.
func (b *BreakerClient) SetPaused(ctx context.Context, ruleID string, paused bool) (*models.Rule, error) {
	result, err := b.execute(func() (any, error) {
		return b.inner.SetPaused(ctx, ruleID, paused)
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.Rule), nil
}

// State returns the current breaker state, for status reporting.
func (b *BreakerClient) State() gobreaker.State {
	return b.cb.State()
}

func stateToString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
