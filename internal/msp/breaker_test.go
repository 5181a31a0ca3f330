// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

package msp

import (
	"context"
	"errors"
	"testing"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/firegate/firegate/internal/models"
)

// flakyAPI fails every call with err until it is cleared.
type flakyAPI struct {
	err   error
	calls int
}

func (f *flakyAPI) ListRules(ctx context.Context, query string) ([]models.Rule, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []models.Rule{{ID: "r1"}}, nil
}

func (f *flakyAPI) ListRulesFiltered(ctx context.Context, include, exclude []string) ([]models.Rule, error) {
	return f.ListRules(ctx, "")
}

func (f *flakyAPI) GetRule(ctx context.Context, ruleID string) (*models.Rule, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.Rule{ID: ruleID}, nil
}

func (f *flakyAPI) SetPaused(ctx context.Context, ruleID string, paused bool) (*models.Rule, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.Rule{ID: ruleID, Paused: paused}, nil
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	inner := &flakyAPI{}
	client := NewBreakerClient(inner, "test-pass")

	rules, err := client.ListRules(context.Background(), "")
	if err != nil {
		t.Fatalf("ListRules() error = %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "r1" {
		t.Errorf("rules = %+v", rules)
	}
	if client.State() != gobreaker.StateClosed {
		t.Errorf("state = %v, want closed", client.State())
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyAPI{err: ErrUnreachable}
	client := NewBreakerClient(inner, "test-open")

	for i := 0; i < 5; i++ {
		if _, err := client.ListRules(context.Background(), ""); !errors.Is(err, ErrUnreachable) {
			t.Fatalf("call %d: error = %v, want ErrUnreachable", i, err)
		}
	}
	if client.State() != gobreaker.StateOpen {
		t.Fatalf("state after 5 failures = %v, want open", client.State())
	}

	// The open circuit rejects without touching the inner client.
	callsBefore := inner.calls
	_, err := client.ListRules(context.Background(), "")
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("open-state error = %v, want ErrUnreachable", err)
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("open-state error = %v, want gobreaker.ErrOpenState in chain", err)
	}
	if inner.calls != callsBefore {
		t.Errorf("inner client reached while circuit open")
	}
}

func TestBreakerIgnoresLogicalErrors(t *testing.T) {
	inner := &flakyAPI{err: ErrNotFound}
	client := NewBreakerClient(inner, "test-logical")

	// Far more than the trip threshold; logical errors count as
	// successes for breaker health.
	for i := 0; i < 10; i++ {
		if _, err := client.GetRule(context.Background(), "gone"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("call %d: error = %v, want ErrNotFound", i, err)
		}
	}
	if client.State() != gobreaker.StateClosed {
		t.Errorf("state = %v, want closed after logical errors only", client.State())
	}
}

func TestBreakerRecoveryResetsFailureCount(t *testing.T) {
	inner := &flakyAPI{err: ErrUnreachable}
	client := NewBreakerClient(inner, "test-recover")

	for i := 0; i < 4; i++ {
		_, _ = client.ListRules(context.Background(), "")
	}
	inner.err = nil
	if _, err := client.ListRules(context.Background(), ""); err != nil {
		t.Fatalf("recovered call error = %v", err)
	}

	// A success resets the consecutive counter; four more failures stay
	// below the trip threshold.
	inner.err = ErrUnreachable
	for i := 0; i < 4; i++ {
		_, _ = client.ListRules(context.Background(), "")
	}
	if client.State() != gobreaker.StateClosed {
		t.Errorf("state = %v, want closed", client.State())
	}
}

func TestBreakerSetPaused(t *testing.T) {
	inner := &flakyAPI{}
	client := NewBreakerClient(inner, "test-pause")

	rule, err := client.SetPaused(context.Background(), "r1", true)
	if err != nil {
		t.Fatalf("SetPaused() error = %v", err)
	}
	if !rule.Paused {
		t.Errorf("rule = %+v, want paused", rule)
	}
}
