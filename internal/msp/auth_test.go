// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

package msp

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestSessionStaticToken(t *testing.T) {
	s := NewSession("token-a", nil)

	token, gen := s.Token()
	if token != "token-a" {
		t.Errorf("Token() = %q, want %q", token, "token-a")
	}
	if gen != 0 {
		t.Errorf("generation = %d, want 0", gen)
	}
}

func TestSessionRefreshWithoutRefreshFunc(t *testing.T) {
	s := NewSession("token-a", nil)

	_, gen := s.Token()
	err := s.Refresh(context.Background(), gen)
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("Refresh() error = %v, want ErrAuthExpired", err)
	}
}

func TestSessionRefreshRotatesToken(t *testing.T) {
	calls := 0
	s := NewSession("token-a", func(ctx context.Context) (string, error) {
		calls++
		return "token-b", nil
	})

	_, gen := s.Token()
	if err := s.Refresh(context.Background(), gen); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	token, newGen := s.Token()
	if token != "token-b" {
		t.Errorf("Token() after refresh = %q, want %q", token, "token-b")
	}
	if newGen != gen+1 {
		t.Errorf("generation = %d, want %d", newGen, gen+1)
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
}

func TestSessionRefreshFailurePropagates(t *testing.T) {
	s := NewSession("token-a", func(ctx context.Context) (string, error) {
		return "", errors.New("identity provider down")
	})

	_, gen := s.Token()
	err := s.Refresh(context.Background(), gen)
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("Refresh() error = %v, want ErrAuthExpired", err)
	}

	token, newGen := s.Token()
	if token != "token-a" || newGen != gen {
		t.Errorf("failed refresh mutated session: token=%q gen=%d", token, newGen)
	}
}

func TestSessionStaleGenerationIsNoOp(t *testing.T) {
	calls := 0
	s := NewSession("token-a", func(ctx context.Context) (string, error) {
		calls++
		return "token-b", nil
	})

	_, gen := s.Token()
	if err := s.Refresh(context.Background(), gen); err != nil {
		t.Fatalf("first Refresh() error = %v", err)
	}

	// A caller still holding the old generation must not trigger a
	// second refresh; the no-op tells it to retry with the new token.
	if err := s.Refresh(context.Background(), gen); err != nil {
		t.Fatalf("stale Refresh() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}

	token, _ := s.Token()
	if token != "token-b" {
		t.Errorf("Token() = %q, want %q", token, "token-b")
	}
}

func TestSessionConcurrentRefreshSingleFlight(t *testing.T) {
	calls := 0
	s := NewSession("token-a", func(ctx context.Context) (string, error) {
		calls++
		return "token-b", nil
	})

	_, gen := s.Token()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Refresh(context.Background(), gen); err != nil {
				t.Errorf("Refresh() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("refresh calls = %d, want exactly 1 across concurrent expiry signals", calls)
	}
}
