// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

package models

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func baseRule() Rule {
	return Rule{
		ID:         "r1",
		GID:        "box-1",
		Type:       "domain",
		Target:     "example.com",
		Action:     "block",
		Status:     RuleStatusActive,
		ModifiedAt: 1700000000,
		Hit:        RuleHit{Count: 5, LastHitTs: 1700000100},
	}
}

func TestRuleEquivalent(t *testing.T) {
	tests := []struct {
		name             string
		mutate           func(*Rule)
		counterSensitive bool
		want             bool
	}{
		{
			name:   "identical rules are equivalent",
			mutate: func(*Rule) {},
			want:   true,
		},
		{
			name:   "target change is a modification",
			mutate: func(r *Rule) { r.Target = "other.com" },
			want:   false,
		},
		{
			name:   "pause state change is a modification",
			mutate: func(r *Rule) { r.Status = RuleStatusPaused; r.Paused = true },
			want:   false,
		},
		{
			name:   "updateTs change is a modification",
			mutate: func(r *Rule) { r.ModifiedAt = 1700000999 },
			want:   false,
		},
		{
			name:   "hit counter delta is ignored by default",
			mutate: func(r *Rule) { r.Hit.Count = 99; r.Hit.LastHitTs = 1700009999 },
			want:   true,
		},
		{
			name:             "hit counter delta detected when counter sensitive",
			mutate:           func(r *Rule) { r.Hit.Count = 99 },
			counterSensitive: true,
			want:             false,
		},
		{
			name:   "schedule change is a modification",
			mutate: func(r *Rule) { r.Schedule = json.RawMessage(`{"duration":3600}`) },
			want:   false,
		},
		{
			name:   "new extra field is a modification",
			mutate: func(r *Rule) { r.Extra = map[string]json.RawMessage{"protocol": json.RawMessage(`"tcp"`)} },
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := baseRule()
			b := baseRule()
			tt.mutate(&b)

			if got := a.Equivalent(&b, tt.counterSensitive); got != tt.want {
				t.Errorf("Equivalent() = %v, want %v", got, tt.want)
			}
			// Equivalence is symmetric.
			if got := b.Equivalent(&a, tt.counterSensitive); got != tt.want {
				t.Errorf("Equivalent() reversed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRuleEquivalentExtraPayloads(t *testing.T) {
	a := baseRule()
	b := baseRule()
	a.Extra = map[string]json.RawMessage{"protocol": json.RawMessage(`"tcp"`)}
	b.Extra = map[string]json.RawMessage{"protocol": json.RawMessage(`"tcp"`)}

	if !a.Equivalent(&b, false) {
		t.Error("byte-identical extras should be equivalent")
	}

	b.Extra["protocol"] = json.RawMessage(`"udp"`)
	if a.Equivalent(&b, false) {
		t.Error("differing extras should not be equivalent")
	}
}

func TestRuleControllable(t *testing.T) {
	r := baseRule()
	if !r.Controllable() {
		t.Error("enabled rule should be controllable")
	}
	r.Disabled = true
	if r.Controllable() {
		t.Error("disabled rule should not be controllable")
	}
}

func TestRuleModifiedTime(t *testing.T) {
	r := baseRule()
	r.ModifiedAt = 1700000000.5

	got := r.ModifiedTime()
	want := time.Unix(1700000000, int64(500*time.Millisecond))
	if !got.Equal(want) {
		t.Errorf("ModifiedTime() = %v, want %v", got, want)
	}

	r.ModifiedAt = 0
	if !r.ModifiedTime().IsZero() {
		t.Error("zero ModifiedAt should map to zero time")
	}
}
