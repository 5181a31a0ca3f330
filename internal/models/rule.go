// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

// Package models defines the domain entities shared across Firegate:
// policy rules, immutable snapshots, and the change sets produced by
// diffing consecutive snapshots.
package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Rule statuses as reported by the MSP API.
const (
	RuleStatusActive = "active"
	RuleStatusPaused = "paused"
)

// Rule is a single remotely-managed policy rule. Firegate treats the
// rule as an opaque versioned record: it never interprets what the
// action means, it only tracks identity, the paused flag, and the
// attributes needed for change detection.
//
// ID is immutable for the lifetime of a rule. Rules with Disabled=true
// are filtered out before they ever reach a Snapshot, so every rule in
// a Snapshot is controllable.
type Rule struct {
	ID          string `json:"id"`
	GID         string `json:"gid,omitempty"`
	Type        string `json:"type"`
	Target      string `json:"target"`
	TargetName  string `json:"targetName,omitempty"`
	Action      string `json:"action"`
	Direction   string `json:"direction,omitempty"`
	Status      string `json:"status"`
	Paused      bool   `json:"paused"`
	Disabled    bool   `json:"disabled"`
	DNSOnly     bool   `json:"dnsOnly,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	Description string `json:"description,omitempty"`
	ScopeType   string `json:"scopeType,omitempty"`
	ScopeValue  string `json:"scopeValue,omitempty"`

	// CreatedAt / ModifiedAt carry the wire ts/updateTs values
	// (seconds since epoch).
	CreatedAt  float64 `json:"createdAt,omitempty"`
	ModifiedAt float64 `json:"modifiedAt,omitempty"`

	// Schedule is the opaque schedule descriptor, kept verbatim.
	Schedule json.RawMessage `json:"schedule,omitempty"`

	// Hit carries volatile usage counters. Counter-only changes do not
	// mark a rule as modified (see engine.Diff).
	Hit RuleHit `json:"hit,omitempty"`

	// Extra preserves wire fields this schema does not model, so a
	// newer MSP API cannot silently lose data through Firegate.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// RuleHit holds per-rule usage counters.
type RuleHit struct {
	Count     int64   `json:"count,omitempty"`
	LastHitTs float64 `json:"lastHitTs,omitempty"`
}

// Controllable reports whether the rule can be toggled. Disabled rules
// are excluded from sync entirely.
func (r *Rule) Controllable() bool {
	return !r.Disabled
}

// ModifiedTime converts the wire ModifiedAt seconds to a time.Time.
// Returns the zero time if the rule never reported a modification.
func (r *Rule) ModifiedTime() time.Time {
	if r.ModifiedAt == 0 {
		return time.Time{}
	}
	sec := int64(r.ModifiedAt)
	nsec := int64((r.ModifiedAt - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// Equivalent reports whether two rules are equal for change-detection
// purposes. Volatile hit counters are compared only when
// counterSensitive is true; Extra payloads are compared byte-wise since
// they are opaque.
func (r *Rule) Equivalent(other *Rule, counterSensitive bool) bool {
	if r.ID != other.ID ||
		r.GID != other.GID ||
		r.Type != other.Type ||
		r.Target != other.Target ||
		r.TargetName != other.TargetName ||
		r.Action != other.Action ||
		r.Direction != other.Direction ||
		r.Status != other.Status ||
		r.Paused != other.Paused ||
		r.Disabled != other.Disabled ||
		r.DNSOnly != other.DNSOnly ||
		r.Priority != other.Priority ||
		r.Description != other.Description ||
		r.ScopeType != other.ScopeType ||
		r.ScopeValue != other.ScopeValue ||
		r.CreatedAt != other.CreatedAt ||
		r.ModifiedAt != other.ModifiedAt {
		return false
	}
	if string(r.Schedule) != string(other.Schedule) {
		return false
	}
	if counterSensitive && r.Hit != other.Hit {
		return false
	}
	return equalExtras(r.Extra, other.Extra)
}

// equalExtras compares two opaque extra-field maps byte-wise.
func equalExtras(a, b map[string]json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || string(v) != string(w) {
			return false
		}
	}
	return true
}
