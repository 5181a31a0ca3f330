// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

package models

import (
	"sort"
	"time"
)

// Snapshot is an immutable, versioned view of all controllable rules on
// one box at a point in time. A Snapshot is never mutated in place:
// every change (full refresh, optimistic patch, stale marking) produces
// a new value, and the engine publishes it with a single atomic pointer
// swap so consumers never observe a view mixing two generations.
type Snapshot struct {
	rules     map[string]Rule
	version   uint64
	fetchedAt time.Time
	fresh     bool
}

// NewSnapshot builds a fresh snapshot from the given rules, keyed by
// rule ID. The map is copied; callers keep ownership of their input.
func NewSnapshot(rules map[string]Rule, version uint64, fetchedAt time.Time) *Snapshot {
	copied := make(map[string]Rule, len(rules))
	for id, r := range rules {
		copied[id] = r
	}
	return &Snapshot{
		rules:     copied,
		version:   version,
		fetchedAt: fetchedAt,
		fresh:     true,
	}
}

// EmptySnapshot returns a version-zero snapshot with no rules. Engines
// start from it so consumers always have something to read.
func EmptySnapshot() *Snapshot {
	return &Snapshot{rules: map[string]Rule{}, fresh: true}
}

// Version returns the snapshot generation counter. Each successful poll
// cycle and each optimistic patch increments it.
func (s *Snapshot) Version() uint64 { return s.version }

// FetchedAt returns when the underlying rule data was fetched.
func (s *Snapshot) FetchedAt() time.Time { return s.fetchedAt }

// Fresh reports whether the snapshot reflects the most recent poll
// attempt. False means the engine is degraded and serving stale data.
func (s *Snapshot) Fresh() bool { return s.fresh }

// Len returns the number of rules in the snapshot.
func (s *Snapshot) Len() int { return len(s.rules) }

// Rule returns the rule with the given ID, if present.
func (s *Snapshot) Rule(id string) (Rule, bool) {
	r, ok := s.rules[id]
	return r, ok
}

// IDs returns all rule IDs in sorted order. Sorting makes diff output
// and notification payloads deterministic.
func (s *Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.rules))
	for id := range s.rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Rules returns a copy of the rule map. Mutating the returned map does
// not affect the snapshot.
func (s *Snapshot) Rules() map[string]Rule {
	copied := make(map[string]Rule, len(s.rules))
	for id, r := range s.rules {
		copied[id] = r
	}
	return copied
}

// WithRule returns a new snapshot with one rule replaced (or added) and
// the version bumped. Used for the optimistic patch after a successful
// pause/unpause command.
func (s *Snapshot) WithRule(r Rule) *Snapshot {
	next := &Snapshot{
		rules:     make(map[string]Rule, len(s.rules)+1),
		version:   s.version + 1,
		fetchedAt: s.fetchedAt,
		fresh:     s.fresh,
	}
	for id, existing := range s.rules {
		next.rules[id] = existing
	}
	next.rules[r.ID] = r
	return next
}

// MarkedStale returns the same view flagged stale. Rule data and
// version are unchanged; only freshness differs.
func (s *Snapshot) MarkedStale() *Snapshot {
	if !s.fresh {
		return s
	}
	return &Snapshot{
		rules:     s.rules,
		version:   s.version,
		fetchedAt: s.fetchedAt,
		fresh:     false,
	}
}

// Stats computes rule statistics for the snapshot.
func (s *Snapshot) Stats() RuleStats {
	stats := RuleStats{
		Total:  len(s.rules),
		ByType: map[string]int{},
	}
	for _, r := range s.rules {
		if r.Paused {
			stats.Paused++
		} else {
			stats.Active++
		}
		t := r.Type
		if t == "" {
			t = "unknown"
		}
		stats.ByType[t]++
	}
	return stats
}

// RuleStats summarizes the rule population of one snapshot.
type RuleStats struct {
	Total  int            `json:"total"`
	Active int            `json:"active"`
	Paused int            `json:"paused"`
	ByType map[string]int `json:"byType"`
}
