// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

package engine

import (
	"github.com/firegate/firegate/internal/models"
)

// DiffOptions tunes change detection.
type DiffOptions struct {
	// CounterSensitive includes volatile hit-counter deltas in
	// "modified". Off by default: counter churn alone should not spam
	// consumers with updates.
	CounterSensitive bool
}

// Diff computes the change set between two snapshots. IDs are emitted
// in sorted order, making output deterministic, and every ID appears in
// at most one of the three lists.
func Diff(prev, next *models.Snapshot, opts DiffOptions) models.ChangeSet {
	var cs models.ChangeSet

	// Iterating sorted IDs keeps the three lists sorted without a
	// second pass.
	for _, id := range next.IDs() {
		nextRule, _ := next.Rule(id)
		prevRule, ok := prev.Rule(id)
		switch {
		case !ok:
			cs.Added = append(cs.Added, id)
		case !prevRule.Equivalent(&nextRule, opts.CounterSensitive):
			cs.Modified = append(cs.Modified, id)
		}
	}
	for _, id := range prev.IDs() {
		if _, ok := next.Rule(id); !ok {
			cs.Removed = append(cs.Removed, id)
		}
	}

	return cs
}
