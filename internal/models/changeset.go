// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

package models

import "sort"

// ChangeSet is the delta between two snapshots: three disjoint, sorted
// lists of rule IDs. A rule ID appears in at most one list.
type ChangeSet struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

// Empty reports whether the change set carries no changes.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Modified) == 0
}

// Merge returns the union of two change sets, used when the notifier
// coalesces bursts inside the debounce window. An ID that was added in
// one set and modified in a later one stays "added"; an ID that was
// added and then removed cancels out entirely. Output lists are sorted
// and pairwise disjoint.
func (c ChangeSet) Merge(later ChangeSet) ChangeSet {
	added := toSet(c.Added)
	removed := toSet(c.Removed)
	modified := toSet(c.Modified)

	for _, id := range later.Added {
		if removed[id] {
			// Removed earlier, re-added now: net effect is a modification.
			delete(removed, id)
			modified[id] = true
			continue
		}
		added[id] = true
	}
	for _, id := range later.Modified {
		if added[id] {
			continue // still new from the consumer's point of view
		}
		modified[id] = true
	}
	for _, id := range later.Removed {
		if added[id] {
			// Added and removed inside one window: invisible to consumers.
			delete(added, id)
			continue
		}
		delete(modified, id)
		removed[id] = true
	}

	return ChangeSet{
		Added:    toSorted(added),
		Removed:  toSorted(removed),
		Modified: toSorted(modified),
	}
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func toSorted(set map[string]bool) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
