// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

package models

import (
	"reflect"
	"testing"
)

func TestChangeSetEmpty(t *testing.T) {
	if !(ChangeSet{}).Empty() {
		t.Error("zero change set should be empty")
	}
	if (ChangeSet{Added: []string{"r1"}}).Empty() {
		t.Error("change set with an addition is not empty")
	}
}

func TestChangeSetMerge(t *testing.T) {
	tests := []struct {
		name    string
		earlier ChangeSet
		later   ChangeSet
		want    ChangeSet
	}{
		{
			name:    "disjoint sets union",
			earlier: ChangeSet{Added: []string{"a"}},
			later:   ChangeSet{Modified: []string{"m"}, Removed: []string{"r"}},
			want:    ChangeSet{Added: []string{"a"}, Modified: []string{"m"}, Removed: []string{"r"}},
		},
		{
			name:    "added then modified stays added",
			earlier: ChangeSet{Added: []string{"a"}},
			later:   ChangeSet{Modified: []string{"a"}},
			want:    ChangeSet{Added: []string{"a"}, Removed: []string{}, Modified: []string{}},
		},
		{
			name:    "added then removed cancels out",
			earlier: ChangeSet{Added: []string{"a"}},
			later:   ChangeSet{Removed: []string{"a"}},
			want:    ChangeSet{Added: []string{}, Removed: []string{}, Modified: []string{}},
		},
		{
			name:    "removed then re-added becomes modified",
			earlier: ChangeSet{Removed: []string{"x"}},
			later:   ChangeSet{Added: []string{"x"}},
			want:    ChangeSet{Added: []string{}, Removed: []string{}, Modified: []string{"x"}},
		},
		{
			name:    "modified then removed becomes removed",
			earlier: ChangeSet{Modified: []string{"x"}},
			later:   ChangeSet{Removed: []string{"x"}},
			want:    ChangeSet{Added: []string{}, Removed: []string{"x"}, Modified: []string{}},
		},
		{
			name:    "output is sorted",
			earlier: ChangeSet{Added: []string{"c"}},
			later:   ChangeSet{Added: []string{"a", "b"}},
			want:    ChangeSet{Added: []string{"a", "b", "c"}, Removed: []string{}, Modified: []string{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.earlier.Merge(tt.later)
			if !equalIDs(got.Added, tt.want.Added) ||
				!equalIDs(got.Removed, tt.want.Removed) ||
				!equalIDs(got.Modified, tt.want.Modified) {
				t.Errorf("Merge() = %+v, want %+v", got, tt.want)
			}
			assertDisjoint(t, got)
		})
	}
}

// equalIDs treats nil and empty slices as equal.
func equalIDs(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func assertDisjoint(t *testing.T, cs ChangeSet) {
	t.Helper()
	seen := map[string]int{}
	for _, id := range cs.Added {
		seen[id]++
	}
	for _, id := range cs.Removed {
		seen[id]++
	}
	for _, id := range cs.Modified {
		seen[id]++
	}
	for id, count := range seen {
		if count > 1 {
			t.Errorf("rule %s appears in %d lists, want at most 1", id, count)
		}
	}
}
