// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/firegate/firegate/internal/models"
)

func TestSnapshotCacheStartsEmpty(t *testing.T) {
	c := NewSnapshotCache()
	snap := c.Current()
	if snap == nil {
		t.Fatal("cache must never return nil")
	}
	if snap.Len() != 0 || snap.Version() != 0 {
		t.Errorf("initial snapshot: len %d version %d", snap.Len(), snap.Version())
	}
}

func TestSnapshotCacheAdvance(t *testing.T) {
	c := NewSnapshotCache()

	previous, next := c.Advance(map[string]models.Rule{"r1": {ID: "r1"}}, time.Now())
	if previous.Version() != 0 {
		t.Errorf("previous version = %d, want 0", previous.Version())
	}
	if next.Version() != 1 {
		t.Errorf("next version = %d, want 1", next.Version())
	}
	if c.Current() != next {
		t.Error("Advance should install the new snapshot")
	}
	if next.Len() != 1 {
		t.Errorf("next len = %d, want 1", next.Len())
	}
}

func TestSnapshotCacheMarkStale(t *testing.T) {
	c := NewSnapshotCache()
	c.Advance(map[string]models.Rule{"r1": {ID: "r1"}}, time.Now())

	stale := c.MarkStale()
	if stale.Fresh() {
		t.Error("MarkStale should return a stale view")
	}
	if got := c.Current(); got != stale {
		t.Error("stale view should be installed as current")
	}
	if c.Current().Len() != 1 || c.Current().Version() != 1 {
		t.Error("staleness must preserve data and version")
	}
}

func TestSnapshotCachePatch(t *testing.T) {
	c := NewSnapshotCache()
	c.Advance(map[string]models.Rule{"r1": {ID: "r1", Paused: false}}, time.Now())

	patched := c.Patch(models.Rule{ID: "r1", Paused: true})
	if patched.Version() != 2 {
		t.Errorf("patched version = %d, want 2", patched.Version())
	}
	r, _ := c.Current().Rule("r1")
	if !r.Paused {
		t.Error("patch should be visible through Current")
	}
}

// TestSnapshotCacheVersionsMonotonic interleaves full refreshes with
// optimistic patches. Every installed snapshot must carry a strictly
// higher version than the one before it, or consumers deduplicating on
// version would silently drop updates.
func TestSnapshotCacheVersionsMonotonic(t *testing.T) {
	c := NewSnapshotCache()
	rules := map[string]models.Rule{"r1": {ID: "r1"}}

	last := c.Current().Version()
	for i := 0; i < 5; i++ {
		_, next := c.Advance(rules, time.Now())
		if next.Version() <= last {
			t.Fatalf("poll snapshot version %d not above %d", next.Version(), last)
		}
		last = next.Version()

		patched := c.Patch(models.Rule{ID: "r1", Paused: i%2 == 0})
		if patched.Version() <= last {
			t.Fatalf("patched snapshot version %d not above %d", patched.Version(), last)
		}
		last = patched.Version()
	}
}

// TestSnapshotCacheConcurrentAccess drives readers and writers in
// parallel; the race detector is the real assertion here.
func TestSnapshotCacheConcurrentAccess(t *testing.T) {
	c := NewSnapshotCache()
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				switch n % 3 {
				case 0:
					c.Advance(map[string]models.Rule{"r1": {ID: "r1"}}, time.Now())
				case 1:
					c.Patch(models.Rule{ID: "r2", Paused: j%2 == 0})
				default:
					c.MarkStale()
				}
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				if c.Current() == nil {
					panic("nil snapshot observed")
				}
			}
		}
	}()

	wg.Wait()
	close(done)
}
