// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/firegate/firegate/internal/models"
)

// SnapshotCache holds the last-known-good snapshot. Reads are a single
// atomic pointer load and never block; writers (full replacement,
// optimistic patch, stale marking) serialize on a mutex so two
// generations can never interleave.
type SnapshotCache struct {
	mu      sync.Mutex
	current atomic.Pointer[models.Snapshot]
}

// NewSnapshotCache creates a cache primed with an empty snapshot so
// consumers always have something to read.
func NewSnapshotCache() *SnapshotCache {
	c := &SnapshotCache{}
	c.current.Store(models.EmptySnapshot())
	return c
}

// Current returns the current snapshot, fresh or stale. Non-blocking.
func (c *SnapshotCache) Current() *models.Snapshot {
	return c.current.Load()
}

// Advance installs a fresh snapshot built from the given rules. The
// new version is derived from the current snapshot under the writer
// lock, so poll cycles and optimistic patches draw from one monotonic
// sequence and two distinct snapshots can never share a version.
// Returns the previous and the new current snapshot.
func (c *SnapshotCache) Advance(rules map[string]models.Rule, fetchedAt time.Time) (previous, next *models.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous = c.current.Load()
	next = models.NewSnapshot(rules, previous.Version()+1, fetchedAt)
	c.current.Store(next)
	return previous, next
}

// MarkStale flags the current snapshot stale, keeping its data, and
// returns the new current value.
func (c *SnapshotCache) MarkStale() *models.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	stale := c.current.Load().MarkedStale()
	c.current.Store(stale)
	return stale
}

// Patch replaces one rule in the current snapshot (the optimistic
// update after a successful pause/unpause) and returns the new current
// value. The read-modify-write happens under the writer lock, so a
// concurrent Replace cannot be lost or mixed with the patch.
func (c *SnapshotCache) Patch(rule models.Rule) *models.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	patched := c.current.Load().WithRule(rule)
	c.current.Store(patched)
	return patched
}
