// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

package engine

import (
	"sort"
	"sync"
)

// Registry tracks the sync engines managed by this process, keyed by
// box GID. It is populated once at startup and read concurrently by
// the HTTP handlers afterwards.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]*Engine),
	}
}

// Register adds an engine to the registry. A second engine for the
// same GID replaces the first.
func (r *Registry) Register(e *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.BoxGID()] = e
}

// Get returns the engine for the given box GID, or nil when the GID
// is not managed by this process.
func (r *Registry) Get(gid string) *Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engines[gid]
}

// GIDs returns the managed box GIDs in sorted order.
func (r *Registry) GIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gids := make([]string, 0, len(r.engines))
	for gid := range r.engines {
		gids = append(gids, gid)
	}
	sort.Strings(gids)
	return gids
}

// All returns the managed engines ordered by box GID.
func (r *Registry) All() []*Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gids := make([]string, 0, len(r.engines))
	for gid := range r.engines {
		gids = append(gids, gid)
	}
	sort.Strings(gids)

	engines := make([]*Engine, 0, len(gids))
	for _, gid := range gids {
		engines = append(engines, r.engines[gid])
	}
	return engines
}

// Len returns the number of managed engines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}
