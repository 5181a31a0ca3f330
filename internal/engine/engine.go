// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

/*
engine.go - Synchronization Engine

One Engine instance owns the synchronization of one Firewalla box. It
runs a single-goroutine state machine:

	IDLE -> POLLING -> DIFFING -> NOTIFYING -> IDLE   (success)
	IDLE -> POLLING -> DEGRADED -> IDLE               (fetch failed)

A timer drives IDLE -> POLLING; a tick arriving mid-cycle is coalesced
(at most one pending), never queued. On failure the engine keeps the
previous snapshot, marks it stale, emits nothing, and waits for the
next regular tick; there is no tightened retry loop, so the outer timer
is what paces load against the MSP rate budget.

Commands (pause/unpause) run as independent short-lived operations:
they call the MSP synchronously, optimistically patch the snapshot
under the cache's writer lock, and emit a single-element "modified"
change set without waiting for the next poll.

An authentication failure that survives the transport's one refresh
attempt is fatal: the engine halts polling and reports an
unauthenticated status until it is reconfigured and recreated.
*/

//nolint:staticcheck // File documentation, not package doc
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/firegate/firegate/internal/logging"
	"github.com/firegate/firegate/internal/metrics"
	"github.com/firegate/firegate/internal/models"
	"github.com/firegate/firegate/internal/msp"
)

// State is the engine's observable lifecycle state.
type State string

// Engine states.
const (
	StateIdle            State = "idle"
	StatePolling         State = "polling"
	StateDiffing         State = "diffing"
	StateNotifying       State = "notifying"
	StateDegraded        State = "degraded"
	StateUnauthenticated State = "unauthenticated"
	StateStopped         State = "stopped"
)

// Options configures one engine instance.
type Options struct {
	// PollInterval is the timer driving IDLE -> POLLING. Floor 30s,
	// enforced by config validation.
	PollInterval time.Duration

	// DebounceWindow coalesces notification bursts. Default 500ms.
	DebounceWindow time.Duration

	// CounterSensitive includes hit-counter deltas in "modified".
	CounterSensitive bool

	// IncludeFilters / ExcludeFilters are MSP query expressions applied
	// server-side and merged client-side.
	IncludeFilters []string
	ExcludeFilters []string
}

// Status is a point-in-time view of the engine for health reporting.
type Status struct {
	BoxGID          string     `json:"boxGid"`
	State           State      `json:"state"`
	Running         bool       `json:"running"`
	LastSync        *time.Time `json:"lastSync,omitempty"`
	DegradedSince   *time.Time `json:"degradedSince,omitempty"`
	SnapshotVersion uint64     `json:"snapshotVersion"`
	SnapshotFresh   bool       `json:"snapshotFresh"`
	RuleCount       int        `json:"ruleCount"`
}

// Engine synchronizes the local rule snapshot of one box with the MSP.
type Engine struct {
	gid      string
	client   msp.RuleAPI
	cache    *SnapshotCache
	notifier *Notifier
	opts     Options

	mu            sync.Mutex
	running       bool
	stopChan      chan struct{}
	cancel        context.CancelFunc
	state         State
	lastSync      time.Time
	degradedSince time.Time

	kick chan struct{}
	wg   sync.WaitGroup
}

// New creates an engine for one box. It does not start polling.
func New(gid string, client msp.RuleAPI, opts Options) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.DebounceWindow < 0 {
		opts.DebounceWindow = 0
	} else if opts.DebounceWindow == 0 {
		opts.DebounceWindow = 500 * time.Millisecond
	}
	return &Engine{
		gid:      gid,
		client:   client,
		cache:    NewSnapshotCache(),
		notifier: NewNotifier(opts.DebounceWindow),
		opts:     opts,
		state:    StateIdle,
		kick:     make(chan struct{}, 1),
	}
}

// BoxGID returns the box this engine synchronizes.
func (e *Engine) BoxGID() string { return e.gid }

// GetCurrentSnapshot returns the last-known snapshot, fresh or stale.
// Non-blocking.
func (e *Engine) GetCurrentSnapshot() *models.Snapshot {
	return e.cache.Current()
}

// Subscribe registers a consumer for change notifications.
func (e *Engine) Subscribe(fn Consumer) {
	e.notifier.Subscribe(fn)
}

// Start launches the polling loop. Idempotent; a second Start while
// running is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.stopChan = make(chan struct{})
	e.state = StateIdle

	logging.Info().
		Str("box", e.gid).
		Dur("interval", e.opts.PollInterval).
		Msg("Sync engine starting")

	e.wg.Add(1)
	go e.run(runCtx)
	return nil
}

// Stop cancels any in-flight request and waits for the loop to exit.
// Idempotent, and safe to call before Start or concurrently with it.
// The snapshot cache survives a stop so the last-known data remains
// readable.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	close(e.stopChan)
	e.mu.Unlock()

	e.wg.Wait()
	e.notifier.Flush()

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()

	logging.Info().Str("box", e.gid).Msg("Sync engine stopped")
}

// Close stops the engine and tears down the notifier. The engine cannot
// be restarted afterwards; create a new instance instead.
func (e *Engine) Close() {
	e.Stop()
	e.notifier.Close()
}

// Serve implements suture.Service.
func (e *Engine) Serve(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("engine %s start: %w", e.gid, err)
	}
	<-ctx.Done()
	e.Stop()
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logging.
func (e *Engine) String() string {
	return "engine-" + e.gid
}

// TriggerSync requests an immediate poll cycle. If a cycle is already
// in flight, at most one extra request is remembered.
func (e *Engine) TriggerSync() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Status returns the engine's current observable state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.cache.Current()
	s := Status{
		BoxGID:          e.gid,
		State:           e.state,
		Running:         e.running,
		SnapshotVersion: snap.Version(),
		SnapshotFresh:   snap.Fresh(),
		RuleCount:       snap.Len(),
	}
	if !e.lastSync.IsZero() {
		t := e.lastSync
		s.LastSync = &t
	}
	if !e.degradedSince.IsZero() {
		t := e.degradedSince
		s.DegradedSince = &t
	}
	return s
}

// RequestPauseToggle executes a pause/unpause command. On success the
// snapshot is optimistically patched and a single-element "modified"
// change set is emitted immediately. On failure the snapshot is left
// untouched and the error is surfaced to the caller; there is no silent
// retry beyond the transport's own transient handling.
func (e *Engine) RequestPauseToggle(ctx context.Context, ruleID string, desired bool) (*models.Rule, error) {
	ctx = logging.ContextWithNewCorrelationID(ctx)

	rule, err := e.client.SetPaused(ctx, ruleID, desired)
	if err != nil {
		metrics.PauseCommands.WithLabelValues(e.gid, "failure").Inc()
		logging.Ctx(ctx).Error().Err(err).
			Str("box", e.gid).
			Str("rule", ruleID).
			Bool("paused", desired).
			Msg("Pause toggle failed")
		return nil, err
	}

	snapshot := e.cache.Patch(*rule)
	e.notifier.Publish(models.ChangeSet{Modified: []string{rule.ID}}, snapshot)

	metrics.PauseCommands.WithLabelValues(e.gid, "success").Inc()
	logging.Ctx(ctx).Info().
		Str("box", e.gid).
		Str("rule", rule.ID).
		Bool("paused", rule.Paused).
		Msg("Pause toggle applied")
	return rule, nil
}

// run is the single sync loop. Only this goroutine executes cycles, so
// two polls for the same box can never overlap.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	if fatal := e.cycle(ctx); fatal {
		return
	}

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case <-ticker.C:
			if fatal := e.cycle(ctx); fatal {
				return
			}
		case <-e.kick:
			if fatal := e.cycle(ctx); fatal {
				return
			}
		}
	}
}

// cycle runs one fetch -> diff -> notify pass. Returns true on a fatal
// (unauthenticated) failure, which halts the loop.
func (e *Engine) cycle(ctx context.Context) bool {
	ctx = logging.ContextWithNewCorrelationID(ctx)
	start := time.Now()
	e.setState(StatePolling)

	rules, err := e.client.ListRulesFiltered(ctx, e.opts.IncludeFilters, e.opts.ExcludeFilters)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-cycle; not a degradation.
			e.setState(StateIdle)
			return false
		}
		if errors.Is(err, msp.ErrAuthExpired) {
			e.enterUnauthenticated(ctx, err)
			return true
		}
		e.enterDegraded(ctx, err)
		return false
	}

	e.setState(StateDiffing)
	ruleMap := make(map[string]models.Rule, len(rules))
	for _, r := range rules {
		ruleMap[r.ID] = r
	}

	previous, next := e.cache.Advance(ruleMap, time.Now())
	changes := Diff(previous, next, DiffOptions{CounterSensitive: e.opts.CounterSensitive})

	e.setState(StateNotifying)
	e.notifier.Publish(changes, next)

	e.mu.Lock()
	e.lastSync = time.Now()
	e.degradedSince = time.Time{}
	e.mu.Unlock()
	e.setState(StateIdle)

	e.observeSuccess(ctx, next, changes, time.Since(start))
	return false
}

// enterDegraded keeps the previous snapshot, marks it stale, and emits
// nothing. Consumers keep showing last-known values and can surface
// unavailability through the snapshot's freshness flag.
func (e *Engine) enterDegraded(ctx context.Context, err error) {
	e.setState(StateDegraded)
	e.cache.MarkStale()

	e.mu.Lock()
	if e.degradedSince.IsZero() {
		e.degradedSince = time.Now()
	}
	since := e.degradedSince
	e.mu.Unlock()

	metrics.SyncCycles.WithLabelValues(e.gid, "degraded").Inc()
	metrics.SnapshotFresh.WithLabelValues(e.gid).Set(0)
	logging.Ctx(ctx).Warn().Err(err).
		Str("box", e.gid).
		Time("degraded_since", since).
		Msg("Poll failed, serving stale snapshot")

	e.setState(StateIdle)
}

// enterUnauthenticated halts polling until the box is reconfigured.
func (e *Engine) enterUnauthenticated(ctx context.Context, err error) {
	e.cache.MarkStale()
	metrics.SyncCycles.WithLabelValues(e.gid, "unauthenticated").Inc()
	metrics.SnapshotFresh.WithLabelValues(e.gid).Set(0)
	logging.Ctx(ctx).Error().Err(err).
		Str("box", e.gid).
		Msg("Authentication expired and refresh failed, halting sync")
	e.setState(StateUnauthenticated)
}

// observeSuccess records metrics and logs for a completed cycle.
func (e *Engine) observeSuccess(ctx context.Context, snap *models.Snapshot, changes models.ChangeSet, elapsed time.Duration) {
	stats := snap.Stats()
	metrics.SyncCycles.WithLabelValues(e.gid, "success").Inc()
	metrics.SyncCycleDuration.WithLabelValues(e.gid).Observe(elapsed.Seconds())
	metrics.SnapshotFresh.WithLabelValues(e.gid).Set(1)
	metrics.SnapshotRules.WithLabelValues(e.gid, "active").Set(float64(stats.Active))
	metrics.SnapshotRules.WithLabelValues(e.gid, "paused").Set(float64(stats.Paused))
	metrics.ChangesDetected.WithLabelValues(e.gid, "added").Add(float64(len(changes.Added)))
	metrics.ChangesDetected.WithLabelValues(e.gid, "removed").Add(float64(len(changes.Removed)))
	metrics.ChangesDetected.WithLabelValues(e.gid, "modified").Add(float64(len(changes.Modified)))

	logging.Ctx(ctx).Info().
		Str("box", e.gid).
		Int("rules", snap.Len()).
		Int("added", len(changes.Added)).
		Int("removed", len(changes.Removed)).
		Int("modified", len(changes.Modified)).
		Dur("elapsed", elapsed).
		Msg("Sync cycle complete")
}

// setState records the state for status reporting.
func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}
