// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

package engine

import (
	"sync"
	"time"

	"github.com/firegate/firegate/internal/logging"
	"github.com/firegate/firegate/internal/metrics"
	"github.com/firegate/firegate/internal/models"
)

// Consumer receives a change set and the snapshot it was computed
// against. The contract: Added before Modified before Removed, each
// list sorted by rule ID. Consumers run on the notifier's goroutines;
// a slow or panicking consumer never blocks the sync engine.
type Consumer func(models.ChangeSet, *models.Snapshot)

// subscriberBuffer is the per-consumer queue depth. When a consumer
// falls this far behind, further notifications to it are dropped (and
// counted) rather than blocking the engine.
const subscriberBuffer = 64

type notification struct {
	changes  models.ChangeSet
	snapshot *models.Snapshot
}

type subscriber struct {
	ch chan notification
}

// Notifier fans change sets out to registered consumers. Bursts inside
// the debounce window (a command-triggered update immediately followed
// by a poll, for instance) coalesce into one notification carrying the
// union of affected IDs and the latest snapshot.
//
// Per-consumer delivery is FIFO: each subscriber has its own queue and
// goroutine, so notifications arrive in the order they were produced.
type Notifier struct {
	debounce time.Duration

	mu      sync.Mutex
	subs    []*subscriber
	pending *notification
	timer   *time.Timer
	closed  bool

	wg sync.WaitGroup
}

// NewNotifier creates a notifier with the given debounce window. A zero
// window delivers every publish immediately.
func NewNotifier(debounce time.Duration) *Notifier {
	return &Notifier{debounce: debounce}
}

// Subscribe registers a consumer. Registration after Close is a no-op.
func (n *Notifier) Subscribe(fn Consumer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	sub := &subscriber{ch: make(chan notification, subscriberBuffer)}
	n.subs = append(n.subs, sub)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for msg := range sub.ch {
			invokeConsumer(fn, msg)
		}
	}()
}

// Publish hands a change set to the notifier. Empty change sets are
// ignored. Returns immediately; delivery is asynchronous.
func (n *Notifier) Publish(changes models.ChangeSet, snapshot *models.Snapshot) {
	if changes.Empty() {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	if n.pending != nil {
		n.pending = &notification{
			changes:  n.pending.changes.Merge(changes),
			snapshot: snapshot,
		}
		return
	}

	n.pending = &notification{changes: changes, snapshot: snapshot}
	if n.debounce <= 0 {
		n.flushLocked()
		return
	}
	n.timer = time.AfterFunc(n.debounce, n.flush)
}

// Flush delivers any pending notification immediately, short-cutting
// the debounce window. Used on shutdown and by tests.
func (n *Notifier) Flush() {
	n.flush()
}

func (n *Notifier) flush() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.flushLocked()
}

// flushLocked delivers the pending notification. Caller holds n.mu.
func (n *Notifier) flushLocked() {
	if n.pending == nil {
		return
	}
	msg := *n.pending
	n.pending = nil
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}

	for _, sub := range n.subs {
		select {
		case sub.ch <- msg:
			metrics.NotificationsDelivered.Inc()
		default:
			metrics.NotificationsDropped.Inc()
			logging.Warn().
				Int("queue_depth", subscriberBuffer).
				Msg("Consumer queue full, dropping change notification")
		}
	}
}

// Close flushes pending work, stops delivery goroutines, and waits for
// in-flight consumer callbacks to finish. Idempotent.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.flushLocked()
	n.closed = true
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	n.wg.Wait()
}

// invokeConsumer calls a consumer, containing panics so one broken
// consumer cannot take the notifier down.
func invokeConsumer(fn Consumer, msg notification) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Msg("Consumer panicked during notification")
		}
	}()
	fn(msg.changes, msg.snapshot)
}
