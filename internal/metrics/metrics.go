// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

// Package metrics defines the Prometheus instrumentation for Firegate:
// MSP request outcomes, rate-limit and backoff behavior, circuit
// breaker state, sync cycle results, snapshot population, and notifier
// delivery health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MSP transport metrics

	MSPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firegate_msp_requests_total",
			Help: "Total MSP API requests by operation and outcome",
		},
		[]string{"operation", "outcome"}, // outcome: success, timeout, rate_limited, auth_expired, unreachable, not_found, malformed
	)

	MSPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "firegate_msp_request_duration_seconds",
			Help:    "Duration of MSP API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	MSPRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firegate_msp_retries_total",
			Help: "Total backoff retries of MSP requests",
		},
		[]string{"operation"},
	)

	MSPRateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "firegate_msp_rate_limit_wait_seconds",
			Help:    "Time spent waiting for rate budget capacity",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	MSPTokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firegate_msp_token_refreshes_total",
			Help: "Total MSP token refresh attempts by outcome",
		},
		[]string{"outcome"}, // success, failure
	)

	// Circuit breaker metrics

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "firegate_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firegate_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Sync engine metrics

	SyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firegate_sync_cycles_total",
			Help: "Total sync cycles by box and result",
		},
		[]string{"box", "result"}, // result: success, degraded, unauthenticated
	)

	SyncCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "firegate_sync_cycle_duration_seconds",
			Help:    "Duration of full sync cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"box"},
	)

	SnapshotRules = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "firegate_snapshot_rules",
			Help: "Rules in the current snapshot by box and state",
		},
		[]string{"box", "state"}, // state: active, paused
	)

	SnapshotFresh = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "firegate_snapshot_fresh",
			Help: "Whether the current snapshot is fresh (1) or stale (0)",
		},
		[]string{"box"},
	)

	ChangesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firegate_rule_changes_total",
			Help: "Rule changes detected by box and kind",
		},
		[]string{"box", "kind"}, // kind: added, removed, modified
	)

	RulesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firegate_rules_skipped_total",
			Help: "Rule records skipped during mapping by reason",
		},
		[]string{"reason"}, // malformed, disabled
	)

	PauseCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firegate_pause_commands_total",
			Help: "Pause/unpause commands by box and outcome",
		},
		[]string{"box", "outcome"},
	)

	// Notifier metrics

	NotificationsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "firegate_notifications_delivered_total",
			Help: "Change notifications delivered to consumers",
		},
	)

	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "firegate_notifications_dropped_total",
			Help: "Change notifications dropped because a consumer queue was full",
		},
	)

	// WebSocket metrics

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "firegate_websocket_clients",
			Help: "Currently connected WebSocket clients",
		},
	)
)
