// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

// Package main is the entry point for the firegated daemon.
//
// Firegate keeps a local, queryable mirror of the policy rules of one
// or more Firewalla boxes managed through an MSP account. Each box gets
// its own supervised sync engine that polls the MSP API, detects rule
// changes, and broadcasts them to WebSocket subscribers. The HTTP API
// serves the mirrored state without touching the MSP.
//
// # Startup Order
//
//  1. Configuration: Koanf v2 layered sources (defaults, config.yaml,
//     environment variables)
//  2. Logging: zerolog, configured from the logging section
//  3. MSP transport: shared rate-limited HTTP client per MSP domain
//  4. Engines: one per configured box, wrapped in a circuit breaker
//  5. WebSocket hub: real-time change notifications
//  6. HTTP server: REST API, health, and Prometheus metrics
//
// All long-running components run under a suture supervisor tree and
// are restarted on crash, except an engine that hit a fatal token
// expiry, which stays halted until the process is restarted with a
// fresh token.
//
// # Configuration
//
// Minimal environment for a single box:
//
//	export MSP_DOMAIN=mydomain.firewalla.net
//	export MSP_ACCESS_TOKEN=your-msp-token
//	export BOX_GID=your-box-gid
//	./firegated
//
// Multiple boxes and per-box rule filters require a config file; see
// config.yaml.example.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server drains
// in-flight requests (10s timeout), engines finish their current sync
// cycle, and the WebSocket hub closes client connections.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/firegate/firegate/internal/api"
	"github.com/firegate/firegate/internal/config"
	"github.com/firegate/firegate/internal/engine"
	"github.com/firegate/firegate/internal/logging"
	"github.com/firegate/firegate/internal/msp"
	"github.com/firegate/firegate/internal/supervisor"
	ws "github.com/firegate/firegate/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("msp_domain", cfg.MSP.Domain).
		Int("boxes", len(cfg.Boxes)).
		Dur("poll_interval", cfg.Sync.PollInterval).
		Msg("Starting Firegate")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Supervisor events log through zerolog via the slog bridge.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	// One shared session and transport per MSP domain; the rate limit
	// ceiling covers all boxes on the account.
	session := msp.NewSession(cfg.MSP.AccessToken, nil)
	transport := msp.NewTransport(session, msp.TransportOptions{
		RequestTimeout: cfg.Sync.RequestTimeout,
		RatePerMinute:  cfg.Sync.RatePerMinute,
		BackoffBase:    cfg.Sync.BackoffBase,
		BackoffCap:     cfg.Sync.BackoffCap,
		MaxRetries:     cfg.Sync.MaxRetries,
	})

	hub := ws.NewHub()
	tree.AddMessagingService(hub)

	registry := engine.NewRegistry()
	for _, box := range cfg.Boxes {
		var client msp.RuleAPI = msp.NewClient(transport, cfg.MSP.Domain, box.GID)
		if cfg.Sync.CircuitBreaker {
			client = msp.NewBreakerClient(client, "msp-"+box.GID)
		}

		eng := engine.New(box.GID, client, engine.Options{
			PollInterval:     cfg.Sync.PollInterval,
			DebounceWindow:   cfg.Sync.DebounceWindow,
			CounterSensitive: cfg.Sync.CounterSensitive,
			IncludeFilters:   box.IncludeFilters,
			ExcludeFilters:   box.ExcludeFilters,
		})
		eng.Subscribe(hub.EngineConsumer(box.GID))

		registry.Register(eng)
		tree.AddSyncService(eng)
		logging.Info().
			Str("gid", box.GID).
			Str("name", box.Name).
			Int("include_filters", len(box.IncludeFilters)).
			Int("exclude_filters", len(box.ExcludeFilters)).
			Msg("Sync engine added to supervisor tree")
	}

	handler := api.NewHandler(registry, hub, cfg.Server.CORSOrigins)
	middleware := api.NewMiddleware(&api.MiddlewareConfig{
		CORSAllowedOrigins: cfg.Server.CORSOrigins,
		CORSAllowedMethods: []string{"GET", "POST", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization"},
		CORSMaxAge:         86400,
		RateLimitRequests:  cfg.Server.RateLimitReqs,
		RateLimitWindow:    time.Minute,
	})
	router := api.NewRouter(handler, middleware)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
		IdleTimeout:       120 * time.Second,
	}
	tree.AddAPIService(supervisor.NewHTTPService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Firegate stopped gracefully")
}
