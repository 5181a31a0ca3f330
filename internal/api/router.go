// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router wires the API handlers onto a chi router.
type Router struct {
	handler    *Handler
	middleware *Middleware
}

// NewRouter creates the router from its handler and middleware factory.
func NewRouter(handler *Handler, middleware *Middleware) *Router {
	return &Router{
		handler:    handler,
		middleware: middleware,
	}
}

// Routes builds the HTTP handler tree.
func (router *Router) Routes() http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to every route in order.
	r.Use(CorrelationID())
	r.Use(RequestLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.middleware.CORS())

	// Health and metrics sit outside the versioned API so probes and
	// scrapers keep short, stable paths.
	r.Group(func(r chi.Router) {
		r.Use(router.middleware.RateLimitHealth())
		r.Get("/healthz", router.handler.Health)
		r.Handle("/metrics", promhttp.Handler())
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(SecurityHeaders())

		// Read endpoints serve from the in-memory snapshot and never
		// touch the MSP.
		r.Group(func(r chi.Router) {
			r.Use(router.middleware.RateLimit())
			r.Get("/boxes", router.handler.Boxes)
			r.Get("/boxes/{gid}", router.handler.Box)
			r.Get("/boxes/{gid}/snapshot", router.handler.Snapshot)
			r.Get("/boxes/{gid}/rules", router.handler.Rules)
			r.Get("/boxes/{gid}/rules/{rid}", router.handler.Rule)
			r.Get("/boxes/{gid}/stats", router.handler.Stats)
		})

		// Write endpoints cost an MSP round trip each.
		r.Group(func(r chi.Router) {
			r.Use(router.middleware.RateLimitWrite())
			r.Post("/boxes/{gid}/rules/{rid}/pause", router.handler.PauseRule)
			r.Post("/boxes/{gid}/rules/{rid}/unpause", router.handler.UnpauseRule)
			r.Post("/boxes/{gid}/sync", router.handler.TriggerSync)
		})
	})

	r.Get("/ws", router.handler.WebSocket)

	return r
}
