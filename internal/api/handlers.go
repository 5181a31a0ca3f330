// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

package api

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/firegate/firegate/internal/engine"
	"github.com/firegate/firegate/internal/logging"
	"github.com/firegate/firegate/internal/models"
	"github.com/firegate/firegate/internal/msp"
	ws "github.com/firegate/firegate/internal/websocket"
)

// Handler serves the rule state endpoints from the engine registry.
type Handler struct {
	registry       *engine.Registry
	wsHub          *ws.Hub
	allowedOrigins []string
}

// NewHandler creates the API handler.
func NewHandler(registry *engine.Registry, wsHub *ws.Hub, allowedOrigins []string) *Handler {
	return &Handler{
		registry:       registry,
		wsHub:          wsHub,
		allowedOrigins: allowedOrigins,
	}
}

// snapshotResponse is the wire form of a box snapshot.
type snapshotResponse struct {
	BoxGID    string           `json:"boxGid"`
	Version   uint64           `json:"version"`
	FetchedAt time.Time        `json:"fetchedAt"`
	Fresh     bool             `json:"fresh"`
	Rules     []models.Rule    `json:"rules"`
	Stats     models.RuleStats `json:"stats"`
}

// Boxes lists the status of every managed box.
func (h *Handler) Boxes(w http.ResponseWriter, r *http.Request) {
	engines := h.registry.All()
	statuses := make([]engine.Status, 0, len(engines))
	for _, e := range engines {
		statuses = append(statuses, e.Status())
	}
	WriteSuccess(w, r, statuses)
}

// Box returns the status of one box.
func (h *Handler) Box(w http.ResponseWriter, r *http.Request) {
	e := h.engineFor(w, r)
	if e == nil {
		return
	}
	WriteSuccess(w, r, e.Status())
}

// Snapshot returns the current rule snapshot of one box. A stale
// snapshot is still served; clients inspect the fresh flag.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	e := h.engineFor(w, r)
	if e == nil {
		return
	}

	snap := e.GetCurrentSnapshot()
	WriteSuccess(w, r, snapshotResponse{
		BoxGID:    e.BoxGID(),
		Version:   snap.Version(),
		FetchedAt: snap.FetchedAt(),
		Fresh:     snap.Fresh(),
		Rules:     sortedRules(snap),
		Stats:     snap.Stats(),
	})
}

// Rules returns the rules of the current snapshot without metadata.
func (h *Handler) Rules(w http.ResponseWriter, r *http.Request) {
	e := h.engineFor(w, r)
	if e == nil {
		return
	}
	WriteSuccess(w, r, sortedRules(e.GetCurrentSnapshot()))
}

// Rule returns a single rule from the current snapshot.
func (h *Handler) Rule(w http.ResponseWriter, r *http.Request) {
	e := h.engineFor(w, r)
	if e == nil {
		return
	}

	rid := chi.URLParam(r, "rid")
	rule, ok := e.GetCurrentSnapshot().Rule(rid)
	if !ok {
		WriteNotFound(w, r, "rule not found: "+rid)
		return
	}
	WriteSuccess(w, r, rule)
}

// Stats returns aggregate rule statistics for one box.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	e := h.engineFor(w, r)
	if e == nil {
		return
	}
	WriteSuccess(w, r, e.GetCurrentSnapshot().Stats())
}

// PauseRule pauses a rule via the MSP and patches the snapshot on success.
func (h *Handler) PauseRule(w http.ResponseWriter, r *http.Request) {
	h.toggleRule(w, r, true)
}

// UnpauseRule resumes a paused rule.
func (h *Handler) UnpauseRule(w http.ResponseWriter, r *http.Request) {
	h.toggleRule(w, r, false)
}

func (h *Handler) toggleRule(w http.ResponseWriter, r *http.Request, paused bool) {
	e := h.engineFor(w, r)
	if e == nil {
		return
	}

	rid := chi.URLParam(r, "rid")
	rule, err := e.RequestPauseToggle(r.Context(), rid, paused)
	if err != nil {
		rw := NewResponseWriter(w, r)
		switch {
		case errors.Is(err, msp.ErrNotFound):
			rw.NotFound("rule not found: " + rid)
		case errors.Is(err, msp.ErrRateLimited):
			rw.TooManyRequests("MSP API rate limited, try again later")
		case errors.Is(err, msp.ErrAuthExpired):
			rw.Error(http.StatusBadGateway, ErrCodeUnauthenticated, "MSP access token expired")
		default:
			rw.UpstreamError(err)
		}
		return
	}
	WriteSuccess(w, r, rule)
}

// TriggerSync requests an immediate sync cycle for one box.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	e := h.engineFor(w, r)
	if e == nil {
		return
	}

	e.TriggerSync()
	w.WriteHeader(http.StatusAccepted)
}

// Health reports liveness plus per-box sync state. Returns 503 when
// every box is degraded or unauthenticated, so load balancers can act
// on total upstream loss while partial degradation stays 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	engines := h.registry.All()
	statuses := make([]engine.Status, 0, len(engines))
	healthy := 0
	for _, e := range engines {
		st := e.Status()
		if st.DegradedSince == nil && st.State != engine.StateUnauthenticated {
			healthy++
		}
		statuses = append(statuses, st)
	}

	body := map[string]interface{}{
		"status":     "ok",
		"boxes":      statuses,
		"ws_clients": h.wsHub.ClientCount(),
	}

	if len(engines) > 0 && healthy == 0 {
		body["status"] = "degraded"
		NewResponseWriter(w, r).writeJSON(http.StatusServiceUnavailable, APIResponse{Success: false, Data: body})
		return
	}
	WriteSuccess(w, r, body)
}

// WebSocket upgrades the connection and registers the client with the hub.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: 10 * time.Second,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("WebSocket upgrade error")
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	select {
	case h.wsHub.Register <- client:
		client.Start()
	case <-h.wsHub.Done():
		// Hub already stopped; refuse the connection.
		_ = conn.Close()
	}
}

// checkWebSocketOrigin validates connection origins against the
// configured CORS origins. Non-browser clients without an Origin
// header are accepted.
func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	// Same-host connections are always allowed.
	if parsed.Host == r.Host {
		return true
	}

	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	logging.Warn().Str("origin", origin).Msg("WebSocket connection rejected: origin not allowed")
	return false
}

// sortedRules flattens a snapshot's rule map into a slice ordered by
// rule ID, so response payloads are deterministic.
func sortedRules(snap *models.Snapshot) []models.Rule {
	ids := snap.IDs()
	rules := make([]models.Rule, 0, len(ids))
	for _, id := range ids {
		if r, ok := snap.Rule(id); ok {
			rules = append(rules, r)
		}
	}
	return rules
}

// engineFor resolves the {gid} route parameter, writing a 404 and
// returning nil when the box is not managed.
func (h *Handler) engineFor(w http.ResponseWriter, r *http.Request) *engine.Engine {
	gid := chi.URLParam(r, "gid")
	e := h.registry.Get(gid)
	if e == nil {
		WriteNotFound(w, r, "box not found: "+gid)
		return nil
	}
	return e
}
