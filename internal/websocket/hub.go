// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

// Package websocket pushes rule change notifications to connected UI
// clients. The hub subscribes to each engine's change notifier and
// broadcasts every (changeset, snapshot stats) pair; clients that fall
// behind are dropped rather than allowed to block delivery.
package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/firegate/firegate/internal/engine"
	"github.com/firegate/firegate/internal/logging"
	"github.com/firegate/firegate/internal/metrics"
	"github.com/firegate/firegate/internal/models"
)

// Message types sent to clients.
const (
	MessageTypeRuleChanges = "rule_changes"
	MessageTypeSyncStatus  = "sync_status"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
)

// Message is the wire envelope for hub broadcasts.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// RuleChangesPayload is the body of a rule_changes message. Added,
// modified, and removed IDs are each sorted; consumers apply them in
// that order.
type RuleChangesPayload struct {
	BoxGID          string           `json:"boxGid"`
	Changes         models.ChangeSet `json:"changes"`
	SnapshotVersion uint64           `json:"snapshotVersion"`
	SnapshotFresh   bool             `json:"snapshotFresh"`
	Stats           models.RuleStats `json:"stats"`
}

// Hub maintains the set of active clients and broadcasts messages.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	done       chan struct{}
	mu         sync.Mutex
}

// NewHub creates a hub. Run it with RunWithContext, typically under the
// supervision tree.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Done is closed when the hub's run loop has exited. Registration and
// teardown paths select on it so a client pump never blocks sending to
// a channel nobody is draining anymore.
func (h *Hub) Done() <-chan struct{} { return h.done }

// EngineConsumer returns a change consumer that broadcasts every
// notification for the given box. Wire it up with engine.Subscribe.
func (h *Hub) EngineConsumer(boxGID string) engine.Consumer {
	return func(changes models.ChangeSet, snapshot *models.Snapshot) {
		h.BroadcastJSON(MessageTypeRuleChanges, RuleChangesPayload{
			BoxGID:          boxGID,
			Changes:         changes,
			SnapshotVersion: snapshot.Version(),
			SnapshotFresh:   snapshot.Fresh(),
			Stats:           snapshot.Stats(),
		})
	}
}

// BroadcastJSON queues a message for all connected clients. Never
// blocks; if the hub's queue is full the message is dropped.
func (h *Hub) BroadcastJSON(messageType string, data any) {
	select {
	case h.broadcast <- Message{Type: messageType, Data: data}:
	default:
		metrics.NotificationsDropped.Inc()
		logging.Warn().Str("type", messageType).Msg("WebSocket broadcast queue full, dropping message")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// RunWithContext runs the hub until the context is canceled, then
// closes all clients. Implements suture.Service.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			close(h.done)
			logging.Info().Str("component", "websocket-hub").Msg("WebSocket hub stopped")
			return ctx.Err()

		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(count))
			logging.Info().Int("clients", count).Msg("WebSocket client connected")

		case client := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(count))
			logging.Info().Int("clients", count).Msg("WebSocket client disconnected")

		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

// Serve implements suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	return h.RunWithContext(ctx)
}

// String implements fmt.Stringer for supervisor logging.
func (h *Hub) String() string { return "websocket-hub" }

// broadcastToClients delivers one message to every client in ID order.
// A client whose queue is full is disconnected; it can reconnect and
// re-read the snapshot, which is always the authoritative state.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			close(client.send)
			delete(h.clients, client)
		}
	}
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	metrics.WebSocketClients.Set(0)
}
