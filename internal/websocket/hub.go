// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/tomtom215/locus/internal/logging"
	"github.com/tomtom215/locus/internal/metrics"
	"github.com/tomtom215/locus/internal/models"
)

// Message types
const (
	MessageTypeLocation = "location"
	MessageTypeStatus   = "status"
	MessageTypePing     = "ping"
	MessageTypePong     = "pong"
)

// Message is a single frame sent to clients.
type Message struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id,omitempty"`
	Data      any    `json:"data"`
}

// LocationData is the payload of a location message.
type LocationData struct {
	DeviceID string                `json:"device_id"`
	Record   models.LocationRecord `json:"record"`
	At       string                `json:"at"`
}

// LocationSource yields accepted location updates until ctx is done.
type LocationSource interface {
	SubscribeLocations(ctx context.Context) (<-chan models.LocationUpdate, error)
}

// Hub tracks connected clients and broadcasts to them.
type Hub struct {
	source    LocationSource
	broadcast chan Message

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates a hub fed by source. A nil source means only Broadcast
// reaches clients.
func NewHub(source LocationSource) *Hub {
	return &Hub{
		source:    source,
		broadcast: make(chan Message, 256),
		clients:   make(map[*Client]struct{}),
	}
}

// Register adds a client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.StreamClients.Set(float64(n))
	logging.Debug().Uint64("client_id", c.id).Str("account_id", c.account).Int("total_clients", n).Msg("stream client connected")
}

// Unregister removes a client and closes its send channel. Unknown clients
// are ignored.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	removed := h.removeLocked(c)
	n := len(h.clients)
	h.mu.Unlock()
	if removed {
		metrics.StreamClients.Set(float64(n))
		logging.Debug().Uint64("client_id", c.id).Int("total_clients", n).Msg("stream client disconnected")
	}
}

func (h *Hub) removeLocked(c *Client) bool {
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	close(c.send)
	return true
}

// sendTo queues msg for c without blocking. It reports false once c is no
// longer registered.
func (h *Hub) sendTo(c *Client, msg Message) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- msg:
	default:
	}
	return true
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for every client bound to accountID, or for
// all clients when accountID is empty. It never blocks.
func (h *Hub) Broadcast(messageType, accountID string, data any) {
	select {
	case h.broadcast <- Message{Type: messageType, AccountID: accountID, Data: data}:
	default:
		logging.Warn().Str("message_type", messageType).Msg("broadcast channel full, dropping message")
	}
}

// RunWithContext delivers updates and broadcasts until ctx is cancelled,
// then disconnects every client.
func (h *Hub) RunWithContext(ctx context.Context) error {
	var updates <-chan models.LocationUpdate
	if h.source != nil {
		ch, err := h.source.SubscribeLocations(ctx)
		if err != nil {
			logging.Warn().Err(err).Msg("location stream unavailable, serving broadcasts only")
		} else {
			updates = ch
		}
	}

	for {
		select {
		case <-ctx.Done():
			n := h.closeAll()
			logging.Info().Str("component", "stream-hub").Int("clients_closed", n).Msg("stream hub stopped")
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			h.deliver(locationMessage(u))
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func locationMessage(u models.LocationUpdate) Message {
	return Message{
		Type:      MessageTypeLocation,
		AccountID: u.AccountID,
		Data: LocationData{
			DeviceID: u.DeviceID,
			Record:   u.Record,
			At:       u.At.UTC().Format("2006-01-02T15:04:05Z07:00"),
		},
	}
}

// sortedLocked returns clients in connection order. Callers hold h.mu.
func (h *Hub) sortedLocked() []*Client {
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	return clients
}

func (h *Hub) deliver(msg Message) {
	h.mu.Lock()
	var dropped int
	for _, c := range h.sortedLocked() {
		if !c.wants(msg.AccountID) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.removeLocked(c)
			dropped++
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	if dropped > 0 {
		metrics.StreamClients.Set(float64(n))
		logging.Warn().Int("dropped", dropped).Msg("dropped slow stream clients")
	}
}

func (h *Hub) closeAll() int {
	h.mu.Lock()
	clients := h.sortedLocked()
	for _, c := range clients {
		h.removeLocked(c)
	}
	h.mu.Unlock()
	metrics.StreamClients.Set(0)
	return len(clients)
}
