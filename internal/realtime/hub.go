// Package realtime streams task status changes to browsers watching a room.
// Workers publish through Redis pub/sub; each API instance relays the events
// to its local WebSocket clients.
package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Hub maintains room_id -> set of connections and broadcasts messages.
// Rooms are recording types; a client watches one room at a time.
type Hub struct {
	// roomID -> map[clientID]*Client
	rooms  map[int64]map[string]*Client
	subs   map[int64]func() // cancel Redis subscription per room
	mu     sync.RWMutex
	logger *zap.Logger
	sub    RoomSubscriber
}

// RoomSubscriber subscribes to room channels and invokes handler for incoming
// events. Nil disables cross-instance relay (single-instance deployments).
type RoomSubscriber interface {
	SubscribeRoom(roomID int64, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger, sub RoomSubscriber) *Hub {
	return &Hub{
		rooms:  make(map[int64]map[string]*Client),
		subs:   make(map[int64]func()),
		logger: logger,
		sub:    sub,
	}
}

// Register adds a client to a room. The first client of a room starts its
// Redis subscription.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.rooms[c.RoomID] == nil {
		h.rooms[c.RoomID] = make(map[string]*Client)
		if h.sub != nil {
			cancel, err := h.sub.SubscribeRoom(c.RoomID, func(event string, payload []byte) {
				h.BroadcastToRoom(c.RoomID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[c.RoomID] = cancel
			} else {
				h.logger.Warn("subscribe room channel", zap.Int64("room_id", c.RoomID), zap.Error(err))
			}
		}
	}
	h.rooms[c.RoomID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client joined room",
		zap.String("client_id", c.ID), zap.Int64("room_id", c.RoomID))
}

// Unregister removes a client from a room. The last client leaving a room
// cancels its Redis subscription.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.rooms[c.RoomID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.rooms, c.RoomID)
			if cancel, ok := h.subs[c.RoomID]; ok {
				cancel()
				delete(h.subs, c.RoomID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client left room",
		zap.String("client_id", c.ID), zap.Int64("room_id", c.RoomID))
}

// BroadcastToRoom sends a message to all local clients in a room.
func (h *Hub) BroadcastToRoom(roomID int64, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	clients := h.rooms[roomID]
	h.mu.RUnlock()

	if clients == nil {
		return
	}
	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// WatcherCount returns the number of connected clients in a room.
func (h *Hub) WatcherCount(roomID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
