// Package streaming pushes work-loop events to dashboard clients over
// WebSocket. The hub relays everything published on workloop.> subjects;
// clients can narrow the feed to specific tasks.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/events/bus"
)

const sendBufferSize = 256

// Hub fans work-loop events out to connected WebSocket clients
type Hub struct {
	eventBus bus.EventBus
	logger   *logger.Logger

	mu      sync.RWMutex
	clients map[*Client]bool

	sub bus.Subscription
}

// NewHub creates a streaming hub
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "streaming_hub")),
		clients:  make(map[*Client]bool),
	}
}

// Start subscribes the hub to all work-loop subjects
func (h *Hub) Start() error {
	sub, err := h.eventBus.Subscribe("workloop.>", h.handleEvent)
	if err != nil {
		return err
	}
	h.sub = sub
	h.logger.Info("streaming hub started")
	return nil
}

// Stop unsubscribes and disconnects all clients
func (h *Hub) Stop() {
	if h.sub != nil {
		if err := h.sub.Unsubscribe(); err != nil {
			h.logger.Warn("failed to unsubscribe from event bus", zap.Error(err))
		}
		h.sub = nil
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
	}
	h.logger.Info("streaming hub stopped", zap.Int("disconnected", len(clients)))
}

// Register attaches a WebSocket connection as a new client. The caller
// starts the client's pumps.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		taskIDs: make(map[string]bool),
		logger:  h.logger,
	}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	h.logger.Debug("client registered", zap.Int("clients", h.ClientCount()))
	return client
}

// Unregister detaches a client from the hub
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	registered := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if registered {
		c.closeSend()
		h.logger.Debug("client unregistered", zap.Int("clients", h.ClientCount()))
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleEvent relays one bus event to every interested client
func (h *Hub) handleEvent(ctx context.Context, event *bus.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("failed to marshal event", zap.String("type", event.Type), zap.Error(err))
		return nil
	}

	taskID, _ := event.Data["task_id"].(string)

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.wants(taskID) {
			continue
		}
		if !c.Send(payload) {
			h.logger.Warn("client send buffer full, dropping event",
				zap.String("type", event.Type))
		}
	}
	return nil
}
