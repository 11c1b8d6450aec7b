package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
)

// Client is one connected WebSocket consumer of the event feed
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	taskIDs map[string]bool // empty = receive everything

	// sendMu orders Send against closeSend. The hub snapshots clients
	// before sending, so a client unregistered between the snapshot and
	// the send must not have its channel closed under the sender.
	sendMu sync.Mutex
	closed bool

	logger *logger.Logger
}

// SubscriptionMessage is sent by clients to narrow or widen the feed
type SubscriptionMessage struct {
	Action  string   `json:"action"` // subscribe, unsubscribe
	TaskIDs []string `json:"task_ids"`
}

// ReadPump reads filter updates from the WebSocket connection
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			break
		}

		var subMsg SubscriptionMessage
		if err := json.Unmarshal(message, &subMsg); err != nil {
			c.logger.Warn("Invalid subscription message", zap.Error(err))
			continue
		}

		switch subMsg.Action {
		case "subscribe":
			for _, taskID := range subMsg.TaskIDs {
				c.Subscribe(taskID)
			}
		case "unsubscribe":
			for _, taskID := range subMsg.TaskIDs {
				c.Unsubscribe(taskID)
			}
		default:
			c.logger.Warn("Unknown action", zap.String("action", subMsg.Action))
		}
	}
}

// WritePump writes queued events to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues a message for the client, reporting false when the buffer
// is full or the client is already disconnecting
func (c *Client) Send(msg []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close disconnects the client from the hub
func (c *Client) Close() {
	c.hub.Unregister(c)
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Subscribe narrows the feed to include the task
func (c *Client) Subscribe(taskID string) {
	c.mu.Lock()
	c.taskIDs[taskID] = true
	c.mu.Unlock()
	c.logger.Debug("Subscribed to task", zap.String("task_id", taskID))
}

// Unsubscribe removes the task from the client's filter
func (c *Client) Unsubscribe(taskID string) {
	c.mu.Lock()
	delete(c.taskIDs, taskID)
	c.mu.Unlock()
	c.logger.Debug("Unsubscribed from task", zap.String("task_id", taskID))
}

// IsSubscribed returns true if the client's filter includes the task
func (c *Client) IsSubscribed(taskID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.taskIDs[taskID]
}

// wants reports whether the client should receive an event for the task.
// A client with no filter receives the full feed; events without a task
// (cleanup passes, run-log notices) always go through.
func (c *Client) wants(taskID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.taskIDs) == 0 || taskID == "" {
		return true
	}
	return c.taskIDs[taskID]
}
