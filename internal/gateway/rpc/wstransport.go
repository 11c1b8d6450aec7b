package rpc

import (
	"fmt"
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

// WSTransport is a Transport over a WebSocket connection to the gateway
type WSTransport struct {
	conn    *websocket.Conn
	recv    chan []byte
	logger  *logger.Logger
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*WSTransport)(nil)

// DialWS connects to the gateway's WebSocket endpoint
func DialWS(url string, log *logger.Logger) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway at %s: %w", url, err)
	}

	t := &WSTransport{
		conn:   conn,
		recv:   make(chan []byte, 64),
		logger: log.WithFields(zap.String("component", "ws-transport")),
		done:   make(chan struct{}),
	}

	go t.readPump()
	go t.pingLoop()

	return t, nil
}

// Send writes one message to the gateway
func (t *WSTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive returns the inbound message channel
func (t *WSTransport) Receive() <-chan []byte {
	return t.recv
}

// Close tears down the connection
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		t.conn.SetWriteDeadline(time.Now().Add(writeWait))
		t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *WSTransport) readPump() {
	defer close(t.recv)

	t.conn.SetReadLimit(maxMessageSize)
	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				t.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		select {
		case t.recv <- message:
		case <-t.done:
			return
		}
	}
}

func (t *WSTransport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}
