package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/constants"
	apperrors "github.com/agentboard/agentboard/internal/common/errors"
	"github.com/agentboard/agentboard/internal/common/logger"
)

// ErrClientClosed is returned for calls pending when the client is closed.
var ErrClientClosed = fmt.Errorf("rpc client closed")

// Client correlates JSON-RPC 2.0 requests and responses over a Transport.
// Request ids are monotonic for the client's lifetime; each pending call
// has exactly one removal path, a matching response or its timeout.
type Client struct {
	transport Transport

	requestID atomic.Int64
	pending   map[int64]chan *Response
	mu        sync.Mutex

	// Notification handler; nil means notifications are dropped
	onNotification func(method string, params json.RawMessage)

	logger    *logger.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new RPC client and starts reading from the transport
func NewClient(transport Transport, log *logger.Logger) *Client {
	c := &Client{
		transport: transport,
		pending:   make(map[int64]chan *Response),
		logger:    log.WithFields(zap.String("component", "rpc-client")),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// SetNotificationHandler sets the handler for incoming notifications
func (c *Client) SetNotificationHandler(handler func(method string, params json.RawMessage)) {
	c.onNotification = handler
}

// Call sends a request and waits for the matching response, the timeout,
// or context cancellation. A zero timeout uses the default call timeout.
// Transport and gateway errors surface to the caller; the client never
// retries.
func (c *Client) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = constants.GatewayCallTimeout
	}

	select {
	case <-c.done:
		return nil, ErrClientClosed
	default:
	}

	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	req := &Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  paramsJSON,
	}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	// The pending entry is removed exactly once: here on timeout, error
	// or cancellation, or by handleResponse before delivery.
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := c.transport.Send(data); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, apperrors.GatewayTimeout(method, fmt.Errorf("no response within %s", timeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// Notify sends a notification (no response expected)
func (c *Client) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	notif := &Notification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return c.transport.Send(data)
}

// PendingCount returns the number of in-flight calls
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close detaches from the transport and fails every still-pending call
// with ErrClientClosed. No call outlives the client.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return c.transport.Close()
}

func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		case data, ok := <-c.transport.Receive():
			if !ok {
				return
			}
			c.handleMessage(data)
		}
	}
}

// handleMessage routes one inbound frame. Only messages with
// jsonrpc == "2.0" and a numeric id matching a pending call are treated as
// responses; notifications go to the handler and everything else is
// dropped, since the transport may carry unrelated traffic.
func (c *Client) handleMessage(data []byte) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err == nil && resp.JSONRPC == "2.0" && resp.ID != nil {
		c.handleResponse(&resp)
		return
	}

	var notif Notification
	if err := json.Unmarshal(data, &notif); err == nil && notif.Method != "" {
		if c.onNotification != nil {
			c.onNotification(notif.Method, notif.Params)
		}
		return
	}

	c.logger.Debug("ignoring unrecognized message", zap.String("data", string(data)))
}

func (c *Client) handleResponse(resp *Response) {
	c.mu.Lock()
	ch, ok := c.pending[*resp.ID]
	if ok {
		delete(c.pending, *resp.ID)
	}
	c.mu.Unlock()

	if ok {
		ch <- resp
	} else {
		// Late responses for timed-out calls land here
		c.logger.Debug("dropping response for unknown request", zap.Int64("id", *resp.ID))
	}
}
