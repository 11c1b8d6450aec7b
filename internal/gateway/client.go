// Package gateway provides a typed client for the gateway daemon's
// auxiliary RPC surface. Agent sessions themselves are opened by the
// spawned child processes, not through this client.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/gateway/rpc"
)

// Model describes one model exposed by the gateway
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Provider    string `json:"provider,omitempty"`
	Description string `json:"description,omitempty"`
}

// HistoryMessage is one message in a session's transcript
type HistoryMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Client wraps the RPC client with typed methods for the gateway calls
// the work loop makes. Arbitrary methods remain reachable via Call.
type Client struct {
	rpc         *rpc.Client
	callTimeout time.Duration
}

// NewClient creates a gateway client over the given transport
func NewClient(transport rpc.Transport, callTimeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		rpc:         rpc.NewClient(transport, log),
		callTimeout: callTimeout,
	}
}

// Close releases the underlying RPC client and transport
func (c *Client) Close() error {
	return c.rpc.Close()
}

// Call invokes an arbitrary gateway method
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return c.rpc.Call(ctx, method, params, c.callTimeout)
}

// Health checks gateway liveness
func (c *Client) Health(ctx context.Context) error {
	_, err := c.rpc.Call(ctx, "health", nil, c.callTimeout)
	return err
}

// ListModels returns the models the gateway can run sessions with
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	result, err := c.rpc.Call(ctx, "models/list", nil, c.callTimeout)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Models []Model `json:"models"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, err
	}
	return payload.Models, nil
}

// SessionHistory fetches the transcript of a session by key
func (c *Client) SessionHistory(ctx context.Context, sessionKey string) ([]HistoryMessage, error) {
	params := map[string]string{"session_key": sessionKey}
	result, err := c.rpc.Call(ctx, "session/history", params, c.callTimeout)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Messages []HistoryMessage `json:"messages"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, err
	}
	return payload.Messages, nil
}

// CancelSession asks the gateway to cancel a running session
func (c *Client) CancelSession(ctx context.Context, sessionKey string) error {
	params := map[string]string{"session_key": sessionKey}
	_, err := c.rpc.Call(ctx, "session/cancel", params, c.callTimeout)
	return err
}
