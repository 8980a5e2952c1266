package mcp

import (
	"context"
	"encoding/json"

	"github.com/surfari/surfari/internal/observability"
)

// Transport is the wire layer under a Session. Both transports carry the
// same JSON-RPC contract.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close closes the transport connection.
	Close() error

	// Call sends a request and waits for a response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Events returns a channel for receiving notifications from the server.
	Events() <-chan *JSONRPCNotification

	// Connected returns whether the transport is connected.
	Connected() bool
}

// NewTransport creates a transport for the server configuration: HTTP when a
// URL is set, otherwise a child-process pipe.
func NewTransport(cfg *ServerConfig, logger *observability.Logger) Transport {
	switch cfg.Transport() {
	case TransportHTTP:
		return NewHTTPTransport(cfg, logger)
	default:
		return NewStdioTransport(cfg, logger)
	}
}
