package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const jsonrpcVersion = "2.0"

// ErrSessionExpired is returned by a transport when the server no longer
// recognises its session. The client answers it by repeating the
// initialize handshake.
var ErrSessionExpired = errors.New("mcp session expired")

// Transport delivers JSON-RPC messages to one MCP server.
type Transport interface {
	// Send delivers req and returns the response with the matching ID.
	Send(ctx context.Context, req *Request) (*Response, error)
	// Notify delivers a notification; no response is expected.
	Notify(ctx context.Context, notif *Notification) error
	// Close releases the transport. For stdio it stops the subprocess.
	Close() error
}

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest builds a request for method.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}
}

// Response is a JSON-RPC 2.0 response. A well-formed response carries
// either Result or Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a notification for method.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: jsonrpcVersion, Method: method, Params: params}
}
