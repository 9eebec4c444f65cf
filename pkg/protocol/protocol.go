// Package protocol defines the JSON-RPC 2.0 envelope the gateway speaks on
// both sides: inbound from AI clients and outbound to capability providers.
// The envelope shape (jsonrpc, id, method, params, result, error) is preserved
// literally end-to-end because downstream client integrations depend on it.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version carried in every envelope.
const Version = "2.0"

// MCPProtocolVersion is the MCP revision advertised during initialize.
const MCPProtocolVersion = "2024-11-05"

// Well-known MCP method names routed by the gateway.
const (
	MethodInitialize    = "initialize"
	MethodPing          = "ping"
	MethodListTools     = "tools/list"
	MethodCallTool      = "tools/call"
	MethodListResources = "resources/list"
	MethodReadResource  = "resources/read"
	MethodListPrompts   = "prompts/list"
	MethodGetPrompt     = "prompts/get"
)

// Error codes emitted by the gateway. The -32600..-32700 range follows the
// JSON-RPC 2.0 specification; the -32000 range carries gateway conditions.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeNotFound      = -32001
	CodeRequestFailed = -32002
	CodeTimeout       = -32003
)

// Request is a JSON-RPC 2.0 request. An empty ID marks a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a request envelope, marshaling params when present.
func NewRequest(id, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, ID: id, Method: method}
	if params == nil {
		return req, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal params for %s: %w", method, err)
	}
	req.Params = raw
	return req, nil
}

// Response is a JSON-RPC 2.0 response as read off the wire. Method and Params
// are populated when a provider emits a notification instead of a reply.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Valid reports whether the envelope declares the expected protocol version.
func (r *Response) Valid() bool {
	return r != nil && r.JSONRPC == Version
}

// IsNotification reports whether the message is a provider notification
// rather than a reply to a pending request.
func (r *Response) IsNotification() bool {
	return r.Method != "" && len(r.ID) == 0
}

// CorrelationID normalizes the response identifier for matching against the
// string identifiers the gateway issues. Numeric identifiers are returned in
// their raw textual form so they never collide with issued UUIDs.
func (r *Response) CorrelationID() string {
	if len(r.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.ID, &s); err == nil {
		return s
	}
	return string(r.ID)
}

// Error is a JSON-RPC 2.0 error object. It implements the error interface so
// provider-reported errors can travel through ordinary Go error returns and be
// recovered verbatim with errors.As.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
