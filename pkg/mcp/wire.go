// Package mcp provides the JSON-RPC 2.0 wire types and helpers for the
// line-delimited tool protocol spoken between the gateway and its backends.
//
// One JSON object per newline-terminated line. Requests carry a numeric id;
// objects without an id are notifications. The types here marshal ids as raw
// JSON so that both numeric and string ids survive a round trip.
package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the JSON-RPC protocol version carried on every message.
const Version = "2.0"

// ProtocolVersion is the tool-protocol revision sent during initialize.
const ProtocolVersion = "2024-11-05"

// Well-known method names.
const (
	MethodInitialize = "initialize"
	MethodListTools  = "tools/list"
	MethodCallTool   = "tools/call"
)

// Request is an outbound JSON-RPC request or notification.
// A nil ID marks a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an inbound JSON-RPC response. Exactly one of Result and Error
// is set on a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC error member.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so backend protocol errors can be
// propagated with %w.
func (e *ErrorObject) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes used by the gateway surface.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// NumericID renders a monotonically allocated request id as raw JSON.
func NumericID(n int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(n, 10))
}

// ParseNumericID extracts an int64 id from a raw JSON id.
// Returns false for string, null, or absent ids.
func ParseNumericID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// NewRequest builds a request with marshaled params.
func NewRequest(id json.RawMessage, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	return req, nil
}

// NewResultResponse builds a success response carrying result.
func NewResultResponse(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: &ErrorObject{Code: code, Message: message}}
}

// DecodeLine parses one inbound line. It returns a *Request for objects
// carrying a method and a *Response otherwise. Lines that do not parse as a
// JSON object yield an error; the proxy discards them silently per protocol.
func DecodeLine(line []byte) (*Request, *Response, error) {
	var probe struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, nil, fmt.Errorf("decode line: %w", err)
	}
	if probe.Method != "" {
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, nil, fmt.Errorf("decode request: %w", err)
		}
		return &req, nil, nil
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}
	return nil, &resp, nil
}

// Tool describes one operation advertised by a backend via tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult is the result shape of tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams is the params shape of tools/call.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// InitializeParams is the params shape of initialize.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// ClientInfo identifies the gateway to a backend during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ContentItem is one element of a tool result content array.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextResult wraps JSON text as the single-element content array returned by
// the gateway's own tool surface.
func TextResult(text string) map[string]any {
	return map[string]any{
		"content": []ContentItem{{Type: "text", Text: text}},
	}
}
