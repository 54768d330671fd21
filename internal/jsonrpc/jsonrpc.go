// Package jsonrpc implements the JSON-RPC 2.0 framing shared by the stdio
// frontend and the skill subprocess pipes. Messages are one JSON object per
// line; ids correlate requests with responses.
package jsonrpc

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Version is the protocol version tag on every message.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// Request represents a JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool { return r.ID == nil }

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsError reports whether the response carries an error object.
func (r *Response) IsError() bool { return r.Error != nil }

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IDGenerator hands out monotonically increasing numeric request ids.
type IDGenerator struct {
	counter atomic.Int64
}

// NewIDGenerator returns a generator starting at 1.
func NewIDGenerator() *IDGenerator { return &IDGenerator{} }

// Next returns the next id.
func (g *IDGenerator) Next() int64 { return g.counter.Add(1) }

// NewRequest builds a request with marshalled params.
func NewRequest(id any, method string, params any) (*Request, error) {
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

// NewNotification builds a request without an id.
func NewNotification(method string, params any) (*Request, error) {
	return NewRequest(nil, method, params)
}

// NewResponse builds a success response with a marshalled result.
func NewResponse(id any, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id any, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// DecodeRequest parses and validates one request line.
func DecodeRequest(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, &Error{Code: CodeParseError, Message: "parse error", Data: err.Error()}
	}
	if req.JSONRPC != Version {
		return nil, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC)}
	}
	return &req, nil
}

// DecodeResponse parses and validates one response line.
func DecodeResponse(line []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, &Error{Code: CodeParseError, Message: "parse error", Data: err.Error()}
	}
	if resp.JSONRPC != Version {
		return nil, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("unsupported jsonrpc version %q", resp.JSONRPC)}
	}
	return &resp, nil
}

// NormalizeID converts decoded ids to a comparable map key. JSON numbers
// decode as float64; numeric ids are folded to int64 so a response id
// matches the id the caller registered.
func NormalizeID(id any) any {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	default:
		return id
	}
}
