// Package rpc is a JSON-RPC 2.0 client for external tool providers, reached
// over HTTP or a subprocess's stdio.
package rpc

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Version is the JSON-RPC protocol version.
const Version = "2.0"

// Provider method names.
const (
	MethodInitialize = "initialize"
	MethodListTools  = "tools/list"
	MethodCallTool   = "tools/call"
)

// ProtocolVersion is sent during the initialize handshake.
const ProtocolVersion = "2024-11-05"

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Request is a JSON-RPC request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a JSON-RPC response. ID is kept raw because servers may echo
// string ids as numbers.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IDString returns the response id without JSON quoting.
func (r *Response) IDString() string {
	var s string
	if json.Unmarshal(r.ID, &s) == nil {
		return s
	}
	return string(r.ID)
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("JSON-RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// IDGenerator hands out request ids unique within one client.
type IDGenerator struct {
	counter atomic.Int64
}

// Next returns the next id.
func (g *IDGenerator) Next() string {
	return fmt.Sprintf("%d", g.counter.Add(1))
}

// NewRequest builds a request.
func NewRequest(id, method string, params any) Request {
	return Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

func decodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "failed to parse JSON-RPC response", Data: err.Error()}
	}
	if resp.JSONRPC != Version {
		return nil, &RPCError{Code: InvalidRequest, Message: fmt.Sprintf("invalid JSON-RPC version: %q", resp.JSONRPC)}
	}
	return &resp, nil
}

func decodeBatch(data []byte) (map[string]*Response, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "failed to parse JSON-RPC batch response", Data: err.Error()}
	}
	out := make(map[string]*Response, len(raw))
	for _, item := range raw {
		resp, err := decodeResponse(item)
		if err != nil {
			return nil, err
		}
		out[resp.IDString()] = resp
	}
	return out, nil
}
