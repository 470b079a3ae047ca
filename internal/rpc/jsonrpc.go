// Package rpc is the JSON-RPC 2.0 front door: it turns message/send,
// tasks/get, tasks/cancel, tasks/list and tasks/retryWebhook requests
// into task service and payment gate calls.
package rpc

import "encoding/json"

// JSON-RPC 2.0 error codes. The -3200x range is this system's own.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeTaskNotFound    = -32001
	CodeAgentNotFound   = -32002
	CodePaymentRequired = -32003
	CodeUnauthorized    = -32004
)

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func ResultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", Result: result, ID: id}
}

func ErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: "2.0", Error: err, ID: id}
}
