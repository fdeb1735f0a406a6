// Package jsonrpc carries the JSON-RPC 2.0 frames the proxy exchanges on both
// of its sides: as a client of backend servers and as a server to its caller.
// Decode helpers validate the protocol version and return *RPCError, so a
// failed parse can be answered on the wire directly.
package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
)

// Version is the only protocol revision in use.
const Version = "2.0"

// Error codes from the JSON-RPC 2.0 specification, plus the generic code of
// the implementation-defined server range.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
	ServerError    = -32000
)

// Request is a method call. A request without an ID is a notification and
// gets no reply.
type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id,omitempty"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// NewRequest builds a call frame expecting a reply under id.
func NewRequest(id any, method string, params map[string]any) *Request {
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewNotification builds a fire-and-forget frame: a request without an ID.
func NewNotification(method string, params map[string]any) *Request {
	return &Request{JSONRPC: Version, Method: method, Params: params}
}

// IsNotification reports whether no reply is expected.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response answers one request, carrying either a result or an error.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// NewResponse builds a success response.
func NewResponse(id any, result any) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id any, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// IsError reports whether the response carries an error object.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// RPCError is the wire-level error object. It doubles as a Go error so
// backend failures propagate without rewrapping.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Errorf builds an RPCError with a formatted message and no data payload.
func Errorf(code int, format string, args ...any) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("jsonrpc error %d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// DecodeRequest parses one inbound frame as a request. The returned error is
// always an *RPCError.
func DecodeRequest(data []byte) (*Request, error) {
	req := new(Request)
	if err := json.Unmarshal(data, req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "malformed request frame", Data: err.Error()}
	}
	if req.JSONRPC != Version {
		return nil, Errorf(InvalidRequest, "unsupported jsonrpc version %q", req.JSONRPC)
	}
	return req, nil
}

// DecodeResponse parses one inbound frame as a response. The returned error
// is always an *RPCError.
func DecodeResponse(data []byte) (*Response, error) {
	resp := new(Response)
	if err := json.Unmarshal(data, resp); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "malformed response frame", Data: err.Error()}
	}
	if resp.JSONRPC != Version {
		return nil, Errorf(InvalidRequest, "unsupported jsonrpc version %q", resp.JSONRPC)
	}
	return resp, nil
}

// IsResponse distinguishes inbound responses from requests and notifications
// when both arrive on one pipe.
func IsResponse(data []byte) bool {
	var probe struct {
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Method == "" && (probe.Result != nil || probe.Error != nil)
}

// Sequence issues process-unique string request IDs, starting at "1". The
// zero value is ready to use.
type Sequence struct {
	n atomic.Int64
}

// Next returns the next ID.
func (s *Sequence) Next() string {
	return strconv.FormatInt(s.n.Add(1), 10)
}
