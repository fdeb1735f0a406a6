// Package testutil provides an in-process fake backend for tests that need a
// live-looking connection without spawning a subprocess or opening a socket.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"toolmux/internal/jsonrpc"
	"toolmux/internal/transport"
)

// ToolDef is one tool the fake backend advertises.
type ToolDef struct {
	Name        string
	Description string
}

// FakeBackend implements transport.Transport and answers the backend side of
// the protocol itself: initialize, tools/list, and tools/call.
type FakeBackend struct {
	// Tools is the advertised catalog.
	Tools []ToolDef

	// CallHandler, when set, produces tools/call results. The default echoes
	// the tool name and arguments as a text block.
	CallHandler func(name string, args map[string]any) (any, *jsonrpc.RPCError)

	// ConnectErr, when set, makes Connect fail.
	ConnectErr error

	connected atomic.Bool
	calls     atomic.Int64

	mu       sync.Mutex
	messages chan []byte
	errors   chan error
}

// NewFakeBackend creates a fake backend advertising the given tools.
func NewFakeBackend(tools ...ToolDef) *FakeBackend {
	return &FakeBackend{
		Tools:    tools,
		messages: make(chan []byte, 64),
		errors:   make(chan error, 1),
	}
}

// Calls reports how many tools/call requests the backend has served.
func (f *FakeBackend) Calls() int {
	return int(f.calls.Load())
}

func (f *FakeBackend) Connect(ctx context.Context) error {
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.connected.Store(true)
	return nil
}

func (f *FakeBackend) Connected() bool {
	return f.connected.Load()
}

func (f *FakeBackend) Messages() <-chan []byte {
	return f.messages
}

func (f *FakeBackend) Errors() <-chan error {
	return f.errors
}

func (f *FakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected.CompareAndSwap(true, false) {
		close(f.messages)
	}
	return nil
}

// Send receives one client frame and replies synchronously on the message
// channel. Notifications get no reply.
func (f *FakeBackend) Send(data []byte) error {
	if !f.connected.Load() {
		return transport.ErrNotConnected
	}

	req, err := jsonrpc.DecodeRequest(data)
	if err != nil {
		return err
	}
	if req.IsNotification() {
		return nil
	}

	var resp *jsonrpc.Response
	switch req.Method {
	case "initialize":
		resp = jsonrpc.NewResponse(req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "fake-backend", "version": "0.0.1"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		})
	case "tools/list":
		tools := make([]map[string]any, 0, len(f.Tools))
		for _, t := range f.Tools {
			tools = append(tools, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"inputSchema": map[string]any{"type": "object"},
			})
		}
		resp = jsonrpc.NewResponse(req.ID, map[string]any{"tools": tools})
	case "tools/call":
		resp = f.handleCall(req)
	default:
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound, "method not found: "+req.Method, nil)
	}

	f.deliver(resp)
	return nil
}

func (f *FakeBackend) handleCall(req *jsonrpc.Request) *jsonrpc.Response {
	f.calls.Add(1)
	name, _ := req.Params["name"].(string)
	args, _ := req.Params["arguments"].(map[string]any)

	if f.CallHandler != nil {
		result, rpcErr := f.CallHandler(name, args)
		if rpcErr != nil {
			return jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		}
		return jsonrpc.NewResponse(req.ID, result)
	}

	encoded, _ := json.Marshal(args)
	return jsonrpc.NewResponse(req.ID, map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": fmt.Sprintf("%s(%s)", name, encoded)},
		},
	})
}

func (f *FakeBackend) deliver(resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected.Load() {
		return
	}
	f.messages <- data
}

// TextResult builds a tools/call result with one text block, for CallHandler
// implementations.
func TextResult(text string) map[string]any {
	return map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
	}
}

// ErrorResult builds a tools/call result flagged isError.
func ErrorResult(text string) map[string]any {
	return map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"isError": true,
	}
}

var _ transport.Transport = (*FakeBackend)(nil)
