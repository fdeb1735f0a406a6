// Package server is the proxy's caller-facing surface: a newline-delimited
// JSON-RPC server speaking the tool protocol over stdio, so the proxy plugs in
// anywhere a single backend would.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"toolmux/internal/catalog"
	"toolmux/internal/client"
	"toolmux/internal/dispatch"
	"toolmux/internal/jsonrpc"
	"toolmux/internal/logging"
)

// maxLineSize bounds one inbound frame. Oversized caller requests are a
// protocol violation, not something to buffer indefinitely.
const maxLineSize = 8 * 1024 * 1024

// serverVersion is advertised in the initialize result.
const serverVersion = "0.1.0"

// Stdio serves the front-door protocol on a reader/writer pair, normally
// stdin/stdout.
type Stdio struct {
	catalog    *catalog.Catalog
	dispatcher *dispatch.Dispatcher
	logger     logging.Logger

	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
}

// NewStdio creates a front-door server. in and out default to the process
// stdio when wired from the command layer.
func NewStdio(cat *catalog.Catalog, d *dispatch.Dispatcher, in io.Reader, out io.Writer, logger logging.Logger) *Stdio {
	return &Stdio{
		catalog:    cat,
		dispatcher: d,
		logger:     logging.OrNop(logger),
		in:         in,
		out:        out,
	}
}

// Serve reads requests until EOF or context cancellation. Each request is
// handled synchronously; the protocol is request/response over one pipe, so
// ordering is part of the contract.
func (s *Stdio) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		req, err := jsonrpc.DecodeRequest(line)
		if err != nil {
			s.logger.Warn("Dropping malformed request: %v", err)
			if writeErr := s.write(jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError, "parse error", err.Error())); writeErr != nil {
				return writeErr
			}
			continue
		}

		resp := s.handle(ctx, req)
		if resp == nil {
			continue // notification
		}
		if err := s.write(resp); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read request stream: %w", err)
	}
	return nil
}

func (s *Stdio) handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.IsNotification() {
		// notifications/initialized and friends need no reply.
		s.logger.Debug("Notification received: %s", req.Method)
		return nil
	}

	switch req.Method {
	case "initialize":
		return jsonrpc.NewResponse(req.ID, s.initializeResult())
	case "ping":
		return jsonrpc.NewResponse(req.ID, map[string]any{})
	case "tools/list":
		return jsonrpc.NewResponse(req.ID, s.listToolsResult())
	case "tools/call":
		return s.handleToolCall(ctx, req)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

func (s *Stdio) initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": client.ProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "toolmux",
			"version": serverVersion,
		},
	}
}

func (s *Stdio) listToolsResult() map[string]any {
	entries := s.catalog.List()
	tools := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		schema := e.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, map[string]any{
			"name":        e.FinalName,
			"description": e.Description,
			"inputSchema": schema,
		})
	}
	return map[string]any{"tools": tools}
}

func (s *Stdio) handleToolCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	name, _ := req.Params["name"].(string)
	if name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "tool name is required", nil)
	}
	args, _ := req.Params["arguments"].(map[string]any)

	env, err := s.dispatcher.Dispatch(ctx, name, args)
	if err != nil {
		var unknown *dispatch.UnknownToolError
		if errors.As(err, &unknown) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, unknown.Error(), nil)
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, err.Error(), nil)
	}

	return jsonrpc.NewResponse(req.ID, map[string]any{
		"content": env.Content,
		"isError": env.IsError,
	})
}

func (s *Stdio) write(resp *jsonrpc.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}
