// Package client implements the MCP side of a backend connection: the
// initialize handshake, tool listing, and tool invocation over any transport.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"toolmux/internal/async"
	"toolmux/internal/jsonrpc"
	"toolmux/internal/logging"
	"toolmux/internal/transport"
)

// ProtocolVersion is the MCP protocol revision this client speaks.
const ProtocolVersion = "2024-11-05"

const defaultCallTimeout = 30 * time.Second

// ClientInfo is sent to the server during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo is received from the server during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities describes what the server supports.
type ServerCapabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
}

// ToolsCapability indicates the server supports tools.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability indicates the server supports resources.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptsCapability indicates the server supports prompts.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeResult is the result of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
}

// ToolSchema is one tool advertised by a backend server.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolCallResult is the raw result of calling a backend tool.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one piece of content in a tool result.
type ContentBlock struct {
	Type     string `json:"type"` // "text", "image", "resource"
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Conn is one live MCP connection to a backend server.
type Conn struct {
	backendName string
	transport   transport.Transport
	idGen       *jsonrpc.Sequence
	callTimeout time.Duration
	logger      logging.Logger

	mu           sync.RWMutex
	pendingCalls map[string]chan *jsonrpc.Response
	initialized  bool
	serverInfo   *ServerInfo
	capabilities *ServerCapabilities
}

// Option customises a Conn.
type Option func(*Conn)

// WithCallTimeout overrides the default per-call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// New creates a connection over the given transport. The transport must not
// be shared between connections.
func New(backendName string, t transport.Transport, logger logging.Logger, opts ...Option) *Conn {
	c := &Conn{
		backendName:  backendName,
		transport:    t,
		idGen:        new(jsonrpc.Sequence),
		callTimeout:  defaultCallTimeout,
		logger:       logging.OrNop(logger),
		pendingCalls: make(map[string]chan *jsonrpc.Response),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open connects the transport, starts the read loop, and performs the
// initialize handshake.
func (c *Conn) Open(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect transport: %w", err)
	}

	async.Go(c.logger, "client.readLoop."+c.backendName, func() {
		c.readLoop()
	})

	if err := c.initialize(ctx); err != nil {
		_ = c.transport.Close()
		return fmt.Errorf("initialize handshake failed: %w", err)
	}
	return nil
}

// Close tears the connection down.
func (c *Conn) Close() error {
	return c.transport.Close()
}

// Connected reports whether the underlying transport is open.
func (c *Conn) Connected() bool {
	return c.transport.Connected()
}

func (c *Conn) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo": ClientInfo{
			Name:    "toolmux",
			Version: "0.1.0",
		},
		"capabilities": map[string]any{},
	}

	result, err := c.call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize call failed: %w", err)
	}

	var initResult InitializeResult
	if err := unmarshalResult(result, &initResult); err != nil {
		return fmt.Errorf("failed to parse initialize result: %w", err)
	}

	if initResult.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("Protocol version mismatch: client=%s, server=%s",
			ProtocolVersion, initResult.ProtocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = &initResult.ServerInfo
	c.capabilities = &initResult.Capabilities
	c.initialized = true
	c.mu.Unlock()

	c.logger.Info("Initialized with server: %s v%s",
		initResult.ServerInfo.Name, initResult.ServerInfo.Version)

	if err := c.notify("notifications/initialized", nil); err != nil {
		c.logger.Warn("Failed to send initialized notification: %v", err)
	}
	return nil
}

// ListTools retrieves all tools advertised by the server.
func (c *Conn) ListTools(ctx context.Context) ([]ToolSchema, error) {
	if !c.Initialized() {
		return nil, fmt.Errorf("connection not initialized")
	}

	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list call failed: %w", err)
	}

	var response struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := unmarshalResult(result, &response); err != nil {
		return nil, fmt.Errorf("failed to parse tools list: %w", err)
	}
	return response.Tools, nil
}

// CallTool invokes a backend-local tool.
func (c *Conn) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	if !c.Initialized() {
		return nil, fmt.Errorf("connection not initialized")
	}

	params := map[string]any{
		"name":      name,
		"arguments": arguments,
	}
	result, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call failed: %w", err)
	}

	var toolResult ToolCallResult
	if err := unmarshalResult(result, &toolResult); err != nil {
		return nil, fmt.Errorf("failed to parse tool result: %w", err)
	}
	return &toolResult, nil
}

// Ping performs a lightweight liveness probe via tools/list.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.ListTools(ctx)
	return err
}

func (c *Conn) call(ctx context.Context, method string, params map[string]any) (any, error) {
	id := c.idGen.Next()
	req := jsonrpc.NewRequest(id, method, params)

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	respChan := make(chan *jsonrpc.Response, 1)
	c.mu.Lock()
	c.pendingCalls[id] = respChan
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pendingCalls, id)
		c.mu.Unlock()
	}()

	if err := c.transport.Send(data); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.IsError() {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
	case <-time.After(c.callTimeout):
		return nil, fmt.Errorf("request timeout after %v", c.callTimeout)
	}
}

func (c *Conn) notify(method string, params map[string]any) error {
	notif := jsonrpc.NewNotification(method, params)
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return c.transport.Send(data)
}

func (c *Conn) readLoop() {
	for frame := range c.transport.Messages() {
		if !jsonrpc.IsResponse(frame) {
			// Server-initiated notifications are not part of the proxy
			// contract; log and drop.
			c.logger.Debug("Dropping non-response frame: %d bytes", len(frame))
			continue
		}

		resp, err := jsonrpc.DecodeResponse(frame)
		if err != nil {
			c.logger.Error("Failed to decode response: %v", err)
			continue
		}

		key := idKey(resp.ID)
		c.mu.RLock()
		ch, ok := c.pendingCalls[key]
		c.mu.RUnlock()
		if !ok {
			c.logger.Warn("No pending call found for response: id=%v", resp.ID)
			continue
		}

		select {
		case ch <- resp:
		default:
			c.logger.Warn("Response channel full, dropping response: id=%v", resp.ID)
		}
	}
}

// Initialized reports whether the handshake completed.
func (c *Conn) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// Server returns the remote server's self-reported identity.
func (c *Conn) Server() *ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Capabilities returns the remote server's advertised capabilities.
func (c *Conn) Capabilities() *ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

// idKey normalizes a JSON-RPC response ID to the string form used as the
// pending-call map key. Numeric IDs round-trip as float64 through JSON.
func idKey(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func unmarshalResult(result any, target any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
