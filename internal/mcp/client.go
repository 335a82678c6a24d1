package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ClientInfo identifies this host to servers during the initialize handshake.
var ClientInfo = map[string]any{
	"name":    "mcpcore",
	"version": "0.1.0",
}

// ServerInfo is the identity a server reports back in its initialize result.
type ServerInfo struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Capabilities map[string]any `json:"capabilities"`
}

// Client manages one named connection to an MCP server: handshake, the
// cached tool catalog, and tool invocation. It is safe for concurrent use.
type Client struct {
	config ServerConfig
	logger *slog.Logger

	newTransport func(ServerConfig, *slog.Logger) Transport

	mu         sync.RWMutex
	protocol   *Protocol
	connected  bool
	serverInfo *ServerInfo
	tools      []ToolSchema
}

// NewClient builds a client for config using the stdio transport. Use
// WithTransportFactory to supply another Transport (e.g. an
// *InMemoryTransport) to test without a real subprocess.
func NewClient(config ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config: config,
		logger: logger,
		newTransport: func(cfg ServerConfig, l *slog.Logger) Transport {
			return NewStdioTransport(cfg, l)
		},
	}
}

// WithTransportFactory overrides how the client builds its Transport on
// Connect. Used by tests to inject an InMemoryTransport.
func (c *Client) WithTransportFactory(factory func(ServerConfig, *slog.Logger) Transport) *Client {
	c.newTransport = factory
	return c
}

// Connect starts the transport, performs the initialize/initialized
// handshake, and caches the server's tool catalog. Calling Connect on an
// already-connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	transport := c.newTransport(c.config, c.logger)
	if err := transport.Start(ctx); err != nil {
		return fmt.Errorf("mcp: connect %s: %w", c.config.Name, err)
	}
	protocol := NewProtocol(transport, c.logger, nil)

	timeout := time.Duration(c.config.EffectiveTimeout() * float64(time.Second))
	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := protocol.Call(initCtx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo":      ClientInfo,
		"capabilities":    map[string]any{},
	})
	if err != nil {
		_ = protocol.Close()
		return fmt.Errorf("mcp: initialize %s: %w", c.config.Name, err)
	}
	if resp.Error != nil {
		_ = protocol.Close()
		return fmt.Errorf("mcp: initialize %s: %s", c.config.Name, resp.Error.Message)
	}

	info := &ServerInfo{}
	if si, ok := resp.Result["serverInfo"].(map[string]any); ok {
		info.Name, _ = si["name"].(string)
		info.Version, _ = si["version"].(string)
	}
	if caps, ok := resp.Result["capabilities"].(map[string]any); ok {
		info.Capabilities = caps
	}

	// initialized is a notification; per the MCP handshake, transport-level
	// failures here are logged but don't fail Connect.
	if err := protocol.Notify("notifications/initialized", nil); err != nil {
		c.logger.Warn("mcp: failed to send initialized notification", "server", c.config.Name, "error", err)
	}

	c.mu.Lock()
	c.protocol = protocol
	c.connected = true
	c.serverInfo = info
	c.mu.Unlock()

	if _, err := c.refreshTools(ctx); err != nil {
		c.logger.Warn("mcp: initial tools/list failed", "server", c.config.Name, "error", err)
	}

	return nil
}

func (c *Client) refreshTools(ctx context.Context) ([]ToolSchema, error) {
	c.mu.RLock()
	protocol := c.protocol
	c.mu.RUnlock()
	if protocol == nil {
		return nil, &ClosedError{}
	}

	timeout := time.Duration(c.config.EffectiveTimeout() * float64(time.Second))
	listCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := protocol.Call(listCtx, "tools/list", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("mcp: tools/list %s: %w", c.config.Name, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp: tools/list %s: %s", c.config.Name, resp.Error.Message)
	}

	rawTools, _ := resp.Result["tools"].([]any)
	schemas := make([]ToolSchema, 0, len(rawTools))
	for _, raw := range rawTools {
		if entry, ok := raw.(map[string]any); ok {
			schemas = append(schemas, ToolSchemaFromMCPFormat(entry))
		}
	}

	c.mu.Lock()
	c.tools = schemas
	c.mu.Unlock()
	return schemas, nil
}

// ListTools returns the cached tool catalog, refreshing it from the server
// first.
func (c *Client) ListTools(ctx context.Context) ([]ToolSchema, error) {
	return c.refreshTools(ctx)
}

// CachedTools returns the last tool catalog fetched, without a round trip.
func (c *Client) CachedTools() []ToolSchema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ToolSchema, len(c.tools))
	copy(out, c.tools)
	return out
}

// GetToolSchema returns the cached schema for name, if known.
func (c *Client) GetToolSchema(name string) (ToolSchema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolSchema{}, false
}

// CallTool invokes name on the server with arguments, returning a ToolResult
// that is always non-nil and a nil error: not being connected, the tool
// being unknown, transport errors, protocol errors, and server-reported
// tool errors are all folded into ToolResult{Success:false, Error:...}
// rather than surfaced as a Go error. call_tool never throws out of band —
// every failure mode is data the caller can inspect.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (ToolResult, error) {
	c.mu.RLock()
	protocol := c.protocol
	connected := c.connected
	c.mu.RUnlock()

	if !connected || protocol == nil {
		return ToolResult{Success: false, Error: fmt.Sprintf("Server not connected: %s", c.config.Name)}, nil
	}
	if _, ok := c.GetToolSchema(name); !ok {
		return ToolResult{Success: false, Error: fmt.Sprintf("Tool not found: %s/%s", c.config.Name, name)}, nil
	}

	timeout := time.Duration(c.config.EffectiveTimeout() * float64(time.Second))
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := protocol.Call(callCtx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return ToolResult{Success: false, Error: err.Error(), Metadata: map[string]any{"server": c.config.Name, "tool": name}}, nil
	}
	if resp.Error != nil {
		return ToolResult{Success: false, Error: resp.Error.Message, Metadata: map[string]any{"server": c.config.Name, "tool": name}}, nil
	}

	return ToolResultFromMCPFormat(resp.Result), nil
}

// IsConnected reports whether the handshake has completed and Close has not
// been called.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetServerInfo exposes the server identity captured during initialize.
func (c *Client) GetServerInfo() (ServerInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.serverInfo == nil {
		return ServerInfo{}, false
	}
	return *c.serverInfo, true
}

// Close disconnects from the server, terminating its transport.
func (c *Client) Close() error {
	c.mu.Lock()
	protocol := c.protocol
	c.connected = false
	c.protocol = nil
	c.mu.Unlock()

	if protocol == nil {
		return nil
	}
	return protocol.Close()
}
