// Package mcptest provides an in-process reference MCP server, generalized
// from the stdio mock servers the core packages otherwise build by hand, for
// exercising the client and registry against real protocol semantics without
// spawning a subprocess.
package mcptest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/leandrotocalini/mcpcore/internal/mcp"
)

// ToolHandler implements one tool's behavior for the reference server.
type ToolHandler func(ctx context.Context, arguments map[string]any) mcp.ToolResult

// Server is a minimal but protocol-correct MCP server: it answers
// initialize, tools/list, and tools/call against registered tools, and
// answers resources/list, resources/read, prompts/list, and prompts/get
// with empty collections since this reference server exposes no resources
// or prompts. Register tools with AddTool before wiring it to a transport.
type Server struct {
	Name    string
	Version string

	mu    sync.Mutex
	tools map[string]mcp.ToolSchema
	impls map[string]ToolHandler

	// FailTools, when true, makes every tools/call return a JSON-RPC error
	// instead of a result, for exercising client-side error handling.
	FailTools bool
}

// NewServer builds an empty reference server identifying itself as name/version.
func NewServer(name, version string) *Server {
	return &Server{
		Name:    name,
		Version: version,
		tools:   make(map[string]mcp.ToolSchema),
		impls:   make(map[string]ToolHandler),
	}
}

// AddTool registers a tool schema and its handler.
func (s *Server) AddTool(schema mcp.ToolSchema, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[schema.Name] = schema
	s.impls[schema.Name] = handler
}

// Handler returns the function to pass to mcp.NewInMemoryTransport.
func (s *Server) Handler() func(ctx context.Context, msg []byte) []byte {
	return func(ctx context.Context, msg []byte) []byte {
		return s.handle(ctx, msg)
	}
}

func (s *Server) handle(ctx context.Context, msg []byte) []byte {
	var req struct {
		JSONRPC string         `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string         `json:"method"`
		Params  map[string]any `json:"params"`
	}
	if err := json.Unmarshal(msg, &req); err != nil {
		return nil
	}

	isNotification := len(req.ID) == 0
	var id any
	if !isNotification {
		_ = json.Unmarshal(req.ID, &id)
	}

	switch req.Method {
	case "initialize":
		return s.reply(id, map[string]any{
			"protocolVersion": mcp.ProtocolVersion,
			"serverInfo":      map[string]any{"name": s.Name, "version": s.Version},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}, nil)
	case "notifications/initialized", "ping":
		if isNotification {
			return nil
		}
		return s.reply(id, map[string]any{}, nil)
	case "tools/list":
		s.mu.Lock()
		list := make([]map[string]any, 0, len(s.tools))
		for _, t := range s.tools {
			list = append(list, t.ToMCPFormat())
		}
		s.mu.Unlock()
		return s.reply(id, map[string]any{"tools": list}, nil)
	case "tools/call":
		return s.handleToolCall(ctx, id, req.Params)
	case "resources/list":
		return s.reply(id, map[string]any{"resources": []map[string]any{}}, nil)
	case "resources/read":
		return s.reply(id, map[string]any{"contents": []map[string]any{}}, nil)
	case "prompts/list":
		return s.reply(id, map[string]any{"prompts": []map[string]any{}}, nil)
	case "prompts/get":
		return s.reply(id, map[string]any{"messages": []map[string]any{}}, nil)
	default:
		return s.reply(id, nil, &mcp.MCPError{Code: mcp.ErrCodeMethodNotFound, Message: "method not found: " + req.Method})
	}
}

func (s *Server) handleToolCall(ctx context.Context, id any, params map[string]any) []byte {
	name, _ := params["name"].(string)
	arguments, _ := params["arguments"].(map[string]any)

	if s.FailTools {
		return s.reply(id, nil, &mcp.MCPError{Code: mcp.ErrCodeInternalError, Message: "tool execution disabled"})
	}

	s.mu.Lock()
	handler, ok := s.impls[name]
	s.mu.Unlock()
	if !ok {
		return s.reply(id, nil, &mcp.MCPError{Code: mcp.ErrCodeInvalidParams, Message: "unknown tool: " + name})
	}

	result := handler(ctx, arguments)
	return s.reply(id, result.ToMCPFormat(), nil)
}

func (s *Server) reply(id any, result map[string]any, rpcErr *mcp.MCPError) []byte {
	resp := mcp.MCPResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
	data, _ := json.Marshal(resp)
	return data
}
