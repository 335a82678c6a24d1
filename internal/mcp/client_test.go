package mcp_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/leandrotocalini/mcpcore/internal/mcp"
	"github.com/leandrotocalini/mcpcore/internal/mcptest"
)

// hangingToolTransport answers initialize/tools/list normally but drops
// tools/call requests on the floor, simulating a server that never responds,
// for exercising the client's request timeout.
type hangingToolTransport struct {
	handler   func(ctx context.Context, msg []byte) []byte
	lines     chan []byte
	ctx       context.Context
	closeOnce sync.Once
}

func (t *hangingToolTransport) Start(ctx context.Context) error { t.ctx = ctx; return nil }

func (t *hangingToolTransport) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var probe struct {
		Method string `json:"method"`
	}
	_ = json.Unmarshal(data, &probe)
	if probe.Method == "tools/call" {
		return nil
	}
	if resp := t.handler(t.ctx, data); resp != nil {
		t.lines <- resp
	}
	return nil
}

func (t *hangingToolTransport) Lines() <-chan []byte { return t.lines }

func (t *hangingToolTransport) Close() error {
	t.closeOnce.Do(func() { close(t.lines) })
	return nil
}

func echoTool() (ToolSchema, mcptest.ToolHandler) {
	schema := ToolSchema{
		Name:        "echo",
		Description: "echoes the message argument back",
		Parameters: []ToolParameter{
			{Name: "message", Type: TypeString, Required: true},
		},
	}
	handler := func(ctx context.Context, arguments map[string]any) ToolResult {
		msg, _ := arguments["message"].(string)
		return ToolResult{Success: true, Content: msg}
	}
	return schema, handler
}

func connectedClient(t *testing.T, server *mcptest.Server) *Client {
	t.Helper()
	c := NewClient(ServerConfig{Name: "test", Command: "unused", Timeout: 2}, nil)
	c.WithTransportFactory(func(cfg ServerConfig, logger *slog.Logger) Transport {
		return NewInMemoryTransport(server.Handler())
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c
}

func TestClient_ConnectHandshake(t *testing.T) {
	server := mcptest.NewServer("echo-server", "1.0.0")
	schema, handler := echoTool()
	server.AddTool(schema, handler)

	c := connectedClient(t, server)
	defer c.Close()

	if !c.IsConnected() {
		t.Fatal("expected client to be connected")
	}

	info, ok := c.GetServerInfo()
	if !ok {
		t.Fatal("expected server info to be set")
	}
	if info.Name != "echo-server" {
		t.Errorf("server name = %q, want echo-server", info.Name)
	}
}

func TestClient_ListToolsCachesSchema(t *testing.T) {
	server := mcptest.NewServer("echo-server", "1.0.0")
	schema, handler := echoTool()
	server.AddTool(schema, handler)

	c := connectedClient(t, server)
	defer c.Close()

	cached := c.CachedTools()
	if len(cached) != 1 || cached[0].Name != "echo" {
		t.Fatalf("expected cached tool 'echo', got %+v", cached)
	}

	got, ok := c.GetToolSchema("echo")
	if !ok {
		t.Fatal("expected echo schema to be found")
	}
	if len(got.Parameters) != 1 || got.Parameters[0].Name != "message" || !got.Parameters[0].Required {
		t.Errorf("unexpected round-tripped parameter: %+v", got.Parameters)
	}
}

func TestClient_CallToolSuccess(t *testing.T) {
	server := mcptest.NewServer("echo-server", "1.0.0")
	schema, handler := echoTool()
	server.AddTool(schema, handler)

	c := connectedClient(t, server)
	defer c.Close()

	result, err := c.CallTool(context.Background(), "echo", map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if result.Content != "hi" {
		t.Errorf("content = %v, want %q", result.Content, "hi")
	}
}

func TestClient_CallToolUnknown(t *testing.T) {
	server := mcptest.NewServer("echo-server", "1.0.0")
	c := connectedClient(t, server)
	defer c.Close()

	result, err := c.CallTool(context.Background(), "nonexistent", nil)
	if err != nil {
		t.Fatalf("expected a ToolResult failure, not a Go error: %v", err)
	}
	if result.Success {
		t.Fatal("expected result.Success = false")
	}
	if !strings.HasPrefix(result.Error, "Tool not found") {
		t.Errorf("error = %q, want prefix %q", result.Error, "Tool not found")
	}
}

func TestClient_CallToolServerError(t *testing.T) {
	server := mcptest.NewServer("echo-server", "1.0.0")
	schema, handler := echoTool()
	server.AddTool(schema, handler)
	server.FailTools = true

	c := connectedClient(t, server)
	defer c.Close()

	result, err := c.CallTool(context.Background(), "echo", map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("expected a ToolResult failure, not a Go error: %v", err)
	}
	if result.Success {
		t.Fatal("expected result.Success = false")
	}
	if result.Error == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestClient_CallToolTimeout(t *testing.T) {
	server := mcptest.NewServer("echo-server", "1.0.0")
	schema, handler := echoTool()
	server.AddTool(schema, handler)

	c := NewClient(ServerConfig{Name: "test", Command: "unused"}, nil)
	c.WithTransportFactory(func(cfg ServerConfig, logger *slog.Logger) Transport {
		return &hangingToolTransport{handler: server.Handler(), lines: make(chan []byte, 16)}
	})
	connectCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(connectCtx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	callCtx, cancelCall := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancelCall()
	result, err := c.CallTool(callCtx, "echo", map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("expected a ToolResult failure, not a Go error: %v", err)
	}
	if result.Success {
		t.Fatal("expected result.Success = false")
	}
	if !strings.Contains(strings.ToLower(result.Error), "timeout") {
		t.Errorf("error = %q, want it to contain %q", result.Error, "timeout")
	}
}

func TestClient_CallToolNotConnected(t *testing.T) {
	c := NewClient(ServerConfig{Name: "test", Command: "unused"}, nil)
	result, err := c.CallTool(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("expected a ToolResult failure, not a Go error: %v", err)
	}
	if result.Success {
		t.Fatal("expected result.Success = false")
	}
	if !strings.HasPrefix(result.Error, "Server not connected") {
		t.Errorf("error = %q, want prefix %q", result.Error, "Server not connected")
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	server := mcptest.NewServer("echo-server", "1.0.0")
	c := connectedClient(t, server)

	if err := c.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if c.IsConnected() {
		t.Fatal("expected client to be disconnected after Close")
	}
}
