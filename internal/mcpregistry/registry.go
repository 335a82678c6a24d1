// Package mcpregistry implements the fleet layer above a single mcp.Client:
// the registered-server state machine, reconnection with backoff, event
// fan-out, and tool catalog aggregation across every connected server.
package mcpregistry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/leandrotocalini/mcpcore/internal/mcp"
	"github.com/leandrotocalini/mcpcore/internal/mcpsecurity"
)

// ErrPermissionDenied is returned by CallTool when a PermissionManager wired
// in via WithPermissions refuses the caller's principal the required level.
var ErrPermissionDenied = errors.New("mcpregistry: permission denied")

// Principal identifies the caller of CallTool for permission evaluation and
// audit attribution. The zero value is an anonymous caller: if no
// PermissionManager is wired in, it is granted every call.
type Principal struct {
	UserID  string
	Roles   []string
	Context map[string]any
}

// ServerStatus is a node in the registered-server state machine:
// Registered -> Connecting -> Connected -> Disconnecting -> Disconnected,
// with Error as a side state reached from a failed Connect, and Reconnecting
// entered by Reconnect from whatever state the server is in.
type ServerStatus string

const (
	StatusRegistered    ServerStatus = "registered"
	StatusConnecting    ServerStatus = "connecting"
	StatusConnected     ServerStatus = "connected"
	StatusDisconnecting ServerStatus = "disconnecting"
	StatusDisconnected  ServerStatus = "disconnected"
	StatusReconnecting  ServerStatus = "reconnecting"
	StatusError         ServerStatus = "error"
)

// DefaultBaseBackoff and DefaultMaxRetries set the reconnection schedule
// when a Registry is built with NewRegistry: delay = base * 2^(attempt-1).
const (
	DefaultBaseBackoff = time.Second
	DefaultMaxRetries  = 3
)

// RegisteredServer is everything the registry tracks about one server.
type RegisteredServer struct {
	Config        mcp.ServerConfig
	Description   string
	Tags          []string
	Status        ServerStatus
	Client        *mcp.Client
	LastConnected time.Time
	LastError     string
	RetryCount    int
}

// EventType enumerates the kinds of registry events handlers receive.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"
	EventReconnecting EventType = "reconnecting"
)

// Event is fanned out to every registered handler on a status transition.
type Event struct {
	Type   EventType
	Server string
	Status ServerStatus
	Err    error
}

// EventHandler receives registry events. A panic inside a handler is
// recovered and logged, and delivery continues with the next handler;
// handlers run sequentially so a slow handler delays delivery to the rest,
// matching how the original registry logs rather than parallelizes event
// dispatch.
type EventHandler func(Event)

// Registry is the fleet-level view over many named MCP server connections.
// It is safe for concurrent use.
type Registry struct {
	logger      *slog.Logger
	newClient   func(mcp.ServerConfig, *slog.Logger) *mcp.Client
	baseBackoff time.Duration
	maxRetries  int

	permissions *mcpsecurity.PermissionManager
	audit       *mcpsecurity.AuditLogger

	mu       sync.RWMutex
	servers  map[string]*RegisteredServer
	handlers []EventHandler

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// Option configures a Registry built with NewRegistry.
type Option func(*Registry)

// WithLogger sets the logger used for registry-level diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithBackoff overrides the default base delay and max retry count used by
// Reconnect.
func WithBackoff(base time.Duration, maxRetries int) Option {
	return func(r *Registry) {
		r.baseBackoff = base
		r.maxRetries = maxRetries
	}
}

// WithClientFactory overrides how the registry builds an mcp.Client for a
// registered server. Tests use this to inject clients backed by an
// InMemoryTransport.
func WithClientFactory(factory func(mcp.ServerConfig, *slog.Logger) *mcp.Client) Option {
	return func(r *Registry) { r.newClient = factory }
}

// WithPermissions wires a PermissionManager into CallTool: every invocation
// is checked before it reaches the server, denying with ErrPermissionDenied
// when the caller's principal lacks mcpsecurity.LevelExecute.
func WithPermissions(manager *mcpsecurity.PermissionManager) Option {
	return func(r *Registry) { r.permissions = manager }
}

// WithAuditLogger wires an AuditLogger into CallTool: every permission
// decision and every call outcome is logged, bracketing the underlying
// client call.
func WithAuditLogger(logger *mcpsecurity.AuditLogger) Option {
	return func(r *Registry) { r.audit = logger }
}

// NewRegistry builds an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:      slog.Default(),
		newClient:   mcp.NewClient,
		baseBackoff: DefaultBaseBackoff,
		maxRetries:  DefaultMaxRetries,
		servers:     make(map[string]*RegisteredServer),
		shutdown:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a server in StatusRegistered. Registering an already known
// name replaces its configuration without touching connection state if
// currently connected.
func (r *Registry) Register(config mcp.ServerConfig, description string, tags []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.servers[config.Name]; ok {
		existing.Config = config
		existing.Description = description
		existing.Tags = tags
		return
	}
	r.servers[config.Name] = &RegisteredServer{
		Config:      config,
		Description: description,
		Tags:        tags,
		Status:      StatusRegistered,
	}
}

// Unregister disconnects (if connected) and drops a server entirely. It is
// idempotent.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	entry, ok := r.servers[name]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.servers, name)
	r.mu.Unlock()

	if entry.Client != nil {
		return entry.Client.Close()
	}
	return nil
}

// Connect transitions a registered server through Connecting to Connected
// (or to Error on failure), caching its tool catalog on success.
func (r *Registry) Connect(ctx context.Context, name string) error {
	r.mu.Lock()
	entry, ok := r.servers[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("mcpregistry: server %q not registered", name)
	}
	if entry.Status == StatusConnected {
		r.mu.Unlock()
		return nil
	}
	entry.Status = StatusConnecting
	client := r.newClient(entry.Config, r.logger)
	entry.Client = client
	r.mu.Unlock()

	err := client.Connect(ctx)

	r.mu.Lock()
	if err != nil {
		entry.Status = StatusError
		entry.LastError = err.Error()
	} else {
		entry.Status = StatusConnected
		entry.LastConnected = time.Now()
		entry.RetryCount = 0
		entry.LastError = ""
	}
	r.mu.Unlock()

	if err != nil {
		r.emit(Event{Type: EventError, Server: name, Status: StatusError, Err: err})
		return fmt.Errorf("mcpregistry: connect %s: %w", name, err)
	}
	r.emit(Event{Type: EventConnected, Server: name, Status: StatusConnected})
	return nil
}

// Disconnect transitions a connected server through Disconnecting to
// Disconnected.
func (r *Registry) Disconnect(ctx context.Context, name string) error {
	r.mu.Lock()
	entry, ok := r.servers[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("mcpregistry: server %q not registered", name)
	}
	entry.Status = StatusDisconnecting
	client := entry.Client
	r.mu.Unlock()

	var err error
	if client != nil {
		err = client.Close()
	}

	r.mu.Lock()
	entry.Status = StatusDisconnected
	r.mu.Unlock()

	r.emit(Event{Type: EventDisconnected, Server: name, Status: StatusDisconnected})
	return err
}

// ConnectAll connects every registered server concurrently, returning the
// first error encountered (if any) after all attempts complete.
func (r *Registry) ConnectAll(ctx context.Context) error {
	names := r.serverNames()
	var g errgroup.Group
	for _, name := range names {
		name := name
		g.Go(func() error {
			return r.Connect(ctx, name)
		})
	}
	return g.Wait()
}

// DisconnectAll disconnects every server concurrently.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	names := r.serverNames()
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			return r.Disconnect(gctx, name)
		})
	}
	return g.Wait()
}

func (r *Registry) serverNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reconnect retries Connect with exponential backoff (base * 2^(attempt-1),
// up to the registry's configured max retries), transitioning through
// Reconnecting. If force is true, an already-connected server is
// disconnected first.
func (r *Registry) Reconnect(ctx context.Context, name string, force bool) error {
	r.mu.RLock()
	entry, ok := r.servers[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mcpregistry: server %q not registered", name)
	}

	if force {
		_ = r.Disconnect(ctx, name)
	}

	r.mu.Lock()
	entry.Status = StatusReconnecting
	r.mu.Unlock()
	r.emit(Event{Type: EventReconnecting, Server: name, Status: StatusReconnecting})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.baseBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		select {
		case <-r.shutdown:
			return struct{}{}, backoff.Permanent(fmt.Errorf("mcpregistry: shutting down"))
		default:
		}
		attempt++
		r.mu.Lock()
		entry.RetryCount = attempt
		r.mu.Unlock()

		if err := r.Connect(ctx, name); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(r.maxRetries)))

	return err
}

// CallTool routes a tool invocation on behalf of principal. If serverName is
// non-empty, the call is made on that server; otherwise the first connected
// server that knows the tool is used.
//
// When a PermissionManager is wired in via WithPermissions, the call is
// bracketed: permission is checked before the server is reached, and the
// grant/deny decision plus the call outcome are each logged through an
// AuditLogger wired in via WithAuditLogger, if any. A denial never reaches
// the underlying client and is reported as ErrPermissionDenied.
func (r *Registry) CallTool(ctx context.Context, principal Principal, serverName, toolName string, arguments map[string]any) (mcp.ToolResult, string, error) {
	client, resolved, failure := r.resolveClient(serverName, toolName)
	if failure != nil {
		return *failure, resolved, nil
	}

	if r.permissions != nil {
		allowed := r.permissions.CheckPermission(principal.UserID, principal.Roles, resolved, toolName, mcpsecurity.LevelExecute, principal.Context)
		if r.audit != nil {
			_ = r.audit.LogAccess(ctx, principal.UserID, resolved, toolName, allowed)
		}
		if !allowed {
			return mcp.ToolResult{}, resolved, fmt.Errorf("%w: %s/%s", ErrPermissionDenied, resolved, toolName)
		}
	}

	started := time.Now()
	result, err := client.CallTool(ctx, toolName, arguments)
	duration := time.Since(started)

	if r.audit != nil {
		summary := result.Error
		if result.Success {
			summary = "ok"
		}
		_ = r.audit.LogToolExecution(ctx, principal.UserID, resolved, toolName, arguments, result.Success && err == nil, summary, duration)
	}
	return result, resolved, err
}

// resolveClient finds the client and canonical server name a call should be
// routed to, without performing the call. It never returns a Go error: a
// routing failure (server not connected, tool not known anywhere) is
// reported as a populated ToolResult, matching CallTool's "never throws out
// of band" contract.
func (r *Registry) resolveClient(serverName, toolName string) (*mcp.Client, string, *mcp.ToolResult) {
	if serverName != "" {
		client, err := r.connectedClient(serverName)
		if err != nil {
			return nil, serverName, &mcp.ToolResult{Success: false, Error: fmt.Sprintf("Server not connected: %s", serverName)}
		}
		if _, ok := client.GetToolSchema(toolName); !ok {
			return nil, serverName, &mcp.ToolResult{Success: false, Error: fmt.Sprintf("Tool not found: %s/%s", serverName, toolName)}
		}
		return client, serverName, nil
	}

	for _, name := range r.serverNames() {
		client, err := r.connectedClient(name)
		if err != nil {
			continue
		}
		if _, ok := client.GetToolSchema(toolName); !ok {
			continue
		}
		return client, name, nil
	}
	return nil, "", &mcp.ToolResult{Success: false, Error: fmt.Sprintf("Tool not found: %s", toolName)}
}

// GetServer returns a snapshot of one registered server's current state.
func (r *Registry) GetServer(name string) (RegisteredServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.servers[name]
	if !ok {
		return RegisteredServer{}, false
	}
	return *entry, true
}

func (r *Registry) connectedClient(name string) (*mcp.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.servers[name]
	if !ok {
		return nil, fmt.Errorf("mcpregistry: server %q not registered", name)
	}
	if entry.Status != StatusConnected || entry.Client == nil {
		return nil, fmt.Errorf("mcpregistry: server %q not connected", name)
	}
	return entry.Client, nil
}

// GetAllTools returns every tool known across connected servers, keyed by
// server name.
func (r *Registry) GetAllTools() map[string][]mcp.ToolSchema {
	out := make(map[string][]mcp.ToolSchema)
	for _, name := range r.serverNames() {
		client, err := r.connectedClient(name)
		if err != nil {
			continue
		}
		out[name] = client.CachedTools()
	}
	return out
}

// FindTool returns the name of the first connected server offering toolName
// and its schema.
func (r *Registry) FindTool(toolName string) (string, mcp.ToolSchema, bool) {
	for _, name := range r.serverNames() {
		client, err := r.connectedClient(name)
		if err != nil {
			continue
		}
		if schema, ok := client.GetToolSchema(toolName); ok {
			return name, schema, true
		}
	}
	return "", mcp.ToolSchema{}, false
}

// AddEventHandler registers a handler to receive future events.
func (r *Registry) AddEventHandler(h EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

func (r *Registry) emit(ev Event) {
	r.mu.RLock()
	handlers := make([]EventHandler, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("mcpregistry: event handler panicked", "recover", rec)
				}
			}()
			h(ev)
		}()
	}
}

// Shutdown stops any in-flight reconnect loops and disconnects every server.
// It is safe to call multiple times.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() { close(r.shutdown) })
	return r.DisconnectAll(ctx)
}

// StatusCount is one entry of a GetStatusSummary report.
type StatusCount struct {
	Status ServerStatus
	Count  int
}

// StatusSummary is a snapshot of the registry's fleet state, carried over
// from the source implementation's get_status_summary for use by an
// operator-facing status endpoint.
type StatusSummary struct {
	Counts        []StatusCount
	Servers       map[string]ServerStatus
	TotalToolCount int
}

// GetStatusSummary produces a point-in-time view of every registered
// server's status and the total number of cached tools across connected
// servers.
func (r *Registry) GetStatusSummary() StatusSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[ServerStatus]int)
	servers := make(map[string]ServerStatus, len(r.servers))
	total := 0
	for name, entry := range r.servers {
		counts[entry.Status]++
		servers[name] = entry.Status
		if entry.Status == StatusConnected && entry.Client != nil {
			total += len(entry.Client.CachedTools())
		}
	}

	statuses := make([]ServerStatus, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })

	summary := StatusSummary{Servers: servers, TotalToolCount: total}
	for _, s := range statuses {
		summary.Counts = append(summary.Counts, StatusCount{Status: s, Count: counts[s]})
	}
	return summary
}
