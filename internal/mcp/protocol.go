package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ProtocolVersion is the MCP wire version this client speaks.
const ProtocolVersion = "2024-11-05"

// TimeoutError is returned when a request does not receive a response within
// its deadline.
type TimeoutError struct {
	Method string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("mcp: request %q timeout", e.Method) }

// ClosedError is returned by Protocol methods called after Close.
type ClosedError struct{}

func (e *ClosedError) Error() string { return "mcp: protocol closed" }

// Protocol correlates JSON-RPC requests with their responses over a
// Transport and dispatches unsolicited notifications to a handler. One
// Protocol serves one server connection.
type Protocol struct {
	transport Transport
	logger    *slog.Logger

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *MCPResponse

	onNotification func(method string, params map[string]any)

	closeOnce sync.Once
	done      chan struct{}
}

// NewProtocol wraps transport with request/response correlation. onNotify
// may be nil if the caller doesn't care about server-initiated notifications.
func NewProtocol(transport Transport, logger *slog.Logger, onNotify func(method string, params map[string]any)) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Protocol{
		transport:      transport,
		logger:         logger,
		pending:        make(map[int64]chan *MCPResponse),
		onNotification: onNotify,
		done:           make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *Protocol) readLoop() {
	for line := range p.transport.Lines() {
		var raw struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.Unmarshal(line, &raw); err != nil {
			p.logger.Warn("mcp: malformed message", "error", err)
			continue
		}

		if raw.Method != "" && len(raw.ID) == 0 {
			p.dispatchNotification(line)
			continue
		}

		var resp MCPResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			p.logger.Warn("mcp: malformed response", "error", err)
			continue
		}
		p.deliver(&resp)
	}
	close(p.done)
}

func (p *Protocol) dispatchNotification(line []byte) {
	if p.onNotification == nil {
		return
	}
	var n struct {
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(line, &n); err != nil {
		return
	}
	p.onNotification(n.Method, n.Params)
}

func (p *Protocol) deliver(resp *MCPResponse) {
	id, ok := requestIDAsInt64(resp.ID)
	if !ok {
		return
	}
	p.pendingMu.Lock()
	ch, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}

func requestIDAsInt64(id RequestID) (int64, bool) {
	switch v := id.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// Call sends a request and blocks until its response arrives or ctx is done.
func (p *Protocol) Call(ctx context.Context, method string, params map[string]any) (*MCPResponse, error) {
	select {
	case <-p.done:
		return nil, &ClosedError{}
	default:
	}

	id := p.nextID.Add(1)
	ch := make(chan *MCPResponse, 1)

	p.pendingMu.Lock()
	p.pending[id] = ch
	p.pendingMu.Unlock()

	req := MCPRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := p.transport.Send(req); err != nil {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, &ClosedError{}
		}
		return resp, nil
	case <-ctx.Done():
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
		return nil, &TimeoutError{Method: method}
	case <-p.done:
		return nil, &ClosedError{}
	}
}

// Notify sends a request with no id; the caller neither waits for nor
// expects a reply.
func (p *Protocol) Notify(method string, params map[string]any) error {
	req := MCPRequest{JSONRPC: "2.0", Method: method, Params: params}
	return p.transport.Send(req)
}

// Close shuts down the underlying transport and fails any outstanding calls.
func (p *Protocol) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.transport.Close()
		p.pendingMu.Lock()
		for id, ch := range p.pending {
			close(ch)
			delete(p.pending, id)
		}
		p.pendingMu.Unlock()
	})
	return err
}
