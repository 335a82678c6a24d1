package mcpsecurity

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// AuditEventType enumerates the kinds of events the audit log records.
type AuditEventType string

const (
	EventToolCall          AuditEventType = "tool_call"
	EventAccessGranted     AuditEventType = "access_granted"
	EventAccessDenied      AuditEventType = "access_denied"
	EventServerConnected   AuditEventType = "server_connected"
	EventServerDisconnected AuditEventType = "server_disconnected"
	EventServerError       AuditEventType = "server_error"
)

// sensitiveKeyFragments are substrings checked, case-insensitively, against
// argument keys before an audit event is persisted. Handlers added with
// AddHandler receive the event as passed to Log, unsanitized.
var sensitiveKeyFragments = []string{
	"password", "secret", "token", "api_key", "credential", "auth", "private_key",
}

// AuditEvent is one recorded action. EventID and Timestamp are assigned by
// NewAuditEvent; Arguments is sanitized by Sanitized before storage.
type AuditEvent struct {
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	ServerName string        `json:"server_name,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
	Success   bool           `json:"success"`
	DurationMs int64         `json:"duration_ms"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewAuditEvent builds an event with a fresh uuid and the current time.
func NewAuditEvent(eventType AuditEventType) AuditEvent {
	return AuditEvent{EventID: uuid.NewString(), Timestamp: time.Now().UTC(), EventType: eventType}
}

// Sanitized returns a copy of the event with any argument whose key
// contains a sensitive fragment (password, secret, token, api_key,
// credential, auth, private_key; case-insensitive) replaced by "[REDACTED]".
// Sanitization recurses into nested maps and slices.
func (e AuditEvent) Sanitized() AuditEvent {
	out := e
	if e.Arguments != nil {
		out.Arguments = sanitizeValue(e.Arguments).(map[string]any)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if isSensitiveKey(k) {
				out[k] = "[REDACTED]"
			} else {
				out[k] = sanitizeValue(child)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitizeValue(child)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// AuditFilter selects a subset of stored events. Zero-value fields are
// wildcards.
type AuditFilter struct {
	UserID     string
	ServerName string
	ToolName   string
	EventType  AuditEventType
	Since      time.Time
	Until      time.Time
}

// Matches reports whether ev satisfies every non-zero field of the filter.
func (f AuditFilter) Matches(ev AuditEvent) bool {
	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	if f.ServerName != "" && ev.ServerName != f.ServerName {
		return false
	}
	if f.ToolName != "" && ev.ToolName != f.ToolName {
		return false
	}
	if f.EventType != "" && ev.EventType != f.EventType {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// AuditStorage is the pluggable sink an AuditLogger writes to.
type AuditStorage interface {
	Store(ctx context.Context, event AuditEvent) error
	Query(ctx context.Context, filter AuditFilter, limit, offset int) ([]AuditEvent, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) error
}

// InMemoryAuditStorageCapacity bounds the ring buffer InMemoryAuditStorage
// keeps, matching the source implementation's deque(maxlen=10000).
const InMemoryAuditStorageCapacity = 10000

// InMemoryAuditStorage is a bounded, in-process audit sink: once full, the
// oldest event is dropped to make room for the newest.
type InMemoryAuditStorage struct {
	mu       sync.Mutex
	events   []AuditEvent
	capacity int
}

// NewInMemoryAuditStorage builds a storage bounded to
// InMemoryAuditStorageCapacity events.
func NewInMemoryAuditStorage() *InMemoryAuditStorage {
	return &InMemoryAuditStorage{capacity: InMemoryAuditStorageCapacity}
}

func (s *InMemoryAuditStorage) Store(_ context.Context, event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event.Sanitized())
	if len(s.events) > s.capacity {
		s.events = s.events[len(s.events)-s.capacity:]
	}
	return nil
}

func (s *InMemoryAuditStorage) Query(_ context.Context, filter AuditFilter, limit, offset int) ([]AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []AuditEvent
	for _, ev := range s.events {
		if filter.Matches(ev) {
			matched = append(matched, ev)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })
	return paginate(matched, limit, offset), nil
}

func (s *InMemoryAuditStorage) DeleteBefore(_ context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	for _, ev := range s.events {
		if !ev.Timestamp.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	s.events = kept
	return nil
}

func paginate(events []AuditEvent, limit, offset int) []AuditEvent {
	if offset >= len(events) {
		return nil
	}
	events = events[offset:]
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events
}

// FileAuditStorage is an append-only JSONL audit sink, exclusively locked
// across processes with github.com/gofrs/flock so a host running multiple
// instances against the same file doesn't interleave writes.
type FileAuditStorage struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
}

// NewFileAuditStorage builds a storage backed by path. The file is created
// by the first Store if it does not exist.
func NewFileAuditStorage(path string) *FileAuditStorage {
	return &FileAuditStorage{path: path, lock: flock.New(path + ".lock")}
}

func (s *FileAuditStorage) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("mcpsecurity: acquire audit file lock: %w", err)
	}
	defer s.lock.Unlock()
	return fn()
}

func (s *FileAuditStorage) Store(ctx context.Context, event AuditEvent) error {
	return s.withLock(ctx, func() error {
		f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("mcpsecurity: open audit log: %w", err)
		}
		defer f.Close()

		data, err := json.Marshal(event.Sanitized())
		if err != nil {
			return err
		}
		_, err = f.Write(append(data, '\n'))
		return err
	})
}

func (s *FileAuditStorage) readAll() ([]AuditEvent, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mcpsecurity: read audit log: %w", err)
	}
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev AuditEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}

func (s *FileAuditStorage) Query(ctx context.Context, filter AuditFilter, limit, offset int) ([]AuditEvent, error) {
	var result []AuditEvent
	err := s.withLock(ctx, func() error {
		events, err := s.readAll()
		if err != nil {
			return err
		}
		var matched []AuditEvent
		for _, ev := range events {
			if filter.Matches(ev) {
				matched = append(matched, ev)
			}
		}
		sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })
		result = paginate(matched, limit, offset)
		return nil
	})
	return result, err
}

func (s *FileAuditStorage) DeleteBefore(ctx context.Context, cutoff time.Time) error {
	return s.withLock(ctx, func() error {
		events, err := s.readAll()
		if err != nil {
			return err
		}
		var kept []AuditEvent
		for _, ev := range events {
			if !ev.Timestamp.Before(cutoff) {
				kept = append(kept, ev)
			}
		}

		f, err := os.OpenFile(s.path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		for _, ev := range kept {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if _, err := f.Write(append(data, '\n')); err != nil {
				return err
			}
		}
		return nil
	})
}

// AuditEventHandler receives every event passed to Log, whether or not the
// logger is enabled for persistence.
type AuditEventHandler func(AuditEvent)

// AuditLogger is the call-site-facing audit API: it stamps events, persists
// them to a pluggable AuditStorage, and fans them out to handlers.
type AuditLogger struct {
	storage AuditStorage

	mu       sync.RWMutex
	enabled  bool
	handlers []AuditEventHandler
}

// NewAuditLogger builds a logger writing to storage, enabled by default.
func NewAuditLogger(storage AuditStorage) *AuditLogger {
	return &AuditLogger{storage: storage, enabled: true}
}

// SetEnabled toggles whether Log persists events; handlers still fire with
// whatever Log was called with, matching the source implementation letting
// callers silence persistence without losing live observers.
func (l *AuditLogger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Enabled reports the current enabled state.
func (l *AuditLogger) Enabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.enabled
}

// AddHandler registers a handler to receive every future logged event.
func (l *AuditLogger) AddHandler(h AuditEventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Log persists event (if enabled) and fans it out to handlers.
func (l *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	l.mu.RLock()
	enabled := l.enabled
	handlers := make([]AuditEventHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}

	if !enabled {
		return nil
	}
	return l.storage.Store(ctx, event)
}

// LogToolExecution records a tools/call outcome, including how long the call
// took so consumers can enforce a non-negative duration_ms invariant.
func (l *AuditLogger) LogToolExecution(ctx context.Context, userID, server, tool string, arguments map[string]any, success bool, resultSummary string, duration time.Duration) error {
	ev := NewAuditEvent(EventToolCall)
	ev.UserID = userID
	ev.ServerName = server
	ev.ToolName = tool
	ev.Arguments = arguments
	ev.Success = success
	ev.Result = resultSummary
	if duration > 0 {
		ev.DurationMs = duration.Milliseconds()
	}
	return l.Log(ctx, ev)
}

// LogAccess records a permission decision.
func (l *AuditLogger) LogAccess(ctx context.Context, userID, server, tool string, granted bool) error {
	eventType := EventAccessDenied
	if granted {
		eventType = EventAccessGranted
	}
	ev := NewAuditEvent(eventType)
	ev.UserID = userID
	ev.ServerName = server
	ev.ToolName = tool
	ev.Success = granted
	return l.Log(ctx, ev)
}

// LogServerEvent records a connection lifecycle transition or error.
func (l *AuditLogger) LogServerEvent(ctx context.Context, server string, eventType AuditEventType, metadata map[string]any) error {
	ev := NewAuditEvent(eventType)
	ev.ServerName = server
	ev.Metadata = metadata
	ev.Success = eventType != EventServerError
	return l.Log(ctx, ev)
}

// Query delegates to the underlying storage.
func (l *AuditLogger) Query(ctx context.Context, filter AuditFilter, limit, offset int) ([]AuditEvent, error) {
	return l.storage.Query(ctx, filter, limit, offset)
}

// GetUserActivity returns the most recent events for a user.
func (l *AuditLogger) GetUserActivity(ctx context.Context, userID string, limit int) ([]AuditEvent, error) {
	return l.storage.Query(ctx, AuditFilter{UserID: userID}, limit, 0)
}

// GetServerActivity returns the most recent events for a server.
func (l *AuditLogger) GetServerActivity(ctx context.Context, server string, limit int) ([]AuditEvent, error) {
	return l.storage.Query(ctx, AuditFilter{ServerName: server}, limit, 0)
}

// Cleanup deletes events older than the given number of days.
func (l *AuditLogger) Cleanup(ctx context.Context, days int) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	return l.storage.DeleteBefore(ctx, cutoff)
}
