// Package audit provides an append-only log of write operations against
// the mesh: graph writes/deletes and actor writes, transaction outcomes, conflict
// resolutions, and circuit breaker transitions. It exists so an operator
// can answer "what changed, and why" independently of the event-sourced
// patch log pkg/state already keeps per actor - this is a flat,
// cross-actor trail meant for operational review, not replay.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType classifies an audit Event.
type EventType string

const (
	EventNodeWrite  EventType = "NODE_WRITE"
	EventNodeDelete EventType = "NODE_DELETE"
	EventEdgeWrite  EventType = "EDGE_WRITE"
	EventEdgeDelete EventType = "EDGE_DELETE"
	EventActorWrite EventType = "ACTOR_WRITE"

	EventTxnCommit   EventType = "TXN_COMMIT"
	EventTxnRollback EventType = "TXN_ROLLBACK"

	EventConflictDetected EventType = "CONFLICT_DETECTED"
	EventConflictResolved EventType = "CONFLICT_RESOLVED"
	EventCircuitOpen      EventType = "CIRCUIT_OPEN"
	EventCircuitClosed    EventType = "CIRCUIT_CLOSED"

	EventPeerConnected    EventType = "PEER_CONNECTED"
	EventPeerDisconnected EventType = "PEER_DISCONNECTED"

	EventServiceStarted EventType = "SERVICE_STARTED"
	EventServiceStopped EventType = "SERVICE_STOPPED"
)

// Event is one immutable audit log entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	// ResourceType/ResourceID name what the event concerns: a node id, an
	// edge id, an actor id, a transaction id, or a peer endpoint,
	// depending on Type.
	ResourceType string `json:"resourceType,omitempty"`
	ResourceID   string `json:"resourceId,omitempty"`

	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Config configures a Logger.
type Config struct {
	// Enabled disables all logging when false, turning Log into a no-op
	// rather than requiring every call site to check a flag itself.
	Enabled bool

	// LogPath is the append-only log file. Ignored if a Logger is built
	// with NewLoggerWithWriter.
	LogPath string

	// SyncWrites fsyncs after every write. Off by default; set for
	// deployments where losing the last few audit lines on a crash is
	// unacceptable.
	SyncWrites bool

	// AlertOnEvents triggers the registered alert callback for these
	// event types, regardless of Success.
	AlertOnEvents []EventType
}

// DefaultConfig returns sensible defaults: enabled, writing to
// ./logs/audit.log, alerting on circuit-open and conflict-detected.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		LogPath:       "./logs/audit.log",
		AlertOnEvents: []EventType{EventCircuitOpen, EventConflictDetected},
	}
}

// Logger appends Events to a log, optionally alerting on specific types.
// Safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	writer   io.Writer
	file     *os.File
	config   Config
	sequence uint64
	closed   bool

	alertCallback func(Event)
}

// NewLogger opens (creating if needed) config.LogPath in append mode. A
// disabled Config returns a Logger whose Log calls are no-ops without
// touching the filesystem.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}

	dir := filepath.Dir(config.LogPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("audit: create log directory %s: %w", dir, err)
	}

	file, err := os.OpenFile(config.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit: open log file %s: %w", config.LogPath, err)
	}

	return &Logger{writer: file, file: file, config: config}, nil
}

// NewLoggerWithWriter builds a Logger over an arbitrary writer, for tests
// and for embedding callers that want the events without a file.
func NewLoggerWithWriter(writer io.Writer, config Config) *Logger {
	config.Enabled = true
	return &Logger{writer: writer, config: config}
}

// SetAlertCallback registers fn to run synchronously, within Log, for
// every event whose Type appears in Config.AlertOnEvents.
func (l *Logger) SetAlertCallback(fn func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alertCallback = fn
}

// Log appends event to the trail, assigning Timestamp and ID if unset.
func (l *Logger) Log(event Event) error {
	if !l.config.Enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("audit: logger is closed")
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		l.sequence++
		event.ID = fmt.Sprintf("audit-%d-%d", event.Timestamp.UnixNano(), l.sequence)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: write event: %w", err)
	}
	if l.config.SyncWrites && l.file != nil {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("audit: sync log: %w", err)
		}
	}

	if l.alertCallback != nil {
		for _, alertType := range l.config.AlertOnEvents {
			if event.Type == alertType {
				l.alertCallback(event)
				break
			}
		}
	}
	return nil
}

// Close closes the underlying file, if any. Safe to call once; a second
// call returns nil without error, matching the teacher's idempotent
// shutdown convention elsewhere in the core.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Query selects a subset of a log file's events for Reader.Query.
type Query struct {
	EventTypes []EventType
	ResourceID string
	Start      time.Time
	End        time.Time
	Limit      int
}

// QueryResult is the outcome of a Query.
type QueryResult struct {
	Events     []Event
	TotalCount int
	Truncated  bool
}

// Reader reads back a Logger's append-only file for operational review.
type Reader struct {
	path string
}

// NewReader opens path for reading via Query. The file is not held open
// between calls; each Query reads the file fresh, so it reflects writes
// made after the Reader was constructed.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Query scans the log file, returning events matching q in file order.
func (r *Reader) Query(q Query) (*QueryResult, error) {
	file, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("audit: open log file %s: %w", r.path, err)
	}
	defer file.Close()

	result := &QueryResult{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue // corrupt or partially-written line; skip rather than fail the whole query
		}
		if !matchesQuery(event, q) {
			continue
		}
		result.TotalCount++
		if q.Limit > 0 && len(result.Events) >= q.Limit {
			result.Truncated = true
			continue
		}
		result.Events = append(result.Events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read log file %s: %w", r.path, err)
	}
	return result, nil
}

func matchesQuery(event Event, q Query) bool {
	if len(q.EventTypes) > 0 && !containsEventType(q.EventTypes, event.Type) {
		return false
	}
	if q.ResourceID != "" && event.ResourceID != q.ResourceID {
		return false
	}
	if !q.Start.IsZero() && event.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && event.Timestamp.After(q.End) {
		return false
	}
	return true
}

func containsEventType(types []EventType, t EventType) bool {
	for _, et := range types {
		if et == t {
			return true
		}
	}
	return false
}

// GetResourceActivity returns every event concerning resourceID within
// [start, end], in file order.
func (r *Reader) GetResourceActivity(resourceID string, start, end time.Time) (*QueryResult, error) {
	return r.Query(Query{ResourceID: resourceID, Start: start, End: end})
}
