// Package sync implements the Synchronizer: it wraps a graph.Store and a
// state.Store over a substrate.Substrate, fanning local writes out to the
// substrate and turning substrate writes (local or remote) into observable
// events, with debouncing, conflict detection/resolution, and a per-key
// circuit breaker.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/loom-mesh/mesh/pkg/graph"
	"github.com/loom-mesh/mesh/pkg/mesherr"
	"github.com/loom-mesh/mesh/pkg/state"
	"github.com/loom-mesh/mesh/pkg/substrate"
)

// ChangeType classifies a GraphChange.
type ChangeType string

const (
	NodeCreated ChangeType = "node-created"
	NodeUpdated ChangeType = "node-updated"
	NodeDeleted ChangeType = "node-deleted"
	EdgeCreated ChangeType = "edge-created"
	EdgeUpdated ChangeType = "edge-updated"
	EdgeDeleted ChangeType = "edge-deleted"
)

// GraphChange describes a node or edge write observed on the substrate.
type GraphChange struct {
	Type ChangeType
	Node *graph.Node
	Edge *graph.Edge
}

// EventType names the kinds of events a Synchronizer emits.
type EventType string

const (
	EventSyncConnected    EventType = "sync-connected"
	EventSyncDisconnected EventType = "sync-disconnected"
	EventRemoteChange     EventType = "remote-change"
	EventConflictDetected EventType = "conflict-detected"
	EventSyncError        EventType = "sync-error"
	EventCircuitOpen      EventType = "circuit-open"
	EventCircuitClosed    EventType = "circuit-closed"
)

// Event is delivered to every registered Handler.
type Event struct {
	Type   EventType
	Key    string
	Change *GraphChange
	Actor  *state.ActorState
	Err    error
}

// Handler receives Synchronizer events. Handlers run synchronously on the
// goroutine that detected the condition; a slow handler slows the
// Synchronizer, so handlers should hand off long work to their own
// goroutine.
type Handler func(Event)

// ResolutionStrategy picks the winner between two conflicting actor
// records.
type ResolutionStrategy string

const (
	LastWriteWins  ResolutionStrategy = "last-write-wins"
	HighestVersion ResolutionStrategy = "highest-version"
	Merge          ResolutionStrategy = "merge"
)

// Config configures debounce, circuit breaker, history and conflict
// resolution behavior. Zero values are replaced by defaults in New.
type Config struct {
	DebounceWindow     time.Duration
	CircuitThreshold   int
	CircuitResetWindow time.Duration
	HistorySize        int
	Resolution         ResolutionStrategy
	AutoResolve        bool

	// Logger receives structured records for connect/disconnect, circuit
	// transitions, and conflict resolution. Defaults to a no-op logger,
	// matching the teacher's convention of a component logger obtained via
	// log.WithComponent rather than a package-global.
	Logger *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 100 * time.Millisecond
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = 5
	}
	if c.CircuitResetWindow <= 0 {
		c.CircuitResetWindow = 30 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 1000
	}
	if c.Resolution == "" {
		c.Resolution = LastWriteWins
	}
	return c
}

// Synchronizer connects a node's local stores to the replication
// substrate, per spec.md §4.3.
type Synchronizer struct {
	graph  graph.Store
	state  state.Store
	sub    substrate.Substrate
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	unsubs  []substrate.Unsubscribe

	handlersMu sync.Mutex
	handlers   []Handler

	breakers   breakerSet
	debouncer  debouncer
	selfWrites selfWriteTracker
	actors     actorTracker

	seenMu sync.Mutex
	seen   map[string]bool // graph key -> previously observed, for create/update classification

	historyMu sync.Mutex
	history   []GraphChange
}

// New constructs a Synchronizer over the given stores and substrate.
func New(graphStore graph.Store, stateStore state.Store, sub substrate.Substrate, cfg Config) *Synchronizer {
	cfg = cfg.withDefaults()

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "sync").Logger()
	}

	return &Synchronizer{
		graph:      graphStore,
		state:      stateStore,
		sub:        sub,
		cfg:        cfg,
		logger:     logger,
		breakers:   newBreakerSet(cfg.CircuitThreshold, cfg.CircuitResetWindow),
		debouncer:  newDebouncer(),
		selfWrites: newSelfWriteTracker(),
		actors:     newActorTracker(),
		seen:       make(map[string]bool),
	}
}

func actorPath(actorID string) string {
	return substrate.Path{"actors", actorID}.String()
}

func nodePath(id string) string {
	return substrate.Path{"nodes", id}.String()
}

func edgePath(id string) string {
	return substrate.Path{"edges", id}.String()
}

// OnEvent registers a handler invoked for every emitted Event. It may be
// called at any time; an emission already in progress does not reach the
// new handler.
func (s *Synchronizer) OnEvent(h Handler) {
	s.handlersMu.Lock()
	s.handlers = append(s.handlers, h)
	s.handlersMu.Unlock()
}

func (s *Synchronizer) emit(ev Event) {
	s.handlersMu.Lock()
	handlers := make([]Handler, len(s.handlers))
	copy(handlers, s.handlers)
	s.handlersMu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (s *Synchronizer) emitError(key string, err error) {
	s.logger.Warn().Str("key", key).Err(err).Msg("sync error")
	s.emit(Event{Type: EventSyncError, Key: key, Err: err})
}

// StartSync subscribes to the replicated nodes/edges/actors subtrees.
// Idempotent: calling it on an already-running Synchronizer is a no-op.
func (s *Synchronizer) StartSync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)

	subs := []struct {
		path substrate.Path
		fn   substrate.WatchFunc
	}{
		{substrate.Path{"nodes"}, s.onNodeWrite},
		{substrate.Path{"edges"}, s.onEdgeWrite},
		{substrate.Path{"actors"}, s.onActorWrite},
	}

	var unsubs []substrate.Unsubscribe
	for _, sub := range subs {
		unsub, err := s.sub.Watch(runCtx, sub.path, sub.fn)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			cancel()
			return fmt.Errorf("sync: watch %s: %w", sub.path, err)
		}
		unsubs = append(unsubs, unsub)
	}

	s.cancel = cancel
	s.unsubs = unsubs
	s.running = true

	s.logger.Info().Msg("sync started")
	s.emit(Event{Type: EventSyncConnected})
	return nil
}

// StopSync cancels all subscriptions and pending debounce timers.
// Idempotent.
func (s *Synchronizer) StopSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	s.debouncer.stopAll()
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
	s.cancel()
	s.cancel = nil
	s.running = false

	s.logger.Info().Msg("sync stopped")
	s.emit(Event{Type: EventSyncDisconnected})
}

// IsRunning reports whether StartSync has been called without a matching
// StopSync.
func (s *Synchronizer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetChangeHistory returns the last N remote changes applied, oldest first,
// ring-buffer semantics bounded by Config.HistorySize.
func (s *Synchronizer) GetChangeHistory() []GraphChange {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	out := make([]GraphChange, len(s.history))
	copy(out, s.history)
	return out
}

// ClearChangeHistory empties the change history ring buffer.
func (s *Synchronizer) ClearChangeHistory() {
	s.historyMu.Lock()
	s.history = nil
	s.historyMu.Unlock()
}

func (s *Synchronizer) recordHistory(change GraphChange) {
	s.historyMu.Lock()
	s.history = append(s.history, change)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.historyMu.Unlock()
}

func (s *Synchronizer) wasSeen(key string) bool {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	was := s.seen[key]
	s.seen[key] = true
	return was
}

func (s *Synchronizer) onNodeWrite(value any, key substrate.Path) {
	if s.selfWrites.consume(key.String()) {
		s.wasSeen(key.String()) // still record existence so a later remote write classifies as an update
		return
	}
	var node graph.Node
	if err := decodeValue(value, &node); err != nil {
		s.emitError(key.String(), fmt.Errorf("sync: decode node: %w", err))
		return
	}

	changeType := NodeUpdated
	if node.Deleted {
		changeType = NodeDeleted
	} else if !s.wasSeen(key.String()) {
		changeType = NodeCreated
	}

	change := GraphChange{Type: changeType, Node: &node}
	s.recordHistory(change)
	s.emit(Event{Type: EventRemoteChange, Key: key.String(), Change: &change})
}

func (s *Synchronizer) onEdgeWrite(value any, key substrate.Path) {
	if s.selfWrites.consume(key.String()) {
		s.wasSeen(key.String())
		return
	}
	var edge graph.Edge
	if err := decodeValue(value, &edge); err != nil {
		s.emitError(key.String(), fmt.Errorf("sync: decode edge: %w", err))
		return
	}

	changeType := EdgeUpdated
	if edge.Deleted {
		changeType = EdgeDeleted
	} else if !s.wasSeen(key.String()) {
		changeType = EdgeCreated
	}

	change := GraphChange{Type: changeType, Edge: &edge}
	s.recordHistory(change)
	s.emit(Event{Type: EventRemoteChange, Key: key.String(), Change: &change})
}

// remoteActorDoc mirrors the JSON shape state.Store writes at
// actors/{actorId} (spec.md §6), decoded here without depending on the
// state package's unexported wire type.
type remoteActorDoc struct {
	ActorID      string         `json:"actorId"`
	ActorType    string         `json:"actorType"`
	State        map[string]any `json:"state"`
	Version      int64          `json:"version"`
	LastModified time.Time      `json:"lastModified"`
	Metadata     map[string]any `json:"metadata"`
	Tombstone    bool           `json:"tombstone,omitempty"`
}

func (s *Synchronizer) onActorWrite(value any, key substrate.Path) {
	if s.selfWrites.consume(key.String()) {
		return
	}

	var doc remoteActorDoc
	if err := decodeValue(value, &doc); err != nil {
		s.emitError(key.String(), fmt.Errorf("sync: decode actor: %w", err))
		return
	}
	if doc.Tombstone {
		return
	}

	s.handleRemoteActor(doc)
}

func decodeValue(value any, out any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("%w: expected JSON-string leaf", mesherr.ErrCorrupt)
	}
	return json.Unmarshal([]byte(s), out)
}
