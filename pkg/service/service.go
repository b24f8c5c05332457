// Package service implements the Service Shell: the lifecycle wrapper that
// brings up a node's substrate, prepares storage, dials its configured
// peers, and wires the Graph Store, State Store, Synchronizer,
// Transaction Manager, and Query Engine together into one handle, per
// spec.md §4.6. It owns every stateful resource a node needs; the rest of
// the core is built to be constructed directly against a substrate, so
// Service exists for callers who want the ordered bring-up and the
// health/metrics surface rather than wiring components by hand.
package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/loom-mesh/mesh/pkg/graph"
	"github.com/loom-mesh/mesh/pkg/mesherr"
	"github.com/loom-mesh/mesh/pkg/query"
	"github.com/loom-mesh/mesh/pkg/state"
	"github.com/loom-mesh/mesh/pkg/substrate"
	syncpkg "github.com/loom-mesh/mesh/pkg/sync"
	"github.com/loom-mesh/mesh/pkg/txn"
)

// State is the Service's own lifecycle position, distinct from Health
// (which reflects peer connectivity once Running).
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// Health summarizes peer connectivity, per spec.md §4.6.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// StorageType selects how the substrate backing a Service is constructed.
type StorageType string

const (
	StorageMemory StorageType = "memory"
	StorageDisk   StorageType = "disk"
	StorageCustom StorageType = "custom"
)

// StorageConfig configures storage bring-up.
type StorageConfig struct {
	Type StorageType
	// Path is required for Type == StorageDisk: the directory Badger
	// persists to.
	Path string
	// Adapter is required for Type == StorageCustom: a caller-supplied
	// substrate, used as-is.
	Adapter substrate.Substrate
}

// PeersConfig configures peer dialing.
type PeersConfig struct {
	Endpoints  []string
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// WebSocketConfig configures the peer-link listener. Service itself does
// not open a listener - pkg/transport does, keyed off this config - but
// Service carries it so a single Config value describes a whole node.
type WebSocketConfig struct {
	Enabled bool
	Port    int
	Host    string
	TLS     *TLSConfig
}

// TLSConfig names a certificate/key pair on disk. Opaque to Service.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config is the full set of options recognized by a Service, per
// spec.md §6.
type Config struct {
	Name            string
	Storage         StorageConfig
	Peers           PeersConfig
	WebSocket       WebSocketConfig
	MetricsInterval time.Duration
	Debug           bool

	// Dialer overrides how Start dials peer endpoints. Defaults to a
	// websocket dialer matching WebSocket's scheme. Tests supply a stub.
	Dialer Dialer

	// Logger overrides the component logger. Defaults to a zerolog JSON
	// writer on stdout, at debug level when Debug is set and info level
	// otherwise.
	Logger *zerolog.Logger
}

// DefaultConfig returns a Config with every documented default applied,
// including WebSocket.Enabled=true, which a zero Config cannot represent.
func DefaultConfig() Config {
	return Config{
		Storage:         StorageConfig{Type: StorageMemory},
		Peers:           PeersConfig{MaxRetries: 5, RetryDelay: time.Second, Timeout: 10 * time.Second},
		WebSocket:       WebSocketConfig{Enabled: true, Port: 8765, Host: "0.0.0.0"},
		MetricsInterval: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.Storage.Type == "" {
		c.Storage.Type = StorageMemory
	}
	if c.Peers.MaxRetries <= 0 {
		c.Peers.MaxRetries = 5
	}
	if c.Peers.RetryDelay <= 0 {
		c.Peers.RetryDelay = time.Second
	}
	if c.Peers.Timeout <= 0 {
		c.Peers.Timeout = 10 * time.Second
	}
	if c.WebSocket.Port == 0 {
		c.WebSocket.Port = 8765
	}
	if c.WebSocket.Host == "" {
		c.WebSocket.Host = "0.0.0.0"
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 5 * time.Second
	}
	return c
}

func (c Config) validate() error {
	switch c.Storage.Type {
	case StorageMemory:
	case StorageDisk:
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage.path required for storage.type=disk", mesherr.ErrInvalid)
		}
	case StorageCustom:
		if c.Storage.Adapter == nil {
			return fmt.Errorf("%w: storage.adapter required for storage.type=custom", mesherr.ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown storage.type %q", mesherr.ErrInvalid, c.Storage.Type)
	}
	if c.WebSocket.Port < 0 || c.WebSocket.Port > 65535 {
		return fmt.Errorf("%w: webSocket.port %d out of range", mesherr.ErrInvalid, c.WebSocket.Port)
	}
	return nil
}

// Metrics is a point-in-time snapshot, per spec.md §4.6.
type Metrics struct {
	ConnectedPeers int
	TotalPeers     int
	StorageType    string
	DiskUsage      int64
	Uptime         time.Duration
	State          State
	ErrorCount     int64
}

// Service is a running (or not-yet-running) mesh node: one substrate, one
// Graph Store, one State Store, one Synchronizer, one Transaction Manager,
// one Query Engine, and the peer/health/metrics bookkeeping around them.
type Service struct {
	cfg    Config
	logger zerolog.Logger
	dialer Dialer

	mu         sync.Mutex
	state      State
	startedAt  time.Time
	cleanup    []func()
	errorCount atomic.Int64

	sub   substrate.Substrate
	peers *peerSet

	graphStore   graph.Store
	stateStore   state.Store
	synchronizer *syncpkg.Synchronizer
	txnManager   *txn.Manager
	queryEngine  *query.Engine

	registry    *prometheus.Registry
	prom        *promMetrics
	metricsStop chan struct{}
	metricsDone chan struct{}
}

// New constructs a Service. Call Start to bring it up.
func New(cfg Config) *Service {
	cfg = cfg.withDefaults()

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		level := zerolog.InfoLevel
		if cfg.Debug {
			level = zerolog.DebugLevel
		}
		logger = zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("component", "service").Logger()
	}
	if cfg.Name != "" {
		logger = logger.With().Str("name", cfg.Name).Logger()
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = newWebSocketDialer()
	}

	registry := prometheus.NewRegistry()
	prom := newPromMetrics(cfg.Name)
	prom.register(registry)

	return &Service{
		cfg:      cfg,
		logger:   logger,
		dialer:   dialer,
		state:    StateStopped,
		registry: registry,
		prom:     prom,
	}
}

// Start runs substrate init, storage-directory creation, and peer dialing,
// in that order; peers are dialed only after storage is ready. Any failure transitions the Service to
// StateError and runs the cleanup handlers accumulated by whichever steps
// succeeded before the failure. Idempotent while already starting or
// running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStarting || s.state == StateRunning {
		s.mu.Unlock()
		return nil
	}
	if err := s.cfg.validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = StateStarting
	s.mu.Unlock()

	if err := s.initSubstrate(); err != nil {
		return s.fail(err)
	}
	if err := s.prepareStorage(); err != nil {
		return s.fail(err)
	}
	// Dialing happens only once s.sub is ready in every storage mode -
	// a Dialer that links the connection to the local substrate (as
	// pkg/transport's does) needs it to exist first.
	if recv, ok := s.dialer.(SubstrateReceiver); ok {
		recv.SetSubstrate(s.sub)
	}
	if err := s.dialPeers(ctx); err != nil {
		return s.fail(err)
	}

	s.graphStore = graph.NewSubstrateStore(context.Background(), s.sub)
	s.stateStore = state.NewSubstrateStore(s.sub)
	s.txnManager = txn.NewManager(s.graphStore)
	s.queryEngine = query.NewEngine(s.graphStore)
	s.synchronizer = syncpkg.New(s.graphStore, s.stateStore, s.sub, syncpkg.Config{Logger: &s.logger})
	if err := s.synchronizer.StartSync(ctx); err != nil {
		return s.fail(fmt.Errorf("service: start sync: %w", err))
	}
	s.addCleanup(s.synchronizer.StopSync)

	s.startMetricsLoop()

	s.mu.Lock()
	s.state = StateRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info().Msg("service started")
	return nil
}

// Stop tears the Service down in reverse cleanup order. Idempotent.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateStopping {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	cleanups := s.cleanup
	s.cleanup = nil
	s.mu.Unlock()

	s.stopMetricsLoop()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	s.logger.Info().Msg("service stopped")
	return nil
}

func (s *Service) fail(err error) error {
	s.mu.Lock()
	s.state = StateError
	s.errorCount.Add(1)
	cleanups := s.cleanup
	s.cleanup = nil
	s.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}

	s.logger.Error().Err(err).Msg("service start failed")
	return err
}

func (s *Service) addCleanup(fn func()) {
	s.mu.Lock()
	s.cleanup = append(s.cleanup, fn)
	s.mu.Unlock()
}

// State returns the Service's current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GetHealth reports peer-connectivity health, per spec.md §4.6.
func (s *Service) GetHealth() Health {
	total, connected := s.peerCounts()
	if total == 0 {
		return HealthHealthy
	}
	majority := total/2 + 1
	switch {
	case connected >= majority:
		return HealthHealthy
	case connected > 0:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// GetMetrics returns a point-in-time snapshot and refreshes the Prometheus
// gauges backing Registry().
func (s *Service) GetMetrics() Metrics {
	total, connected := s.peerCounts()

	s.mu.Lock()
	st := s.state
	startedAt := s.startedAt
	s.mu.Unlock()

	var uptime time.Duration
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt)
	}

	m := Metrics{
		ConnectedPeers: connected,
		TotalPeers:     total,
		StorageType:    string(s.cfg.Storage.Type),
		DiskUsage:      s.diskUsage(),
		Uptime:         uptime,
		State:          st,
		ErrorCount:     s.errorCount.Load(),
	}
	s.prom.update(m)
	return m
}

// Registry exposes the Service's private Prometheus registry, so an
// external HTTP collaborator (outside the core, per spec.md §6) can mount
// a scrape endpoint without relying on the global default registry -
// multiple Services may coexist in one process.
func (s *Service) Registry() *prometheus.Registry {
	return s.registry
}

// Graph returns the node's Graph Store. Valid once Start has returned nil.
func (s *Service) Graph() graph.Store { return s.graphStore }

// Actors returns the node's State Store. Valid once Start has returned nil.
func (s *Service) Actors() state.Store { return s.stateStore }

// Sync returns the node's Synchronizer. Valid once Start has returned nil.
func (s *Service) Sync() *syncpkg.Synchronizer { return s.synchronizer }

// Txn returns the node's Transaction Manager. Valid once Start has
// returned nil.
func (s *Service) Txn() *txn.Manager { return s.txnManager }

// Query returns the node's Query Engine. Valid once Start has returned
// nil.
func (s *Service) Query() *query.Engine { return s.queryEngine }

// Substrate returns the node's underlying substrate. Valid once Start has
// returned nil. Exposed so a caller can mount a pkg/transport.Server on
// it to accept inbound peer links - Service itself only dials outbound,
// per WebSocketConfig's doc comment.
func (s *Service) Substrate() substrate.Substrate { return s.sub }
