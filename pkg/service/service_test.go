package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-mesh/mesh/pkg/substrate"
)

// stubDialer resolves endpoints from a fixed table, either succeeding
// immediately or failing every attempt, so tests don't depend on real
// network access.
type stubDialer struct {
	fail map[string]bool
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func (d *stubDialer) Dial(ctx context.Context, endpoint string) (io.Closer, error) {
	if d.fail[endpoint] {
		return nil, errors.New("stub: dial refused")
	}
	return nopCloser{}, nil
}

// trackingDialer records whether Dial was invoked at all, to assert
// ordering against a later startup step.
type trackingDialer struct {
	stubDialer
	dialed *bool
}

func (d *trackingDialer) Dial(ctx context.Context, endpoint string) (io.Closer, error) {
	*d.dialed = true
	return d.stubDialer.Dial(ctx, endpoint)
}

// substrateReceivingDialer records the substrate it was handed before the
// first Dial call, so tests can assert Start wires SubstrateReceiver
// before dialing begins.
type substrateReceivingDialer struct {
	stubDialer
	receivedBeforeDial bool
	sub                substrate.Substrate
}

func (d *substrateReceivingDialer) SetSubstrate(sub substrate.Substrate) {
	d.sub = sub
}

func (d *substrateReceivingDialer) Dial(ctx context.Context, endpoint string) (io.Closer, error) {
	d.receivedBeforeDial = d.sub != nil
	return d.stubDialer.Dial(ctx, endpoint)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Dialer = &stubDialer{}
	cfg.MetricsInterval = time.Hour // tests read GetMetrics directly, not via the loop
	return cfg
}

func TestStart_OrderedStartupSucceedsWithMemoryStorage(t *testing.T) {
	s := New(testConfig())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, StateRunning, s.State())
	assert.NotNil(t, s.Graph())
	assert.NotNil(t, s.Actors())
	assert.NotNil(t, s.Sync())
	assert.NotNil(t, s.Txn())
	assert.NotNil(t, s.Query())
	assert.True(t, s.Sync().IsRunning())
}

func TestStart_DiskStorageCreatesDirectoryAndOpensSubstrate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	cfg := testConfig()
	cfg.Storage = StorageConfig{Type: StorageDisk, Path: dir}
	s := New(cfg)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, StateRunning, s.State())
	assert.DirExists(t, dir)
}

func TestStart_InvalidConfigFailsFastWithoutRunningAnyStep(t *testing.T) {
	cfg := testConfig()
	cfg.Storage = StorageConfig{Type: StorageDisk} // missing Path

	s := New(cfg)
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateStopped, s.State(), "validation failure must not even enter StateStarting")
}

func TestStop_RunsAccumulatedCleanupInReverseOrder(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Storage = StorageConfig{Type: StorageDisk, Path: dir}
	s := New(cfg)

	require.NoError(t, s.Start(context.Background()))

	var order []int
	s.addCleanup(func() { order = append(order, 1) })
	s.addCleanup(func() { order = append(order, 2) })

	require.NoError(t, s.Stop())
	assert.Equal(t, []int{2, 1}, order)
}

func TestStart_StorageFailurePreventsDialingAndRunsCleanup(t *testing.T) {
	// A regular file where the storage directory should be makes MkdirAll
	// fail right after substrate init, before peer dialing ever runs,
	// exercising the ERROR transition and its cleanup run.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))

	dialed := false
	cfg := testConfig()
	cfg.Peers = PeersConfig{Endpoints: []string{"ws://a"}, MaxRetries: 0, RetryDelay: time.Millisecond, Timeout: time.Second}
	cfg.Dialer = &trackingDialer{stubDialer: stubDialer{}, dialed: &dialed}
	cfg.Storage = StorageConfig{Type: StorageDisk, Path: filepath.Join(blocker, "data")}
	s := New(cfg)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, s.State())
	assert.Equal(t, int64(1), s.errorCount.Load())
	assert.False(t, dialed, "storage must be ready, or have failed, before peer dialing begins")
}

func TestStart_WiresSubstrateIntoDialerBeforeDialing(t *testing.T) {
	dialer := &substrateReceivingDialer{stubDialer: stubDialer{}}
	cfg := testConfig()
	cfg.Peers = PeersConfig{Endpoints: []string{"ws://a"}, MaxRetries: 0, RetryDelay: time.Millisecond, Timeout: time.Second}
	cfg.Dialer = dialer
	s := New(cfg)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.True(t, dialer.receivedBeforeDial)
	assert.Same(t, s.Substrate(), dialer.sub)
}

func TestStart_Idempotent(t *testing.T) {
	s := New(testConfig())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background())) // no-op, already running
	s.Stop()
	assert.Equal(t, StateStopped, s.State())
}

func TestStop_Idempotent(t *testing.T) {
	s := New(testConfig())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop()) // no-op, already stopped
	assert.Equal(t, StateStopped, s.State())
}

func TestGetHealth_NoPeersIsHealthy(t *testing.T) {
	s := New(testConfig())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, HealthHealthy, s.GetHealth())
}

func TestGetHealth_MajorityConnectedIsHealthy(t *testing.T) {
	cfg := testConfig()
	cfg.Peers = PeersConfig{Endpoints: []string{"ws://a", "ws://b", "ws://c"}, MaxRetries: 0, RetryDelay: time.Millisecond, Timeout: time.Second}
	cfg.Dialer = &stubDialer{fail: map[string]bool{"ws://c": true}}

	s := New(cfg)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, HealthHealthy, s.GetHealth())
}

func TestGetHealth_BelowMajorityIsDegraded(t *testing.T) {
	cfg := testConfig()
	cfg.Peers = PeersConfig{Endpoints: []string{"ws://a", "ws://b", "ws://c"}, MaxRetries: 0, RetryDelay: time.Millisecond, Timeout: time.Second}
	cfg.Dialer = &stubDialer{fail: map[string]bool{"ws://b": true, "ws://c": true}}

	s := New(cfg)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, HealthDegraded, s.GetHealth())
}

func TestGetHealth_NoneConnectedIsUnhealthy(t *testing.T) {
	cfg := testConfig()
	cfg.Peers = PeersConfig{Endpoints: []string{"ws://a", "ws://b"}, MaxRetries: 0, RetryDelay: time.Millisecond, Timeout: time.Second}
	cfg.Dialer = &stubDialer{fail: map[string]bool{"ws://a": true, "ws://b": true}}

	s := New(cfg)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, HealthUnhealthy, s.GetHealth())
	assert.Equal(t, int64(2), s.errorCount.Load(), "each exhausted peer counts an error")
}

func TestGetHealth_ExhaustedRetriesDoNotFailStart(t *testing.T) {
	cfg := testConfig()
	cfg.Peers = PeersConfig{Endpoints: []string{"ws://a"}, MaxRetries: 2, RetryDelay: time.Millisecond, Timeout: time.Second}
	cfg.Dialer = &stubDialer{fail: map[string]bool{"ws://a": true}}

	s := New(cfg)
	require.NoError(t, s.Start(context.Background()), "Start must succeed even though every peer failed to dial")
	defer s.Stop()

	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, HealthUnhealthy, s.GetHealth())
}

func TestGetMetrics_ReportsLiveSnapshot(t *testing.T) {
	cfg := testConfig()
	cfg.Name = "node-1"
	cfg.Peers = PeersConfig{Endpoints: []string{"ws://a"}, MaxRetries: 0, RetryDelay: time.Millisecond, Timeout: time.Second}

	s := New(cfg)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	time.Sleep(5 * time.Millisecond)
	m := s.GetMetrics()

	assert.Equal(t, 1, m.TotalPeers)
	assert.Equal(t, 1, m.ConnectedPeers)
	assert.Equal(t, "memory", m.StorageType)
	assert.Equal(t, StateRunning, m.State)
	assert.Greater(t, m.Uptime, time.Duration(0))
}

func TestGetMetrics_BeforeStartReportsStoppedAndZeroUptime(t *testing.T) {
	s := New(testConfig())
	m := s.GetMetrics()
	assert.Equal(t, StateStopped, m.State)
	assert.Equal(t, time.Duration(0), m.Uptime)
}
