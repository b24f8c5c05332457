package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loom-mesh/mesh/pkg/service"
)

func TestLoad_FromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mesh.yaml")
	yamlBody := `
name: node-a
storage:
  type: disk
  path: /var/lib/mesh
peers:
  endpoints: ["ws://peer-1:8765", "ws://peer-2:8765"]
  maxRetries: 3
  retryDelay: 2s
  timeout: 15s
webSocket:
  enabled: true
  port: 9000
  host: 127.0.0.1
metricsInterval: 10s
debug: true
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "node-a", cfg.Name)
	require.Equal(t, "disk", cfg.Storage.Type)
	require.Equal(t, "/var/lib/mesh", cfg.Storage.Path)
	require.Equal(t, []string{"ws://peer-1:8765", "ws://peer-2:8765"}, cfg.Peers.Endpoints)
	require.Equal(t, 3, cfg.Peers.MaxRetries)
	require.Equal(t, Duration(2*time.Second), cfg.Peers.RetryDelay)
	require.Equal(t, Duration(15*time.Second), cfg.Peers.Timeout)
	require.Equal(t, 9000, cfg.WebSocket.Port)
	require.Equal(t, "127.0.0.1", cfg.WebSocket.Host)
	require.Equal(t, Duration(10*time.Second), cfg.MetricsInterval)
	require.True(t, cfg.Debug)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: from-file\nwebSocket:\n  port: 8765\n"), 0o644))

	t.Setenv("MESH_NAME", "from-env")
	t.Setenv("MESH_WEBSOCKET_PORT", "9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Name)
	require.Equal(t, 9999, cfg.WebSocket.Port)
}

func TestLoad_EmptyPathUsesEnvOnly(t *testing.T) {
	t.Setenv("MESH_NAME", "env-only")
	t.Setenv("MESH_PEERS_ENDPOINTS", "ws://a:1, ws://b:2")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "env-only", cfg.Name)
	require.Equal(t, []string{"ws://a:1", "ws://b:2"}, cfg.Peers.Endpoints)
}

func TestConfig_ValidateRejectsUnknownStorageType(t *testing.T) {
	cfg := &Config{Storage: StorageConfig{Type: "postgres"}}
	require.Error(t, cfg.Validate())
}

func TestConfig_ValidateRequiresPathForDisk(t *testing.T) {
	cfg := &Config{Storage: StorageConfig{Type: "disk"}}
	require.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsOutOfRangePort(t *testing.T) {
	cfg := &Config{WebSocket: WebSocketConfig{Port: 70000}}
	require.Error(t, cfg.Validate())
}

func TestConfig_ToServiceConfig(t *testing.T) {
	cfg := &Config{
		Name:            "node-a",
		Storage:         StorageConfig{Type: "memory"},
		Peers:           PeersConfig{Endpoints: []string{"ws://peer:8765"}, MaxRetries: 2, RetryDelay: Duration(time.Second), Timeout: Duration(5 * time.Second)},
		WebSocket:       WebSocketConfig{Enabled: true, Port: 8765, Host: "0.0.0.0"},
		MetricsInterval: Duration(5 * time.Second),
	}

	svcCfg := cfg.ToServiceConfig()
	require.Equal(t, "node-a", svcCfg.Name)
	require.Equal(t, service.StorageMemory, svcCfg.Storage.Type)
	require.Equal(t, []string{"ws://peer:8765"}, svcCfg.Peers.Endpoints)
	require.Equal(t, time.Second, svcCfg.Peers.RetryDelay)
	require.Equal(t, 5*time.Second, svcCfg.MetricsInterval)
}
