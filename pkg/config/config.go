// Package config loads a mesh node's Config from a YAML file and/or
// MESH_*-prefixed environment variables, producing the same shape
// pkg/service.Config recognizes. Environment variables take precedence
// over the file, matching the teacher's env-overlays-file precedence for
// its own Neo4j-compatible configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loom-mesh/mesh/pkg/mesherr"
	"github.com/loom-mesh/mesh/pkg/service"
)

// Duration wraps time.Duration with YAML (un)marshaling as a Go duration
// string ("5s", "1m30s"), since yaml.v3 has no native duration type.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// StorageConfig mirrors service.StorageConfig for YAML/env loading.
type StorageConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path,omitempty"`
}

// PeersConfig mirrors service.PeersConfig for YAML/env loading.
type PeersConfig struct {
	Endpoints  []string `yaml:"endpoints"`
	MaxRetries int      `yaml:"maxRetries"`
	RetryDelay Duration `yaml:"retryDelay"`
	Timeout    Duration `yaml:"timeout"`
}

// TLSConfig mirrors service.TLSConfig for YAML/env loading.
type TLSConfig struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// WebSocketConfig mirrors service.WebSocketConfig for YAML/env loading.
type WebSocketConfig struct {
	Enabled bool       `yaml:"enabled"`
	Port    int        `yaml:"port"`
	Host    string     `yaml:"host"`
	TLS     *TLSConfig `yaml:"tls,omitempty"`
}

// Config is the on-disk/environment shape of a node's configuration, per
// spec.md §6. ToServiceConfig converts it to pkg/service.Config.
type Config struct {
	Name            string          `yaml:"name"`
	Storage         StorageConfig   `yaml:"storage"`
	Peers           PeersConfig     `yaml:"peers"`
	WebSocket       WebSocketConfig `yaml:"webSocket"`
	MetricsInterval Duration        `yaml:"metricsInterval"`
	Debug           bool            `yaml:"debug"`
}

// Load reads path as YAML (if path is non-empty; a missing file is an
// error) and overlays MESH_*-prefixed environment variables on top. An
// empty path starts from a zero-valued Config plus environment overlay
// only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Name = getEnv("MESH_NAME", c.Name)
	c.Storage.Type = getEnv("MESH_STORAGE_TYPE", c.Storage.Type)
	c.Storage.Path = getEnv("MESH_STORAGE_PATH", c.Storage.Path)

	c.Peers.Endpoints = getEnvStringSlice("MESH_PEERS_ENDPOINTS", c.Peers.Endpoints)
	c.Peers.MaxRetries = getEnvInt("MESH_PEERS_MAX_RETRIES", c.Peers.MaxRetries)
	c.Peers.RetryDelay = getEnvDuration("MESH_PEERS_RETRY_DELAY", c.Peers.RetryDelay)
	c.Peers.Timeout = getEnvDuration("MESH_PEERS_TIMEOUT", c.Peers.Timeout)

	c.WebSocket.Enabled = getEnvBool("MESH_WEBSOCKET_ENABLED", c.WebSocket.Enabled)
	c.WebSocket.Port = getEnvInt("MESH_WEBSOCKET_PORT", c.WebSocket.Port)
	c.WebSocket.Host = getEnv("MESH_WEBSOCKET_HOST", c.WebSocket.Host)

	c.MetricsInterval = getEnvDuration("MESH_METRICS_INTERVAL", c.MetricsInterval)
	c.Debug = getEnvBool("MESH_DEBUG", c.Debug)
}

// Validate reports whether the loaded Config has the fields its
// storage.type requires. service.Service.Start independently validates
// again on a richer Config (with Dialer/Logger/Adapter set), but failing
// fast here lets a CLI reject a broken config file before constructing
// anything.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "", "memory", "disk", "custom":
	default:
		return fmt.Errorf("%w: unknown storage.type %q", mesherr.ErrInvalid, c.Storage.Type)
	}
	if c.Storage.Type == "disk" && c.Storage.Path == "" {
		return fmt.Errorf("%w: storage.path required for storage.type=disk", mesherr.ErrInvalid)
	}
	if c.WebSocket.Port < 0 || c.WebSocket.Port > 65535 {
		return fmt.Errorf("%w: webSocket.port %d out of range", mesherr.ErrInvalid, c.WebSocket.Port)
	}
	return nil
}

// ToServiceConfig converts the loaded Config into a service.Config. The
// Storage.Adapter, Dialer, and Logger fields are not representable in
// YAML/env and are left for the caller to set afterward.
func (c *Config) ToServiceConfig() service.Config {
	var tls *service.TLSConfig
	if c.WebSocket.TLS != nil {
		tls = &service.TLSConfig{CertFile: c.WebSocket.TLS.CertFile, KeyFile: c.WebSocket.TLS.KeyFile}
	}
	return service.Config{
		Name: c.Name,
		Storage: service.StorageConfig{
			Type: service.StorageType(c.Storage.Type),
			Path: c.Storage.Path,
		},
		Peers: service.PeersConfig{
			Endpoints:  c.Peers.Endpoints,
			MaxRetries: c.Peers.MaxRetries,
			RetryDelay: time.Duration(c.Peers.RetryDelay),
			Timeout:    time.Duration(c.Peers.Timeout),
		},
		WebSocket: service.WebSocketConfig{
			Enabled: c.WebSocket.Enabled,
			Port:    c.WebSocket.Port,
			Host:    c.WebSocket.Host,
			TLS:     tls,
		},
		MetricsInterval: time.Duration(c.MetricsInterval),
		Debug:           c.Debug,
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal Duration) Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return Duration(d)
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
