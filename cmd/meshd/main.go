// Package main provides the mesh node CLI entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/loom-mesh/mesh/pkg/audit"
	"github.com/loom-mesh/mesh/pkg/config"
	"github.com/loom-mesh/mesh/pkg/service"
	"github.com/loom-mesh/mesh/pkg/transport"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// startupTimeout bounds substrate init and peer dialing during Start,
// independent of the configured per-peer dial timeout.
const startupTimeout = 30 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "meshd",
		Short: "mesh - a distributed runtime for long-lived actors",
		Long: `meshd runs one node of a mesh: an event-sourced actor State Store, a
Graph Store with secondary indexes, a real-time Synchronizer, a
snapshot-isolated Transaction Manager, and a Query Engine, all wired
together behind a single substrate.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("meshd v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a mesh node",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Path to a mesh config YAML file (optional; MESH_* env vars always apply)")
	serveCmd.Flags().String("audit-log", "", "Path to an audit log file; empty disables audit logging")
	rootCmd.AddCommand(serveCmd)

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Start a node just long enough to report its health and metrics, then stop",
		Long: `health brings a node fully up against its configured storage and
peers, prints its health and metrics snapshot once peer dialing has
settled, and shuts back down. There is no separate health RPC: the
mesh core exposes health only as an in-process call, so checking it
means standing the node up.`,
		RunE: runHealth,
	}
	healthCmd.Flags().String("config", "", "Path to a mesh config YAML file")
	healthCmd.Flags().Duration("settle", 2*time.Second, "How long to wait for peer dialing before snapshotting health")
	rootCmd.AddCommand(healthCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Config file operations",
	}
	configInitCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default config file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit,
	}
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// buildService converts cfg into a service.Config and constructs an
// unstarted service.Service from it, wiring a transport.ClientDialer in
// place of the default unauthenticated dialer whenever a cluster secret
// is configured.
func buildService(cfg *config.Config, logger zerolog.Logger) *service.Service {
	svcCfg := cfg.ToServiceConfig()
	svcCfg.Logger = &logger

	if secret := clusterSecret(); len(secret) > 0 {
		svcCfg.Dialer = &transport.ClientDialer{
			NodeID:        cfg.Name,
			ClusterSecret: secret,
			Logger:        logger,
		}
	}

	return service.New(svcCfg)
}

// clusterSecret reads the pre-shared cluster secret confirming peers
// belong to the same mesh. It is intentionally absent from pkg/config's
// YAML/env surface - unlike every other setting, it is a secret, not
// configuration, so it is read directly here rather than threaded
// through a file a backup tool might copy around.
func clusterSecret() []byte {
	return []byte(os.Getenv("MESH_CLUSTER_SECRET"))
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Str("node", cfg.Name).Logger()
	return logger
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	auditLogPath, _ := cmd.Flags().GetString("audit-log")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	var auditLogger *audit.Logger
	if auditLogPath != "" {
		auditLogger, err = audit.NewLogger(audit.Config{Enabled: true, LogPath: auditLogPath})
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer auditLogger.Close()
		auditLogger.SetAlertCallback(func(e audit.Event) {
			logger.Warn().Str("auditEvent", string(e.Type)).Str("resource", e.ResourceID).Msg("audit alert")
		})
	}

	svc := buildService(cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	startErr := svc.Start(ctx)
	cancel()
	if startErr != nil {
		return fmt.Errorf("start service: %w", startErr)
	}
	defer svc.Stop()

	if auditLogger != nil {
		_ = auditLogger.Log(audit.Event{Type: audit.EventServiceStarted, ResourceID: cfg.Name, Success: true})
		defer auditLogger.Log(audit.Event{Type: audit.EventServiceStopped, ResourceID: cfg.Name, Success: true})
	}

	var httpServer *http.Server
	if cfg.WebSocket.Enabled {
		mux := http.NewServeMux()
		peerServer := transport.NewServer(cfg.Name, clusterSecret(), svc.Substrate(), logger)
		defer peerServer.Close()
		mux.Handle("/peers", peerServer)
		mux.Handle("/metrics", promhttp.HandlerFor(svc.Registry(), promhttp.HandlerOpts{}))

		addr := fmt.Sprintf("%s:%d", cfg.WebSocket.Host, cfg.WebSocket.Port)
		httpServer = &http.Server{Addr: addr, Handler: mux}
		go func() {
			logger.Info().Str("addr", addr).Msg("listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("listener failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	settle, _ := cmd.Flags().GetDuration("settle")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	svc := buildService(cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer svc.Stop()

	time.Sleep(settle)

	metrics := svc.GetMetrics()
	fmt.Printf("health:          %s\n", svc.GetHealth())
	fmt.Printf("state:           %s\n", metrics.State)
	fmt.Printf("connected peers: %d/%d\n", metrics.ConnectedPeers, metrics.TotalPeers)
	fmt.Printf("storage type:    %s\n", metrics.StorageType)
	fmt.Printf("disk usage:      %d bytes\n", metrics.DiskUsage)
	fmt.Printf("uptime:          %s\n", metrics.Uptime)
	fmt.Printf("error count:     %d\n", metrics.ErrorCount)

	if svc.GetHealth() != service.HealthHealthy && metrics.TotalPeers > 0 {
		return fmt.Errorf("node is %s", svc.GetHealth())
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := "mesh.yaml"
	if len(args) == 1 {
		path = args[0]
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	const body = `name: node-a
storage:
  type: memory
peers:
  endpoints: []
  maxRetries: 5
  retryDelay: 1s
  timeout: 10s
webSocket:
  enabled: true
  port: 8765
  host: 0.0.0.0
metricsInterval: 5s
debug: false
`
	if err := os.WriteFile(path, []byte(body), 0o640); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("wrote %s\n", path)
	fmt.Println("set MESH_CLUSTER_SECRET before running `meshd serve` in a clustered deployment")
	return nil
}
