package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// promMetrics mirrors Metrics as Prometheus collectors, registered on the
// Service's private registry so multiple Services in one process don't
// collide on the global default registry.
type promMetrics struct {
	connectedPeers prometheus.Gauge
	totalPeers     prometheus.Gauge
	diskUsageBytes prometheus.Gauge
	uptimeSeconds  prometheus.Gauge
	errorCount     prometheus.Gauge
	state          *prometheus.GaugeVec
}

func newPromMetrics(name string) *promMetrics {
	labels := prometheus.Labels{}
	if name != "" {
		labels["service"] = name
	}
	return &promMetrics{
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mesh", Name: "connected_peers",
			Help: "Number of peers currently connected.", ConstLabels: labels,
		}),
		totalPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mesh", Name: "total_peers",
			Help: "Number of peers configured.", ConstLabels: labels,
		}),
		diskUsageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mesh", Name: "disk_usage_bytes",
			Help: "Bytes occupied by the storage directory, 0 for non-disk storage.", ConstLabels: labels,
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mesh", Name: "uptime_seconds",
			Help: "Seconds since the service entered the running state.", ConstLabels: labels,
		}),
		errorCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mesh", Name: "error_count",
			Help: "Cumulative count of start failures and exhausted peer-dial retries.", ConstLabels: labels,
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mesh", Name: "state",
			Help: "1 for the service's current lifecycle state, labeled by state name.", ConstLabels: labels,
		}, []string{"state"}),
	}
}

func (m *promMetrics) register(reg *prometheus.Registry) {
	reg.MustRegister(m.connectedPeers, m.totalPeers, m.diskUsageBytes, m.uptimeSeconds, m.errorCount, m.state)
}

func (m *promMetrics) update(snapshot Metrics) {
	m.connectedPeers.Set(float64(snapshot.ConnectedPeers))
	m.totalPeers.Set(float64(snapshot.TotalPeers))
	m.diskUsageBytes.Set(float64(snapshot.DiskUsage))
	m.uptimeSeconds.Set(snapshot.Uptime.Seconds())
	m.errorCount.Set(float64(snapshot.ErrorCount))

	m.state.Reset()
	m.state.WithLabelValues(string(snapshot.State)).Set(1)
}

// startMetricsLoop polls GetMetrics every MetricsInterval, the way the
// teacher's health monitor ticks a consecutive-failure check on an
// interval rather than on every event.
func (s *Service) startMetricsLoop() {
	s.metricsStop = make(chan struct{})
	s.metricsDone = make(chan struct{})

	ticker := time.NewTicker(s.cfg.MetricsInterval)
	go func() {
		defer close(s.metricsDone)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.GetMetrics()
			case <-s.metricsStop:
				return
			}
		}
	}()
}

func (s *Service) stopMetricsLoop() {
	if s.metricsStop == nil {
		return
	}
	close(s.metricsStop)
	<-s.metricsDone
	s.metricsStop = nil
	s.metricsDone = nil
}
