// Package metrics provides Prometheus-based metrics collection for lanwatch.
// Collectors live on a private registry that the ops server exposes at
// /metrics.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all lanwatch metrics
	namespace = "lanwatch"

	// Subsystems
	subsystemScan      = "scan"
	subsystemHosts     = "hosts"
	subsystemScheduler = "scheduler"
	subsystemPortScan  = "portscan"
	subsystemOps       = "ops"
	subsystemSystem    = "system"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Scan cycle metrics
	cyclesTotal   *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec

	// Host outcome metrics
	hostsObserved *prometheus.CounterVec

	// Scheduler metrics
	skippedFires *prometheus.CounterVec
	busy         prometheus.Gauge

	// Port probe metrics
	portScanActive  prometheus.Gauge
	portScanCurrent prometheus.Gauge
	portScanTotal   prometheus.Gauge
	portScanHosts   *prometheus.CounterVec

	// Ops HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initScanMetrics()
	pm.initSchedulerMetrics()
	pm.initPortScanMetrics()
	pm.initOpsMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	// Standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initScanMetrics() {
	pm.cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "cycles_total",
			Help:      "Total number of scan workflows run, by workflow and status",
		},
		[]string{"workflow", "status"},
	)

	pm.cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of scan workflows in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"workflow"},
	)

	pm.hostsObserved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHosts,
			Name:      "observed_total",
			Help:      "Addresses processed by scan workflows, by workflow and outcome",
		},
		[]string{"workflow", "outcome"},
	)
}

func (pm *PrometheusMetrics) initSchedulerMetrics() {
	pm.skippedFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScheduler,
			Name:      "skipped_fires_total",
			Help:      "Timer fires that did not run a workflow, by workflow and reason",
		},
		[]string{"workflow", "reason"},
	)

	pm.busy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScheduler,
			Name:      "busy",
			Help:      "1 while a scan-family workflow is running",
		},
	)
}

func (pm *PrometheusMetrics) initPortScanMetrics() {
	pm.portScanActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemPortScan,
			Name:      "active",
			Help:      "1 while a port probe batch is running",
		},
	)

	pm.portScanCurrent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemPortScan,
			Name:      "current_host",
			Help:      "Index of the host being probed in the current batch",
		},
	)

	pm.portScanTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemPortScan,
			Name:      "batch_hosts",
			Help:      "Number of hosts in the current batch",
		},
	)

	pm.portScanHosts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPortScan,
			Name:      "hosts_total",
			Help:      "Hosts handled by port probe batches, by status",
		},
		[]string{"status"},
	)
}

func (pm *PrometheusMetrics) initOpsMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemOps,
			Name:      "requests_total",
			Help:      "Total number of ops HTTP requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemOps,
			Name:      "request_duration_seconds",
			Help:      "Duration of ops HTTP requests in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"method", "path"},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "memory_bytes",
			Help:      "Current memory usage in bytes",
		},
	)

	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds",
		},
	)
}

func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.cyclesTotal,
		pm.cycleDuration,
		pm.hostsObserved,
		pm.skippedFires,
		pm.busy,
		pm.portScanActive,
		pm.portScanCurrent,
		pm.portScanTotal,
		pm.portScanHosts,
		pm.httpRequests,
		pm.httpDuration,
		pm.memoryUsage,
		pm.goroutines,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// ObserveCycle counts one finished workflow and records its duration.
func (pm *PrometheusMetrics) ObserveCycle(workflow, status string, duration time.Duration) {
	pm.cyclesTotal.WithLabelValues(workflow, status).Inc()
	pm.cycleDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// AddHosts adds count addresses with the given outcome.
func (pm *PrometheusMetrics) AddHosts(workflow, outcome string, count int) {
	if count <= 0 {
		return
	}
	pm.hostsObserved.WithLabelValues(workflow, outcome).Add(float64(count))
}

// IncrementSkippedFires counts a timer fire that was not run.
func (pm *PrometheusMetrics) IncrementSkippedFires(workflow, reason string) {
	pm.skippedFires.WithLabelValues(workflow, reason).Inc()
}

// SetBusy mirrors the scheduler's scan-family guard.
func (pm *PrometheusMetrics) SetBusy(busy bool) {
	pm.busy.Set(boolToFloat(busy))
}

// SetPortScanProgress mirrors the batch progress record.
func (pm *PrometheusMetrics) SetPortScanProgress(active bool, current, total int) {
	pm.portScanActive.Set(boolToFloat(active))
	pm.portScanCurrent.Set(float64(current))
	pm.portScanTotal.Set(float64(total))
}

// AddPortScanHosts adds count port-probed hosts with the given status.
func (pm *PrometheusMetrics) AddPortScanHosts(status string, count int) {
	if count <= 0 {
		return
	}
	pm.portScanHosts.WithLabelValues(status).Add(float64(count))
}

// IncrementHTTPRequests increments HTTP request counter
func (pm *PrometheusMetrics) IncrementHTTPRequests(method, path, status string) {
	pm.httpRequests.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPDuration records HTTP request duration
func (pm *PrometheusMetrics) RecordHTTPDuration(method, path string, duration time.Duration) {
	pm.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateSystemMetrics updates all system metrics with current values
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	pm.memoryUsage.Set(float64(memStats.Alloc))
	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())

	pm.lastUpdate = time.Now()
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// GetLastUpdate returns the last metrics update time
func (pm *PrometheusMetrics) GetLastUpdate() time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.lastUpdate
}

// StartPeriodicUpdates refreshes system metrics every interval until ctx is done.
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
