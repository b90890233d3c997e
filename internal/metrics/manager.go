package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/combinator/combinator/internal/config"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "combinator"

// Manager defines the interface for metrics management
type Manager interface {
	// HTTP Metrics
	RecordHTTPRequest(method, path, status string, duration time.Duration)
	RecordHTTPRequestSize(method, path string, size int64)

	// Store Metrics
	RecordKVOperation(operation string, success bool, valueSize int64, duration time.Duration)
	RecordRDBOperation(operation string, success bool, duration time.Duration)
	RecordRDBBatchSize(statements int)
	SetOpenStores(kind string, count int)

	// System Metrics
	UpdateSystemMetrics(cpuUsage, memoryUsage, diskUsage float64)

	// Export and Health
	GetMetricsHandler() http.Handler
	IsHealthy() bool

	// HTTP Middleware
	Middleware() func(http.Handler) http.Handler

	// Lifecycle
	Start(ctx context.Context) error
	Stop() error
}

// metricsManager implements the Manager interface using Prometheus
type metricsManager struct {
	interval time.Duration
	system   *SystemMetricsTracker
	logger   *logrus.Logger

	registry *prometheus.Registry

	// HTTP Metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec

	// KV Metrics
	kvOperationsTotal   *prometheus.CounterVec
	kvOperationDuration *prometheus.HistogramVec
	kvValueSize         *prometheus.HistogramVec

	// RDB Metrics
	rdbOperationsTotal   *prometheus.CounterVec
	rdbOperationDuration *prometheus.HistogramVec
	rdbBatchStatements   prometheus.Histogram

	// Registries
	openStores *prometheus.GaugeVec

	// System Metrics
	systemCPUUsage    prometheus.Gauge
	systemMemoryUsage prometheus.Gauge
	systemDiskUsage   prometheus.Gauge
	uptime            prometheus.Gauge

	// Lifecycle
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.RWMutex
}

// NewManager creates a new metrics manager. A disabled configuration yields
// a manager that records nothing.
func NewManager(cfg config.MetricsConfig, dataDir string, logger *logrus.Logger) Manager {
	if !cfg.Enable {
		return &noopManager{}
	}
	if logger == nil {
		logger = logrus.New()
	}

	interval := time.Duration(cfg.Interval) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}

	m := &metricsManager{
		interval: interval,
		system:   NewSystemMetrics(dataDir),
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	m.initializeMetrics()
	m.registerMetrics()
	return m
}

// initializeMetrics sets up all Prometheus metrics
func (m *metricsManager) initializeMetrics() {
	// HTTP Metrics
	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.httpRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10), // 64B to 16MB
		},
		[]string{"method", "path"},
	)

	// KV Metrics
	m.kvOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kv",
			Name:      "operations_total",
			Help:      "Total number of KV operations",
		},
		[]string{"operation", "status"},
	)

	m.kvOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "kv",
			Name:      "operation_duration_seconds",
			Help:      "KV operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	m.kvValueSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "kv",
			Name:      "value_size_bytes",
			Help:      "Size of values read and written",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 10), // 16B to 4MB
		},
		[]string{"operation"},
	)

	// RDB Metrics
	m.rdbOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rdb",
			Name:      "operations_total",
			Help:      "Total number of RDB operations",
		},
		[]string{"operation", "status"},
	)

	m.rdbOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rdb",
			Name:      "operation_duration_seconds",
			Help:      "RDB operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	m.rdbBatchStatements = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rdb",
			Name:      "batch_statements",
			Help:      "Number of statements per batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	m.openStores = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "open_stores",
			Help:      "Number of open stores",
		},
		[]string{"kind"},
	)

	// System Metrics
	m.systemCPUUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "cpu_usage_percent",
			Help:      "System CPU usage percentage",
		},
	)

	m.systemMemoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_usage_percent",
			Help:      "System memory usage percentage",
		},
	)

	m.systemDiskUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_usage_percent",
			Help:      "Usage percentage of the disk holding data_dir",
		},
	)

	m.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the metrics manager was created",
		},
	)
}

func (m *metricsManager) registerMetrics() {
	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpRequestSize,

		m.kvOperationsTotal,
		m.kvOperationDuration,
		m.kvValueSize,

		m.rdbOperationsTotal,
		m.rdbOperationDuration,
		m.rdbBatchStatements,

		m.openStores,

		m.systemCPUUsage,
		m.systemMemoryUsage,
		m.systemDiskUsage,
		m.uptime,

		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// HTTP Metrics Implementation

func (m *metricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *metricsManager) RecordHTTPRequestSize(method, path string, size int64) {
	m.httpRequestSize.WithLabelValues(method, path).Observe(float64(size))
}

// Store Metrics Implementation

func (m *metricsManager) RecordKVOperation(operation string, success bool, valueSize int64, duration time.Duration) {
	m.kvOperationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
	m.kvOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if success {
		m.kvValueSize.WithLabelValues(operation).Observe(float64(valueSize))
	}
}

func (m *metricsManager) RecordRDBOperation(operation string, success bool, duration time.Duration) {
	m.rdbOperationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
	m.rdbOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *metricsManager) RecordRDBBatchSize(statements int) {
	m.rdbBatchStatements.Observe(float64(statements))
}

func (m *metricsManager) SetOpenStores(kind string, count int) {
	m.openStores.WithLabelValues(kind).Set(float64(count))
}

// System Metrics Implementation

func (m *metricsManager) UpdateSystemMetrics(cpuUsage, memoryUsage, diskUsage float64) {
	m.systemCPUUsage.Set(cpuUsage)
	m.systemMemoryUsage.Set(memoryUsage)
	m.systemDiskUsage.Set(diskUsage)
}

// Export and Health Implementation

func (m *metricsManager) GetMetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsManager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

// HTTP Middleware Implementation

// Middleware records request counts and durations. Paths are labelled with
// the matched route template so label cardinality stays bounded.
func (m *metricsManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriterWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			path := routeLabel(r)
			m.RecordHTTPRequest(r.Method, path, strconv.Itoa(wrapped.statusCode), time.Since(start))
			if r.ContentLength > 0 {
				m.RecordHTTPRequestSize(r.Method, path, r.ContentLength)
			}
		})
	}
}

func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// Lifecycle Implementation

// Start begins sampling system metrics every interval until ctx is done or
// Stop is called.
func (m *metricsManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("metrics manager already started")
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.started = true

	go m.sampleSystem(ctx, m.done)
	return nil
}

func (m *metricsManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return fmt.Errorf("metrics manager not started")
	}

	m.cancel()
	<-m.done
	m.started = false
	return nil
}

func (m *metricsManager) sampleSystem(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.collectSystem()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *metricsManager) collectSystem() {
	var cpuUsage, memUsage, diskUsage float64

	if v, err := m.system.GetCPUUsage(); err == nil {
		cpuUsage = v
	} else {
		m.logger.WithError(err).Debug("Failed to sample CPU usage")
	}
	if stats, err := m.system.GetMemoryUsage(); err == nil {
		memUsage = stats.UsedPercent
	} else {
		m.logger.WithError(err).Debug("Failed to sample memory usage")
	}
	if stats, err := m.system.GetDiskUsage(); err == nil {
		diskUsage = stats.UsedPercent
	} else {
		m.logger.WithError(err).Debug("Failed to sample disk usage")
	}

	m.UpdateSystemMetrics(cpuUsage, memUsage, diskUsage)
	m.uptime.Set(float64(m.system.GetUptime()))
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// noopManager is a no-op implementation when metrics are disabled
type noopManager struct{}

func (n *noopManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {}
func (n *noopManager) RecordHTTPRequestSize(method, path string, size int64) {}
func (n *noopManager) RecordKVOperation(operation string, success bool, valueSize int64, duration time.Duration) {}
func (n *noopManager) RecordRDBOperation(operation string, success bool, duration time.Duration) {}
func (n *noopManager) RecordRDBBatchSize(statements int) {}
func (n *noopManager) SetOpenStores(kind string, count int) {}
func (n *noopManager) UpdateSystemMetrics(cpuUsage, memoryUsage, diskUsage float64) {}
func (n *noopManager) GetMetricsHandler() http.Handler { return http.NotFoundHandler() }
func (n *noopManager) IsHealthy() bool { return true }
func (n *noopManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}
func (n *noopManager) Start(ctx context.Context) error { return nil }
func (n *noopManager) Stop() error { return nil }
