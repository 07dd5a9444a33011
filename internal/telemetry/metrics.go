// Package telemetry provides application-level observability for the module
// orchestrator.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started in main.go:
//
//	GET http(s)://<host>:<ORC_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is NOT served by the Gin router, so it
// stays off the public ingress and outside the rate-limiting middleware.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template,
//     not raw URL, to keep label cardinality bounded)
//   - Module operation outcome counters and install duration histogram
//   - Active module gauge (sampled from the registry)
//   - Health poll sweep counters
//   - Database connection pool gauge (polled every 30 s)
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
// The path label holds the Gin route template (e.g. /api/v1/modules/:name/status),
// not the raw URL.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Orchestration metrics.
//
// ModuleOperationsTotal counts every orchestration attempt, by operation
// (install|uninstall|start|stop) and outcome (success|failure). An alert on
// rate(module_operations_total{outcome="failure"}[30m]) > 0 catches engine or
// licensing regressions early.
//
// ModuleInstallDuration observes the full install path (license check through
// RUNNING), including the asynchronous continuation. Image pulls dominate, so
// buckets extend to five minutes.
var (
	ModuleOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "module_operations_total",
			Help: "Total number of module orchestration attempts, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	ModuleInstallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "module_install_duration_seconds",
			Help:    "Duration of a complete module install, from accepted request to RUNNING.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	ModulesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modules_active",
			Help: "Current number of non-removed module records in the registry.",
		},
	)
)

// Health poll metrics — one sweep covers all RUNNING modules.
var (
	HealthPollSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "health_poll_sweeps_total",
			Help: "Total number of completed health poll sweeps.",
		},
	)

	HealthPollExitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_poll_container_exits_total",
			Help: "Total number of container exits detected by the health poller, by kind (clean|abnormal|missing).",
		},
		[]string{"kind"},
	)
)

// DBOpenConnections tracks the number of open connections currently held by
// the sql.DB pool. It is sampled every 30 seconds by StartDBStatsCollector
// rather than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds and updates DBOpenConnections.
// The goroutine exits cleanly when the database becomes unreachable, which
// happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
