package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	cdpMetricsOnce sync.Once
	cdpRegistry    *CDPMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "microstable",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "microstable",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "microstable",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "microstable",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// CDPMetrics captures metrics for the collateralised debt position engine.
type CDPMetrics struct {
	operations      *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	errors          *prometheus.CounterVec
	openPositions   prometheus.Gauge
	journalFailures prometheus.Counter
	rollbacks       prometheus.Counter
}

// CDP returns the singleton metrics registry for position operations.
func CDP() *CDPMetrics {
	cdpMetricsOnce.Do(func() {
		cdpRegistry = &CDPMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "microstable",
				Subsystem: "cdp",
				Name:      "operations_total",
				Help:      "Count of position operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "microstable",
				Subsystem: "cdp",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for position operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "microstable",
				Subsystem: "cdp",
				Name:      "errors_total",
				Help:      "Count of position operation failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "microstable",
				Subsystem: "cdp",
				Name:      "open_positions",
				Help:      "Number of positions currently holding collateral or debt.",
			}),
			journalFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "microstable",
				Subsystem: "cdp",
				Name:      "journal_failures_total",
				Help:      "Committed operations whose audit journal append failed.",
			}),
			rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "microstable",
				Subsystem: "cdp",
				Name:      "commit_failures_total",
				Help:      "Operations discarded because the combined position and custody batch failed to commit.",
			}),
		}
		prometheus.MustRegister(
			cdpRegistry.operations,
			cdpRegistry.latency,
			cdpRegistry.errors,
			cdpRegistry.openPositions,
			cdpRegistry.journalFailures,
			cdpRegistry.rollbacks,
		)
	})
	return cdpRegistry
}

// Observe records the execution metrics for a position operation. An empty
// reason marks success.
func (m *CDPMetrics) Observe(operation string, duration time.Duration, reason string) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if reason != "" {
		outcome = "error"
		m.errors.WithLabelValues(op, reason).Inc()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// PositionOpened increments the open positions gauge.
func (m *CDPMetrics) PositionOpened() {
	if m == nil {
		return
	}
	m.openPositions.Inc()
}

// PositionClosed decrements the open positions gauge.
func (m *CDPMetrics) PositionClosed() {
	if m == nil {
		return
	}
	m.openPositions.Dec()
}

// SetOpenPositions resets the gauge, typically after a scan at start-up.
func (m *CDPMetrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(n))
}

// JournalFailure counts an audit append that failed after commit.
func (m *CDPMetrics) JournalFailure() {
	if m == nil {
		return
	}
	m.journalFailures.Inc()
}

// CommitFailed counts an operation whose settlement batch failed to commit.
func (m *CDPMetrics) CommitFailed() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}
