package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/stackdeploy/stackdeploy/pkg/engine"
)

// Metrics provides Prometheus metrics for deployments. It implements
// engine.Observer.
type Metrics struct {
	config MetricsConfig

	// Transaction metrics
	transactionsStarted  prometheus.Counter
	transactionsFinished *prometheus.CounterVec
	transactionDuration  *prometheus.HistogramVec
	activeTransactions   prometheus.Gauge

	// Stage metrics
	stageDuration *prometheus.HistogramVec

	// Task run metrics
	taskRuns        *prometheus.CounterVec
	taskRunDuration *prometheus.HistogramVec

	// Node metrics
	nodesOffline *prometheus.CounterVec
	nodesByState *prometheus.GaugeVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transactionsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_started_total",
				Help:      "Total number of deployment transactions started",
			},
		),
		transactionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_finished_total",
				Help:      "Total number of deployment transactions finished",
			},
			[]string{"status"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transaction_duration_seconds",
				Help:      "Duration of deployment transactions in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeTransactions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_transactions",
				Help:      "Current number of running deployment transactions",
			},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of deployment stages in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),
		taskRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_runs_total",
				Help:      "Total number of finished task runs",
			},
			[]string{"type", "status"},
		),
		taskRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_run_duration_seconds",
				Help:      "Duration of task runs in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),
		nodesOffline: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_offline_total",
				Help:      "Total number of times a node was marked offline",
			},
			[]string{"node_uid"},
		),
		nodesByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nodes",
				Help:      "Current number of nodes by status and liveness",
			},
			[]string{"status", "online"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.transactionsStarted,
		m.transactionsFinished,
		m.transactionDuration,
		m.activeTransactions,
		m.stageDuration,
		m.taskRuns,
		m.taskRunDuration,
		m.nodesOffline,
		m.nodesByState,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Registry returns the registry metrics are registered with, or nil when
// metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TransactionStarted increments the started counter and the active gauge.
func (m *Metrics) TransactionStarted() {
	if m.registry == nil {
		return
	}
	m.transactionsStarted.Inc()
	m.activeTransactions.Inc()
}

// TransactionFinished records a finished transaction.
func (m *Metrics) TransactionFinished(status engine.TransactionStatus, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.transactionsFinished.WithLabelValues(string(status)).Inc()
	m.transactionDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	m.activeTransactions.Dec()
}

// StageFinished records the duration of a stage.
func (m *Metrics) StageFinished(stage engine.Stage, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage)).Observe(duration.Seconds())
}

// TaskRunFinished records a terminal task run.
func (m *Metrics) TaskRunFinished(taskType engine.TaskType, status engine.TaskRunStatus, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.taskRuns.WithLabelValues(string(taskType), string(status)).Inc()
	if status == engine.TaskRunReady || status == engine.TaskRunError {
		m.taskRunDuration.WithLabelValues(string(taskType)).Observe(duration.Seconds())
	}
}

// NodeOffline counts a node marked offline by the health monitor.
func (m *Metrics) NodeOffline(uid string) {
	if m.registry == nil {
		return
	}
	m.nodesOffline.WithLabelValues(uid).Inc()
}

// SetNodes replaces the node gauges with counts computed from nodes.
func (m *Metrics) SetNodes(nodes []engine.Node) {
	if m.registry == nil {
		return
	}
	m.nodesByState.Reset()
	for _, n := range nodes {
		online := "false"
		if n.Online {
			online = "true"
		}
		m.nodesByState.WithLabelValues(string(n.Status), online).Inc()
	}
}

// RecordError records an error by class and code. Errors that are not
// engine errors count as permanent without a code.
func (m *Metrics) RecordError(err error) {
	if m.registry == nil || err == nil {
		return
	}
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		m.errorsByClass.WithLabelValues(string(engine.ErrorClassPermanent)).Inc()
		return
	}
	m.errorsByClass.WithLabelValues(string(ee.Class)).Inc()
	if ee.Code != "" {
		m.errorsByCode.WithLabelValues(ee.Code).Inc()
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics. It returns
// immediately; serve errors are logged.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
