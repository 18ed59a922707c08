package telemetry

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the engine. A disabled or nil
// *Metrics accepts every Record call and does nothing.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	appliesStarted   *prometheus.CounterVec // action
	appliesCompleted *prometheus.CounterVec // status
	applyDuration    *prometheus.HistogramVec
	activeApplies    prometheus.Gauge

	plannedActions *prometheus.CounterVec // list

	actionsExecuted *prometheus.CounterVec // kind, status
	actionDuration  *prometheus.HistogramVec
	rollbacks       *prometheus.CounterVec // transaction

	rpcCalls    *prometheus.CounterVec // message
	rpcDuration *prometheus.HistogramVec
	rpcErrors   *prometheus.CounterVec // message, class
	handshakes  *prometheus.CounterVec // result
}

func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{config: cfg}
	if !cfg.Enabled {
		return m, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: cfg.Namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: cfg.Namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}

	m.appliesStarted = counter("applies_started_total", "Apply sessions started.", "action")
	m.appliesCompleted = counter("applies_completed_total", "Apply sessions finished.", "status")
	m.applyDuration = histogram("apply_duration_seconds", "Apply session duration.", "status")
	m.activeApplies = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Name:      "active_applies",
		Help:      "Apply sessions currently running.",
	})
	m.plannedActions = counter("planned_actions_total", "Actions produced by the planner per plan list.", "list")
	m.actionsExecuted = counter("actions_executed_total", "Plan actions executed.", "kind", "status")
	m.actionDuration = histogram("action_duration_seconds", "Plan action duration.", "kind")
	m.rollbacks = counter("rollbacks_total", "Rollback boundaries unwound.", "transaction")
	m.rpcCalls = counter("elevation_requests_total", "Requests sent to the elevated process.", "message")
	m.rpcDuration = histogram("elevation_request_duration_seconds", "Elevated request duration.", "message")
	m.rpcErrors = counter("elevation_errors_total", "Failed elevated requests.", "message", "class")
	m.handshakes = counter("pipe_handshakes_total", "Pipe handshakes by outcome.", "result")

	m.registry = prometheus.NewRegistry()
	if err := m.registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	for _, c := range []prometheus.Collector{
		m.appliesStarted, m.appliesCompleted, m.applyDuration, m.activeApplies,
		m.plannedActions,
		m.actionsExecuted, m.actionDuration, m.rollbacks,
		m.rpcCalls, m.rpcDuration, m.rpcErrors, m.handshakes,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

func (m *Metrics) RecordApplyStarted(action string) {
	if !m.enabled() {
		return
	}
	m.appliesStarted.WithLabelValues(action).Inc()
	m.activeApplies.Inc()
}

func (m *Metrics) RecordApplyCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.appliesCompleted.WithLabelValues(status).Inc()
	m.applyDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeApplies.Dec()
}

// RecordPlannedActions adds the length of one plan list (cache, execute,
// rollback or clean).
func (m *Metrics) RecordPlannedActions(list string, count int) {
	if !m.enabled() {
		return
	}
	m.plannedActions.WithLabelValues(list).Add(float64(count))
}

func (m *Metrics) RecordAction(kind, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.actionsExecuted.WithLabelValues(kind, status).Inc()
	m.actionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) RecordRollback(transaction bool) {
	if !m.enabled() {
		return
	}
	m.rollbacks.WithLabelValues(strconv.FormatBool(transaction)).Inc()
}

func (m *Metrics) RecordRPC(message string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.rpcCalls.WithLabelValues(message).Inc()
	m.rpcDuration.WithLabelValues(message).Observe(duration.Seconds())
}

func (m *Metrics) RecordRPCError(message, class string) {
	if !m.enabled() {
		return
	}
	m.rpcErrors.WithLabelValues(message, class).Inc()
}

// RecordHandshake counts an "accepted" or "rejected" pipe connection.
func (m *Metrics) RecordHandshake(result string) {
	if !m.enabled() {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

// Registry returns nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer binds the listen address and serves the registry in
// the background. Bind errors are returned; serve errors go to logger.
func (m *Metrics) StartMetricsServer(logger *Logger) error {
	if !m.enabled() {
		return nil
	}
	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", m.config.ListenAddress, err)
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()
	return nil
}

// Timer measures elapsed time from its creation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
