package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/playbooks/pkg/engine"
	"github.com/openfroyo/playbooks/pkg/guardrails"
)

// Metrics provides Prometheus metrics for playbook execution and guardrails.
// It satisfies engine.MetricsRecorder and guardrails.Metrics.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runsActive  prometheus.Gauge

	// Step metrics
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	// Guardrail metrics
	decisions *prometheus.CounterVec

	// Ingestion metrics
	alertsIngested *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

var (
	_ engine.MetricsRecorder = (*Metrics)(nil)
	_ guardrails.Metrics     = (*Metrics)(nil)
)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of finished playbook runs",
			},
			[]string{"trigger", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of playbook runs in seconds",
				Buckets:   buckets,
			},
			[]string{"trigger"},
		),
		runsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_in_flight",
				Help:      "Current number of binding-dispatched runs in flight",
			},
		),

		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of executed steps",
			},
			[]string{"kind", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step execution in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guardrail_decisions_total",
				Help:      "Total number of binding decisions by outcome",
			},
			[]string{"mode", "outcome", "reason"},
		),

		alertsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_ingested_total",
				Help:      "Total number of alerts received from the message bus",
			},
			[]string{"result"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class", "operation"},
		),
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.runsActive,
		m.stepsTotal,
		m.stepDuration,
		m.decisions,
		m.alertsIngested,
		m.errorsByClass,
	)

	return m, nil
}

// RecordRun records a finished run with its trigger, status and duration.
func (m *Metrics) RecordRun(trigger engine.RunTrigger, status engine.RunStatus, duration time.Duration) {
	if m.runsTotal == nil {
		return
	}
	m.runsTotal.WithLabelValues(string(trigger), string(status)).Inc()
	m.runDuration.WithLabelValues(string(trigger)).Observe(duration.Seconds())
}

// RecordStep records a finished step.
func (m *Metrics) RecordStep(kind engine.StepKind, status engine.StepStatus, duration time.Duration) {
	if m.stepsTotal == nil {
		return
	}
	m.stepsTotal.WithLabelValues(string(kind), string(status)).Inc()
	m.stepDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

// RecordDecision records one binding decision. Unmatched decisions are not counted.
func (m *Metrics) RecordDecision(mode engine.RunMode, outcome guardrails.Outcome, reason guardrails.RejectReason) {
	if m.decisions == nil || outcome == guardrails.OutcomeUnmatched {
		return
	}
	m.decisions.WithLabelValues(string(mode), string(outcome), string(reason)).Inc()
}

// AddInFlight adjusts the in-flight run gauge.
func (m *Metrics) AddInFlight(delta int) {
	if m.runsActive == nil {
		return
	}
	m.runsActive.Add(float64(delta))
}

// RecordAlertIngested records the handling result of a bus message (accepted, malformed, failed).
func (m *Metrics) RecordAlertIngested(result string) {
	if m.alertsIngested == nil {
		return
	}
	m.alertsIngested.WithLabelValues(result).Inc()
}

// RecordError records an error by engine class and operation.
func (m *Metrics) RecordError(err error, operation string) {
	if m.errorsByClass == nil || err == nil {
		return
	}
	class := string(engine.ErrorClassInternal)
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		class = string(ee.Class)
	}
	m.errorsByClass.WithLabelValues(class, operation).Inc()
}

// Registry returns the metrics registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
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

// StartMetricsServer starts an HTTP server to expose metrics.
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
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()

	return nil
}

// Shutdown stops the metrics server, if running.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
