package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// durationBuckets covers step attempts of a second up to runs of an hour.
var durationBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800, 3600}

// Metrics are the Prometheus collectors of the engine. A nil *Metrics and a
// disabled one are both valid no-ops.
type Metrics struct {
	path     string
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	runsRecovered *prometheus.CounterVec
	activeRuns    prometheus.Gauge

	stepAttempts *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepRetries  *prometheus.CounterVec

	rejectedConfigs *prometheus.CounterVec
	errorsByKind    *prometheus.CounterVec
	errorsByCode    *prometheus.CounterVec
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{path: cfg.Path}
	if !cfg.Enabled {
		return m, nil
	}
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = durationBuckets
	}
	ns := cfg.Namespace

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: buckets}, labels)
	}

	m.runsStarted = counter("runs_started_total", "Runs started, by source (start or recovery).", "source")
	m.runsCompleted = counter("runs_completed_total", "Runs settled, by terminal status.", "status")
	m.runDuration = histogram("run_duration_seconds", "Wall time of settled runs.", "status")
	m.runsRecovered = counter("runs_recovered_total", "Runs found active at startup, by recovery decision.", "decision")
	m.activeRuns = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "active_runs", Help: "Runs currently executing."})
	m.stepAttempts = counter("step_attempts_total", "Step attempts, by action and outcome.", "action", "outcome")
	m.stepDuration = histogram("step_attempt_duration_seconds", "Wall time of step attempts.", "action")
	m.stepRetries = counter("step_retries_total", "Step retries, by action and error kind.", "action", "kind")
	m.rejectedConfigs = counter("configs_rejected_total", "Configurations rejected before run creation.", "reason")
	m.errorsByKind = counter("errors_by_kind_total", "Errors, by kind.", "kind")
	m.errorsByCode = counter("errors_by_code_total", "Errors, by code.", "code")

	m.registry = prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		m.runsStarted, m.runsCompleted, m.runDuration, m.runsRecovered, m.activeRuns,
		m.stepAttempts, m.stepDuration, m.stepRetries,
		m.rejectedConfigs, m.errorsByKind, m.errorsByCode,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordRunStarted counts a run that began executing. Source is "start"
// or "recovery".
func (m *Metrics) RecordRunStarted(source string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(source).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted counts a settled run.
func (m *Metrics) RecordRunCompleted(status string, took time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(took.Seconds())
	m.activeRuns.Dec()
}

// RecordRecovery counts a recovery decision.
func (m *Metrics) RecordRecovery(decision string) {
	if !m.enabled() {
		return
	}
	m.runsRecovered.WithLabelValues(decision).Inc()
}

// RecordStepAttempt counts one finished attempt.
func (m *Metrics) RecordStepAttempt(action, outcome string, took time.Duration) {
	if !m.enabled() {
		return
	}
	m.stepAttempts.WithLabelValues(action, outcome).Inc()
	m.stepDuration.WithLabelValues(action).Observe(took.Seconds())
}

// RecordStepRetry counts a retry scheduled after an error of kind.
func (m *Metrics) RecordStepRetry(action, kind string) {
	if !m.enabled() {
		return
	}
	m.stepRetries.WithLabelValues(action, kind).Inc()
}

// RecordRejectedConfig counts a configuration refused at admission.
func (m *Metrics) RecordRejectedConfig(reason string) {
	if !m.enabled() {
		return
	}
	m.rejectedConfigs.WithLabelValues(reason).Inc()
}

// RecordError counts an error by kind, and by code when one is set.
func (m *Metrics) RecordError(kind, code string) {
	if !m.enabled() {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
	if code != "" {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

// Timer measures elapsed wall time.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler serves the registry, or 404 when metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if !m.enabled() {
		return nil
	}
	return m.registry
}

// Path is where the handler should be mounted.
func (m *Metrics) Path() string {
	if m == nil || m.path == "" {
		return "/metrics"
	}
	return m.path
}
