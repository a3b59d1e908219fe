package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects engine metrics for Prometheus scraping.
//
// Metrics exposed (all namespaced with "swegraph_"):
//
//  1. step_latency_ms (histogram): step execution duration.
//     Labels: step, status (success, error, timeout, panic).
//  2. steps_total (counter): committed steps by directive kind.
//     Labels: step, directive.
//  3. retries_total (counter): retry attempts made by WithRetry wrappers.
//     Labels: step, reason.
//  4. interrupts_total (counter): sessions suspended awaiting input.
//     Labels: step.
//  5. checkpoints_total (counter): checkpoint appends.
//     Labels: status (ok, error).
//  6. active_sessions (gauge): sessions currently executing a run loop.
//  7. runs_total (counter): run results. Labels: outcome.
//
// Session ids are deliberately absent from labels to bound cardinality.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine, _ := graph.New(schema, st, emitter, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	stepLatency    *prometheus.HistogramVec
	steps          *prometheus.CounterVec
	retries        *prometheus.CounterVec
	interrupts     *prometheus.CounterVec
	checkpoints    *prometheus.CounterVec
	runs           *prometheus.CounterVec
	activeSessions prometheus.Gauge

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all engine metrics with
// registry. A nil registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "swegraph",
		Name:      "step_latency_ms",
		Help:      "Step execution duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
	}, []string{"step", "status"})

	pm.steps = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swegraph",
		Name:      "steps_total",
		Help:      "Committed steps by resulting directive",
	}, []string{"step", "directive"})

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swegraph",
		Name:      "retries_total",
		Help:      "Retry attempts made by step retry policies",
	}, []string{"step", "reason"})

	pm.interrupts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swegraph",
		Name:      "interrupts_total",
		Help:      "Sessions suspended awaiting external input",
	}, []string{"step"})

	pm.checkpoints = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swegraph",
		Name:      "checkpoints_total",
		Help:      "Checkpoint append attempts",
	}, []string{"status"})

	pm.runs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swegraph",
		Name:      "runs_total",
		Help:      "Run and resume results by outcome",
	}, []string{"outcome"})

	pm.activeSessions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "swegraph",
		Name:      "active_sessions",
		Help:      "Sessions currently executing steps",
	})

	return pm
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordStepLatency observes one step execution.
func (pm *PrometheusMetrics) RecordStepLatency(step string, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.stepLatency.WithLabelValues(step, status).Observe(float64(latency.Milliseconds()))
}

// IncrementSteps counts a committed step.
func (pm *PrometheusMetrics) IncrementSteps(step string, kind DirectiveKind) {
	if !pm.on() {
		return
	}
	pm.steps.WithLabelValues(step, kind.String()).Inc()
}

// IncrementRetries counts a retry attempt.
func (pm *PrometheusMetrics) IncrementRetries(step, reason string) {
	if !pm.on() {
		return
	}
	pm.retries.WithLabelValues(step, reason).Inc()
}

// IncrementInterrupts counts a suspension.
func (pm *PrometheusMetrics) IncrementInterrupts(step string) {
	if !pm.on() {
		return
	}
	pm.interrupts.WithLabelValues(step).Inc()
}

// IncrementCheckpoints counts a checkpoint append attempt.
func (pm *PrometheusMetrics) IncrementCheckpoints(ok bool) {
	if !pm.on() {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	pm.checkpoints.WithLabelValues(status).Inc()
}

// IncrementRuns counts a run result.
func (pm *PrometheusMetrics) IncrementRuns(outcome Outcome) {
	if !pm.on() {
		return
	}
	pm.runs.WithLabelValues(outcome.String()).Inc()
}

// AddActiveSessions adjusts the active session gauge by delta.
func (pm *PrometheusMetrics) AddActiveSessions(delta int) {
	if !pm.on() {
		return
	}
	pm.activeSessions.Add(float64(delta))
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
