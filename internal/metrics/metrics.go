// Package metrics exposes Prometheus collectors for orchestration activity.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taskflow"

// Metrics bundles the collectors.
type Metrics struct {
	toolCalls      *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	toolFallbacks  prometheus.Counter
	overrides      *prometheus.CounterVec
	replans        prometheus.Counter
	workerRetries  *prometheus.CounterVec
	steps          *prometheus.CounterVec
	resumes        *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	evictions      prometheus.Counter
}

// MustNewMetrics registers the collectors on reg, reusing collectors that are
// already registered under the same name. Other registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		toolCalls: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tools", Name: "calls_total",
			Help: "Tool calls executed, by execution mode and outcome.",
		}, []string{"mode", "outcome"})),
		toolDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "tools", Name: "call_duration_seconds",
			Help: "Duration of individual tool calls.", Buckets: prometheus.DefBuckets,
		}, []string{"tool"})),
		toolFallbacks: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tools", Name: "sequential_fallbacks_total",
			Help: "Tool calls moved from the parallel pool to sequential execution.",
		})),
		overrides: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "overrides_total",
			Help: "Routing overrides applied to scheduler decisions.",
		}, []string{"kind"})),
		replans: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "replans_total",
			Help: "Replanning rounds started.",
		})),
		workerRetries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "workers", Name: "retries_total",
			Help: "Worker invocation retries.",
		}, []string{"worker"})),
		steps: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "steps_total",
			Help: "Graph steps executed, by node.",
		}, []string{"node"})),
		resumes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "resumes_total",
			Help: "Session resumes, by kind and whether the resume was deduplicated.",
		}, []string{"kind", "deduplicated"})),
		sessionsActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "active",
			Help: "Sessions currently cached.",
		})),
		evictions: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "evictions_total",
			Help: "Sessions evicted by the TTL sweep.",
		})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveToolCall records one tool call.
func (m *Metrics) ObserveToolCall(tool, mode string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.toolCalls.WithLabelValues(mode, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// AddToolFallbacks counts calls moved to sequential execution.
func (m *Metrics) AddToolFallbacks(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.toolFallbacks.Add(float64(n))
}

// IncOverride counts a scheduler routing override.
func (m *Metrics) IncOverride(kind string) {
	if m == nil {
		return
	}
	m.overrides.WithLabelValues(kind).Inc()
}

// IncReplan counts a replanning round.
func (m *Metrics) IncReplan() {
	if m == nil {
		return
	}
	m.replans.Inc()
}

// IncWorkerRetry counts a worker retry.
func (m *Metrics) IncWorkerRetry(worker string) {
	if m == nil {
		return
	}
	m.workerRetries.WithLabelValues(worker).Inc()
}

// IncStep counts an executed graph step.
func (m *Metrics) IncStep(node string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(node).Inc()
}

// IncResume counts a session resume.
func (m *Metrics) IncResume(kind string, deduplicated bool) {
	if m == nil {
		return
	}
	d := "false"
	if deduplicated {
		d = "true"
	}
	m.resumes.WithLabelValues(kind, d).Inc()
}

// SetActiveSessions sets the cached session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// AddEvictions counts evicted sessions.
func (m *Metrics) AddEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evictions.Add(float64(n))
}
