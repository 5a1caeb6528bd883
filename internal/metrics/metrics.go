// Package metrics exposes Prometheus collectors for reconciliation runs,
// inference calls and drift bookkeeping. Collectors live on a private
// registry so tests and embedders never collide with the global one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jasontalley/pact-sub013/internal/inference"
)

const namespace = "pact"

// Metrics implements the observer interfaces of the inference adapter and
// the reconciliation engine. All methods are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	inferenceCalls    *prometheus.CounterVec
	inferenceDuration *prometheus.HistogramVec
	inferenceAttempts *prometheus.HistogramVec
	discarded         *prometheus.CounterVec

	runTransitions *prometheus.CounterVec
	phaseDuration  *prometheus.HistogramVec
	driftChanges   *prometheus.CounterVec
	manifestBuilds *prometheus.CounterVec
}

// New registers every collector on a fresh registry. Go runtime and process
// collectors are included when withRuntime is set.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		inferenceCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "calls_total",
			Help:      "Inference calls by task and outcome kind.",
		}, []string{"task", "outcome"}),
		inferenceDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "call_duration_seconds",
			Help:      "Wall time of an inference call including retries.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"task"}),
		inferenceAttempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "attempts",
			Help:      "Attempts needed per inference call.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}, []string{"task"}),
		discarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "candidates_discarded_total",
			Help:      "Candidates dropped before the quality gate, by reason.",
		}, []string{"task", "reason"}),
		runTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "transitions_total",
			Help:      "Run status transitions by target status.",
		}, []string{"status"}),
		phaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "phase_duration_seconds",
			Help:      "Phase execution time by phase and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
		}, []string{"phase", "outcome"}),
		driftChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "drift",
			Name:      "item_changes_total",
			Help:      "Drift items created, confirmed or resolved by CI runs.",
		}, []string{"change"}),
		manifestBuilds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manifest",
			Name:      "builds_total",
			Help:      "Manifest builds that missed the store.",
		}, []string{"project"}),
	}
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// InferenceCall records one adapter call. kind is "ok" or a failure kind.
func (m *Metrics) InferenceCall(task inference.Task, kind string, attempts int, d time.Duration) {
	m.inferenceCalls.WithLabelValues(string(task), kind).Inc()
	m.inferenceDuration.WithLabelValues(string(task)).Observe(d.Seconds())
	m.inferenceAttempts.WithLabelValues(string(task)).Observe(float64(attempts))
}

// CandidateDiscarded records a candidate dropped by schema or grounding checks.
func (m *Metrics) CandidateDiscarded(task inference.Task, reason string) {
	m.discarded.WithLabelValues(string(task), reason).Inc()
}

// RunStatusChanged records a run entering status.
func (m *Metrics) RunStatusChanged(status string) {
	m.runTransitions.WithLabelValues(status).Inc()
}

// PhaseFinished records a phase's duration.
func (m *Metrics) PhaseFinished(phase, outcome string, d time.Duration) {
	m.phaseDuration.WithLabelValues(phase, outcome).Observe(d.Seconds())
}

// DriftApplied records the item changes of one drift pass.
func (m *Metrics) DriftApplied(created, confirmed, resolved int) {
	m.driftChanges.WithLabelValues("created").Add(float64(created))
	m.driftChanges.WithLabelValues("confirmed").Add(float64(confirmed))
	m.driftChanges.WithLabelValues("resolved").Add(float64(resolved))
}

// ManifestBuilt records a manifest build; wire it to manifest.Cache.OnBuild.
func (m *Metrics) ManifestBuilt(projectID, _ string) {
	m.manifestBuilds.WithLabelValues(projectID).Inc()
}
