package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records engine signals into a Prometheus registry and mirrors the
// counters that have an OpenTelemetry equivalent onto the Runtime.
type Metrics struct {
	registry *prometheus.Registry
	runtime  *Runtime
	store    string

	providerAttempts     *prometheus.CounterVec
	providerLatency      *prometheus.HistogramVec
	tracesRecorded       prometheus.Counter
	tracePersistFailures *prometheus.CounterVec
	dispatchAccepted     prometheus.Counter
	dispatchDropped      prometheus.Counter
	evaluationsWritten   *prometheus.CounterVec
	evaluationFailures   *prometheus.CounterVec
	evaluationScore      *prometheus.HistogramVec
	evaluationDuration   *prometheus.HistogramVec
	driftAlerts          *prometheus.CounterVec
}

// NewMetrics registers the engine collectors on a fresh registry. runtime may
// be nil.
func NewMetrics(runtime *Runtime, storeDriver string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		runtime:  runtime,
		store:    strings.TrimSpace(storeDriver),

		providerAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmeval_provider_attempts_total",
				Help: "Provider attempts made by the router, by outcome.",
			},
			[]string{"provider", "outcome"},
		),
		providerLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmeval_provider_attempt_duration_seconds",
				Help:    "Latency of individual provider attempts.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		tracesRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmeval_traces_recorded_total",
			Help: "Inference traces durably recorded.",
		}),
		tracePersistFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmeval_trace_persist_failures_total",
				Help: "Inference traces that could not be persisted, by error class.",
			},
			[]string{"error_class"},
		),
		dispatchAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmeval_evaluation_dispatch_accepted_total",
			Help: "Traces accepted onto the evaluation queue.",
		}),
		dispatchDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmeval_evaluation_dispatch_dropped_total",
			Help: "Traces rejected because the evaluation queue was full.",
		}),
		evaluationsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmeval_evaluations_written_total",
				Help: "Evaluation results written, by evaluator.",
			},
			[]string{"evaluator_id"},
		),
		evaluationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmeval_evaluation_failures_total",
				Help: "Evaluator runs that failed, by evaluator and error class.",
			},
			[]string{"evaluator_id", "error_class"},
		),
		evaluationScore: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmeval_evaluation_score",
				Help:    "Aggregate evaluation scores on the 0-10 scale.",
				Buckets: prometheus.LinearBuckets(1, 1, 10),
			},
			[]string{"evaluator_id"},
		),
		evaluationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmeval_evaluation_duration_seconds",
				Help:    "Wall time of individual evaluator runs.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"evaluator_id"},
		),
		driftAlerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmeval_drift_alerts_total",
				Help: "Quality drift alerts raised, by severity.",
			},
			[]string{"severity"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveProviderAttempt(provider, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.providerAttempts.WithLabelValues(provider, outcome).Inc()
	m.providerLatency.WithLabelValues(provider).Observe(latency.Seconds())
	m.runtime.RecordProviderAttempt(provider, outcome)
}

func (m *Metrics) ObserveTraceRecorded() {
	if m == nil {
		return
	}
	m.tracesRecorded.Inc()
}

func (m *Metrics) ObserveTracePersistFailure(errorClass string) {
	if m == nil {
		return
	}
	m.tracePersistFailures.WithLabelValues(errorClass).Inc()
	m.runtime.RecordTracePersistFailure(errorClass, m.store)
}

func (m *Metrics) ObserveDispatchAccepted() {
	if m == nil {
		return
	}
	m.dispatchAccepted.Inc()
}

func (m *Metrics) ObserveDispatchDropped() {
	if m == nil {
		return
	}
	m.dispatchDropped.Inc()
	m.runtime.RecordDispatchDrop()
}

func (m *Metrics) ObserveEvaluation(evaluatorID string, score float64, duration time.Duration) {
	if m == nil {
		return
	}
	m.evaluationsWritten.WithLabelValues(evaluatorID).Inc()
	m.evaluationScore.WithLabelValues(evaluatorID).Observe(score)
	m.evaluationDuration.WithLabelValues(evaluatorID).Observe(duration.Seconds())
}

func (m *Metrics) ObserveEvaluationFailure(evaluatorID, errorClass string) {
	if m == nil {
		return
	}
	m.evaluationFailures.WithLabelValues(evaluatorID, errorClass).Inc()
	m.runtime.RecordEvaluationFailure(evaluatorID, errorClass)
}

func (m *Metrics) ObserveDriftAlert(severity string) {
	if m == nil {
		return
	}
	m.driftAlerts.WithLabelValues(severity).Inc()
	m.runtime.RecordDriftAlert(severity)
}
