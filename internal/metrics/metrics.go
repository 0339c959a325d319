package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus instruments. The supervisor,
// dispatcher and dual-write store report through plain callback hooks, so
// none of them import this package.
type Metrics struct {
	registry *prometheus.Registry

	// Evaluations counts decision cycles by verdict: hold, stop, stale.
	Evaluations *prometheus.CounterVec
	// Transitions counts committed lifecycle transitions by target state.
	Transitions *prometheus.CounterVec
	// DispatchAttempts counts notification deliveries by sink and outcome.
	DispatchAttempts *prometheus.CounterVec
	// DeadLetters counts notification events that exhausted their retries.
	DeadLetters *prometheus.CounterVec
	// DriftEvents counts dual-write comparison mismatches by field.
	DriftEvents *prometheus.CounterVec
	// ActivePositions tracks the size of the supervision working set.
	ActivePositions prometheus.Gauge
}

// New creates the instrument set on a private registry, keeping the exposed
// endpoint free of default Go runtime collectors from other libraries.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		Evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradeguard",
			Name:      "evaluations_total",
			Help:      "Decision cycles by verdict.",
		}, []string{"verdict"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradeguard",
			Name:      "transitions_total",
			Help:      "Committed lifecycle transitions by target state.",
		}, []string{"to"}),
		DispatchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradeguard",
			Name:      "dispatch_attempts_total",
			Help:      "Notification delivery attempts by sink and outcome.",
		}, []string{"sink", "outcome"}),
		DeadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradeguard",
			Name:      "dead_letters_total",
			Help:      "Notification events dead-lettered after retry exhaustion.",
		}, []string{"sink"}),
		DriftEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradeguard",
			Name:      "drift_events_total",
			Help:      "Dual-write comparison mismatches by field.",
		}, []string{"field"}),
		ActivePositions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradeguard",
			Name:      "active_positions",
			Help:      "Positions currently under supervision.",
		}),
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEvaluation is the supervisor's OnEvaluation hook.
func (m *Metrics) ObserveEvaluation(verdict string) {
	m.Evaluations.WithLabelValues(verdict).Inc()
}

// ObserveTransition is the supervisor's OnTransition hook.
func (m *Metrics) ObserveTransition(to string) {
	m.Transitions.WithLabelValues(to).Inc()
}

// ObserveWorkingSet is the supervisor's OnWorkingSet hook.
func (m *Metrics) ObserveWorkingSet(size int) {
	m.ActivePositions.Set(float64(size))
}

// ObserveDispatchAttempt is the dispatcher's OnAttempt hook.
func (m *Metrics) ObserveDispatchAttempt(sink string, ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.DispatchAttempts.WithLabelValues(sink, outcome).Inc()
}

// ObserveDeadLetter is the dispatcher's OnDeadLetter hook.
func (m *Metrics) ObserveDeadLetter(sink string) {
	m.DeadLetters.WithLabelValues(sink).Inc()
}

// ObserveDrift is the dual-write store's OnDrift hook.
func (m *Metrics) ObserveDrift(field string) {
	m.DriftEvents.WithLabelValues(field).Inc()
}
