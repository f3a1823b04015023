package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the engine's core counters.
type Metrics struct {
	transitions *prometheus.CounterVec
	claims      *prometheus.CounterVec
	requeues    *prometheus.CounterVec
	signals     *prometheus.CounterVec
	sweeps      *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traceflow_instance_transitions_total",
		Help: "Total instance status transitions by target status.",
	}, []string{"status"})
	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traceflow_claims_total",
		Help: "Total claim attempts by outcome.",
	}, []string{"outcome"})
	requeues := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traceflow_dispatch_requeues_total",
		Help: "Total dispatch requeues by reason.",
	}, []string{"reason"})
	signals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traceflow_signals_total",
		Help: "Total control signals sent by kind.",
	}, []string{"signal"})
	sweeps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traceflow_sweeper_actions_total",
		Help: "Total health sweeper actions by kind.",
	}, []string{"action"})

	transitions = registerCounterVec(registerer, transitions)
	claims = registerCounterVec(registerer, claims)
	requeues = registerCounterVec(registerer, requeues)
	signals = registerCounterVec(registerer, signals)
	sweeps = registerCounterVec(registerer, sweeps)

	return &Metrics{
		transitions: transitions,
		claims:      claims,
		requeues:    requeues,
		signals:     signals,
		sweeps:      sweeps,
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncTransition(status string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) IncClaim(outcome string) {
	if m == nil || m.claims == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncRequeue(reason string) {
	if m == nil || m.requeues == nil {
		return
	}
	m.requeues.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncSignal(signal string) {
	if m == nil || m.signals == nil {
		return
	}
	m.signals.WithLabelValues(signal).Inc()
}

func (m *Metrics) IncSweep(action string) {
	if m == nil || m.sweeps == nil {
		return
	}
	m.sweeps.WithLabelValues(action).Inc()
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}
