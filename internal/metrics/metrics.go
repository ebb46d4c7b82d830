package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the settlement counters on a private prometheus registry.
// A nil *Registry is valid and records nothing.
type Registry struct {
	registry         *prometheus.Registry
	deliveriesTotal  *prometheus.CounterVec
	refundedTotal    *prometheus.CounterVec
	executionsTotal  *prometheus.CounterVec
	plansTotal       *prometheus.CounterVec
	relayTransitions *prometheus.CounterVec
	pendingJobs      prometheus.Gauge
}

func New() *Registry {
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intents_deliveries_total",
		Help: "Bridge deliveries processed by accumulators",
	}, []string{"chain_id", "outcome"})

	refunded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intents_refunds_total",
		Help: "Refunds returned to owners",
	}, []string{"chain_id", "reason"})

	executions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intents_executions_total",
		Help: "executeIntent attempts by mode and result",
	}, []string{"chain_id", "mode", "result"})

	plans := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intents_plans_total",
		Help: "Plans built by the planner",
	}, []string{"result"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intents_relay_transitions_total",
		Help: "Relay job state transitions",
	}, []string{"state"})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "intents_relay_pending_jobs",
		Help: "Relay jobs not yet in a final state",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(deliveries, refunded, executions, plans, transitions, pending)

	return &Registry{
		registry:         r,
		deliveriesTotal:  deliveries,
		refundedTotal:    refunded,
		executionsTotal:  executions,
		plansTotal:       plans,
		relayTransitions: transitions,
		pendingJobs:      pending,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) IncDelivery(chainID, outcome string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(chainID, outcome).Inc()
}

func (m *Registry) IncRefund(chainID, reason string) {
	if m == nil {
		return
	}
	m.refundedTotal.WithLabelValues(chainID, reason).Inc()
}

func (m *Registry) IncExecution(chainID, mode, result string) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(chainID, mode, result).Inc()
}

func (m *Registry) IncPlan(result string) {
	if m == nil {
		return
	}
	m.plansTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncTransition(state string) {
	if m == nil {
		return
	}
	m.relayTransitions.WithLabelValues(state).Inc()
}

func (m *Registry) SetPendingJobs(n int) {
	if m == nil {
		return
	}
	m.pendingJobs.Set(float64(n))
}
