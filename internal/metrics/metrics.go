// Package metrics defines foreman's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the orchestration engine. A nil
// *Metrics is valid and records nothing.
//
// Metrics:
//   - foreman_agent_invocations_total{kind,result} - agent invocations by outcome
//   - foreman_agent_invocation_duration_seconds{kind} - invocation wall time
//   - foreman_agent_cost_usd_total - accumulated agent cost
//   - foreman_stage_transitions_total{from,to} - committed stage transitions
//   - foreman_queue_depth{project} - queued sessions per project
//   - foreman_decisions_raised_total{stage} - decisions raised
//   - foreman_recovered_sessions_total - sessions resumed by recovery
type Metrics struct {
	Invocations        *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec
	CostUSD            prometheus.Counter
	StageTransitions   *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec
	DecisionsRaised    *prometheus.CounterVec
	RecoveredSessions  prometheus.Counter
}

// New creates the collectors and registers them with reg. Pass
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Invocations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_agent_invocations_total",
				Help: "Total number of agent invocations",
			},
			[]string{"kind", "result"}, // result: ok, error, timeout, spawn_failed
		),
		InvocationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "foreman_agent_invocation_duration_seconds",
				Help:    "Duration of agent invocations in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"kind"},
		),
		CostUSD: f.NewCounter(prometheus.CounterOpts{
			Name: "foreman_agent_cost_usd_total",
			Help: "Accumulated agent cost in USD",
		}),
		StageTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_stage_transitions_total",
				Help: "Total number of committed stage transitions",
			},
			[]string{"from", "to"},
		),
		QueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "foreman_queue_depth",
				Help: "Number of queued sessions per project",
			},
			[]string{"project"},
		),
		DecisionsRaised: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_decisions_raised_total",
				Help: "Total number of decisions raised by the agent",
			},
			[]string{"stage"},
		),
		RecoveredSessions: f.NewCounter(prometheus.CounterOpts{
			Name: "foreman_recovered_sessions_total",
			Help: "Total number of sessions resumed by the recovery scanner",
		}),
	}
}

// ObserveInvocation records one invocation.
func (m *Metrics) ObserveInvocation(kind, result string, d time.Duration, cost float64) {
	if m == nil {
		return
	}
	m.Invocations.WithLabelValues(kind, result).Inc()
	m.InvocationDuration.WithLabelValues(kind).Observe(d.Seconds())
	if cost > 0 {
		m.CostUSD.Add(cost)
	}
}

// ObserveTransition records a stage transition.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.StageTransitions.WithLabelValues(from, to).Inc()
}

// SetQueueDepth records the queue length of a project.
func (m *Metrics) SetQueueDepth(project string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(project).Set(float64(n))
}

// ObserveDecisions records n decisions raised in stage.
func (m *Metrics) ObserveDecisions(stage string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DecisionsRaised.WithLabelValues(stage).Add(float64(n))
}

// ObserveRecovery records a recovered session.
func (m *Metrics) ObserveRecovery() {
	if m == nil {
		return
	}
	m.RecoveredSessions.Inc()
}
