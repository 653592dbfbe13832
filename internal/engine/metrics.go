package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	nodeTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_node_transitions_total",
		Help: "Node execution status transitions, by target status.",
	}, []string{"status"})
	adviserDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_adviser_decisions_total",
		Help: "Adviser decisions applied, by action.",
	}, []string{"action"})
	activePlans = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_active_plans",
		Help: "Plan executions currently driven by this process.",
	})
	plansFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_plans_finished_total",
		Help: "Plan executions finished, by final status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(nodeTransitions, adviserDecisions, activePlans, plansFinished)
}
