package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// plansTotal counts planner replies. Labels: result (ok, noop)
	plansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ctfagent",
		Subsystem: "agent",
		Name:      "plans_total",
		Help:      "Planner replies by result",
	}, []string{"result"})

	// verdictsTotal counts analyzer verdicts. Labels: result (ok, default)
	verdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ctfagent",
		Subsystem: "agent",
		Name:      "verdicts_total",
		Help:      "Analyzer verdicts by result",
	}, []string{"result"})

	condensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ctfagent",
		Subsystem: "agent",
		Name:      "condensations_total",
		Help:      "Large outputs condensed, by result",
	}, []string{"result"})

	// actionsTotal counts executed actions. Labels: result (ok, error, unknown)
	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ctfagent",
		Subsystem: "agent",
		Name:      "actions_total",
		Help:      "Executed actions by result",
	}, []string{"result"})

	actionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ctfagent",
		Subsystem: "agent",
		Name:      "action_duration_seconds",
		Help:      "Action execution latency",
		Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 300},
	}, []string{"tool"})

	stepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ctfagent",
		Subsystem: "agent",
		Name:      "steps_total",
		Help:      "Completed plan/execute/analyze steps",
	})

	// runsTotal counts finished runs. Labels: reason
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ctfagent",
		Subsystem: "agent",
		Name:      "runs_total",
		Help:      "Finished runs by terminal reason",
	}, []string{"reason"})
)
