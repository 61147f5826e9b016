package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ctfagent",
		Subsystem: "router",
		Name:      "classifications_total",
		Help:      "Tool selections by chosen category",
	}, []string{"category"})

	fallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ctfagent",
		Subsystem: "router",
		Name:      "fallbacks_total",
		Help:      "Selections that widened to all capabilities, by reason",
	}, []string{"reason"})

	derivations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ctfagent",
		Subsystem: "router",
		Name:      "vocabulary_derivations_total",
		Help:      "Category vocabulary derivations by result",
	}, []string{"result"})
)
