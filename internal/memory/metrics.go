package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stepsAdded counts records committed to hot history.
	stepsAdded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ctfagent",
		Subsystem: "memory",
		Name:      "steps_added_total",
		Help:      "Step records committed to hot history",
	})

	// compressions counts compressions. Labels: result (ok, fallback)
	compressions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ctfagent",
		Subsystem: "memory",
		Name:      "compressions_total",
		Help:      "Hot history compressions by result",
	}, []string{"result"})

	stepsForgotten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ctfagent",
		Subsystem: "memory",
		Name:      "steps_forgotten_total",
		Help:      "Step records evicted by the forgetting policy",
	})

	archiveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ctfagent",
		Subsystem: "memory",
		Name:      "archive_errors_total",
		Help:      "Failed long-term archive writes and searches",
	})
)
