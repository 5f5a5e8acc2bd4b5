package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	wikiMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wiki",
		Subsystem: "hierarchy",
		Name:      "mutations_total",
		Help:      "Total number of hierarchy mutations broken down by operation and result.",
	}, []string{"op", "result"})

	wikiMoveSubtreeSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wiki",
		Subsystem: "hierarchy",
		Name:      "move_subtree_size",
		Help:      "Number of nodes relocated by a single move.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})

	wikiAccessDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wiki",
		Subsystem: "access",
		Name:      "decisions_total",
		Help:      "Total number of access decisions broken down by result and reason.",
	}, []string{"result", "reason"})

	wikiWriteConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wiki",
		Subsystem: "write",
		Name:      "conflicts_total",
		Help:      "Total number of wiki write conflicts broken down by kind.",
	}, []string{"kind"})
)

func recordMutation(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	wikiMutations.WithLabelValues(op, result).Inc()
}

func recordAccessDecision(allowed bool, reason string) {
	result := "deny"
	if allowed {
		result = "allow"
	}
	wikiAccessDecisions.WithLabelValues(result, reason).Inc()
}

func recordWriteConflict(kind string) {
	if kind == "" {
		kind = "other"
	}
	wikiWriteConflicts.WithLabelValues(kind).Inc()
}
