package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciliation",
		Name:      "runs_total",
		Help:      "Total number of reconciliation runs by kind and status.",
	}, []string{"kind", "status"})

	reconcileRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs by kind.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	reconcileEntities = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciliation",
		Name:      "entities_total",
		Help:      "Entities processed by kind and outcome.",
	}, []string{"kind", "outcome"})

	reconcileOpenEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reconciliation",
		Name:      "open_entries",
		Help:      "Open drift entries observed at the end of the last run.",
	}, []string{"kind"})
)

func recordRun(report RunReport) {
	kind := report.Kind.String()
	reconcileRuns.WithLabelValues(kind, string(report.Status)).Inc()
	reconcileRunDuration.WithLabelValues(kind).Observe(report.Duration.Seconds())
	if report.Status != RunSucceeded {
		return
	}
	for outcome, n := range map[string]int{
		"detected":  report.Detected,
		"duplicate": report.Duplicates,
		"clean":     report.Clean,
		"failed":    report.Failed,
		"resolved":  report.Resolved,
	} {
		if n > 0 {
			reconcileEntities.WithLabelValues(kind, outcome).Add(float64(n))
		}
	}
	reconcileOpenEntries.WithLabelValues(kind).Set(float64(report.OpenAfter))
}
