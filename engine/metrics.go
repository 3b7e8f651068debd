package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewingflow",
			Name:      "engagement_transitions_total",
			Help:      "Committed engagement status transitions.",
		},
		[]string{"from", "to"},
	)
	settlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewingflow",
			Name:      "escrow_settlements_total",
			Help:      "Escrow settlement legs by kind, counted when applied inside a unit of work.",
		},
		[]string{"kind"},
	)
	sweepRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewingflow",
			Name:      "auto_release_sweeps_total",
			Help:      "Auto-release sweep passes by result.",
		},
		[]string{"result"},
	)
	autoReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewingflow",
			Name:      "auto_releases_total",
			Help:      "Auto-release attempts by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(transitionsTotal, settlementsTotal, sweepRunsTotal, autoReleasesTotal)
}
