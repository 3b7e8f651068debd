package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OpsTotal counts ledger operations by type and result.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewingflow",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type and result.",
		},
		[]string{"type", "result"},
	)

	// OpDuration observes operation latency by type.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "viewingflow",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// ReplaysTotal counts idempotent no-op replays of escrow operations.
	ReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewingflow",
			Name:      "ledger_replays_total",
			Help:      "Escrow operations skipped because a COMPLETE row already existed.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		OpsTotal,
		OpDuration,
		ReplaysTotal,
	)
}

// observeOp returns a function recording the duration and outcome of one
// operation. Pass the operation's final error.
func observeOp(op string) func(error) {
	start := time.Now()
	return func(err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		OpsTotal.WithLabelValues(op, result).Inc()
		OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
