package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	shortfallTokens = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bountyledger",
		Subsystem: "reconciliation",
		Name:      "shortfall_tokens",
		Help:      "Ledger holdings not covered by the custody balance in the last run.",
	})
	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bountyledger",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})
	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bountyledger",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Reconciliation runs that could not read the custody balance.",
	})
)

func init() {
	prometheus.MustRegister(shortfallTokens, runDuration, runErrors)
}
