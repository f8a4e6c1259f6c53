package distribution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	runResultOK      = "ok"
	runResultBusy    = "busy"
	runResultLocked  = "locked"
	runResultError   = "error"
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeDead      = "dead_lettered"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distribution_runs_total",
			Help: "Processor runs by result",
		},
		[]string{"result"},
	)

	recordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distribution_records_total",
			Help: "Distribution records processed by outcome",
		},
		[]string{"outcome"},
	)

	creditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distribution_credits_applied_total",
			Help: "Wallet credits applied by leg",
		},
		[]string{"leg"},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "distribution_run_duration_seconds",
			Help:    "Duration of processor runs that claimed work",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
	)
)
