package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exai_dispatch_total",
		Help: "Tool call requests answered, by path and outcome.",
	}, []string{"path", "outcome"})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exai_dispatch_duration_seconds",
		Help:    "Time from request to answer, by path.",
		Buckets: []float64{0.005, 0.05, 0.25, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"path"})

	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exai_executions_total",
		Help: "Tool executions started by owners, by tool and outcome.",
	}, []string{"tool", "outcome"})
)
