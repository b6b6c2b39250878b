package exception

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	exceptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_exceptions_total",
			Help: "Total number of reported exceptions.",
		},
		[]string{"category", "resolution"},
	)
)
