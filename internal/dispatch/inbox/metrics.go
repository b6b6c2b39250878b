package inbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	processedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_inbox_processed_total",
			Help: "Total number of inbound messages processed, by result.",
		},
		[]string{"result"},
	)

	processDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_inbox_process_duration_seconds",
			Help:    "Time spent processing one inbound message.",
			Buckets: prometheus.DefBuckets,
		},
	)
)
