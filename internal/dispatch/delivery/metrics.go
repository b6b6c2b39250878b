package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	noticesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_delivery_notices_total",
			Help: "Total number of delivery notices dispatched, by result.",
		},
		[]string{"result"},
	)
)
