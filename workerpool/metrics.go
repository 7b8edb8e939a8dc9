package workerpool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	poolLabel   = "pool"
	reasonLabel = "reason"
)

var (
	poolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "potree_workerpool_size",
		Help: "The number of live decode workers.",
	}, []string{
		poolLabel,
	})

	workerTerminations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "potree_workerpool_terminations",
		Help: "The number of decode workers torn down.",
	}, []string{
		poolLabel,
		reasonLabel,
	})

	decodeSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "potree_workerpool_decode_seconds",
		Help:    "The time spent decoding one payload.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{
		poolLabel,
	})
)
