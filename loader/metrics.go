package loader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	formatLabel = "format"
	resultLabel = "result"

	formatFlat    = "flat"
	formatChunked = "chunked"

	resultLoaded    = "loaded"
	resultFailed    = "failed"
	resultDiscarded = "discarded"
)

var (
	nodeLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "potree_loader_node_loads",
		Help: "The number of finished node loads.",
	}, []string{
		formatLabel,
		resultLabel,
	})

	bytesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "potree_loader_fetched_bytes",
		Help: "The number of bytes fetched for metadata, hierarchy and point data.",
	}, []string{
		formatLabel,
	})

	loadSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "potree_loader_load_seconds",
		Help:    "The time from dispatching a node load until its result is ready.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{
		formatLabel,
	})
)
