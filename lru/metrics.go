package lru

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const cacheLabel = "cache"

var (
	residentPoints = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "potree_lru_resident_points",
		Help: "The number of points held by resident octree nodes.",
	}, []string{
		cacheLabel,
	})

	evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "potree_lru_evictions",
		Help: "The number of octree nodes evicted from memory.",
	}, []string{
		cacheLabel,
	})
)
