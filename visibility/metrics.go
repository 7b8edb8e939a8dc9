package visibility

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	visiblePoints = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "potree_visibility_visible_points",
		Help: "The number of points selected by the last visibility update.",
	})

	visibleNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "potree_visibility_visible_nodes",
		Help: "The number of nodes displayed by the last visibility update.",
	})

	loadsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "potree_visibility_loads_dispatched",
		Help: "The number of node loads requested by visibility updates.",
	})

	updateSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "potree_visibility_update_seconds",
		Help:    "The time spent in one visibility update.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})
)
