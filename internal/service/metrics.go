package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rasterview/server/internal/store"
)

type serviceMetrics struct {
	tilesRendered *prometheus.CounterVec
	renderSeconds *prometheus.HistogramVec
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
}

// newServiceMetrics registers the tile-path metrics. A nil registerer yields
// unregistered collectors, which tests rely on.
func newServiceMetrics(reg prometheus.Registerer, datasets *store.Cache) *serviceMetrics {
	factory := promauto.With(reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "rasterview_open_datasets",
		Help: "Datasets currently registered.",
	}, func() float64 { return float64(datasets.Len()) })

	return &serviceMetrics{
		tilesRendered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rasterview_tiles_rendered_total",
			Help: "Tiles rendered (cache misses) by display mode.",
		}, []string{"mode"}),
		renderSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rasterview_tile_render_duration_seconds",
			Help:    "Tile render latency by display mode.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "rasterview_tile_cache_hits_total",
			Help: "Tile requests served from the encoded-tile cache.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "rasterview_tile_cache_misses_total",
			Help: "Tile requests that had to render.",
		}),
	}
}

func (m *serviceMetrics) observeRender(mode DisplayMode, start time.Time) {
	m.tilesRendered.WithLabelValues(mode.String()).Inc()
	m.renderSeconds.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())
}
