// Package api provides the HTTP boundary of the raster tile server.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rasterview/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Service     *service.RasterService
	CORSOrigins []string
	Logger      *zap.Logger

	// Registry receives the HTTP metrics and backs /metrics. Nil means a
	// private registry, which keeps tests independent.
	Registry *prometheus.Registry
}

// NewRouter creates the HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics := newMetrics(reg)
	svc := cfg.Service

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))
	r.Use(metrics.instrument)
	r.Use(func(next http.Handler) http.Handler {
		return gzhttp.GzipHandler(next)
	})

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Get("/api/cache/stats", cacheStatsHandler(svc))

	// Dataset lifecycle and inspection
	r.Route("/api/datasets", func(r chi.Router) {
		r.Post("/", openDatasetHandler(svc))
		r.Get("/", listDatasetsHandler(svc))
		r.Get("/{id}", metadataHandler(svc))
		r.Delete("/{id}", closeDatasetHandler(svc))
		r.Get("/{id}/bands/{band}/stats", bandStatsHandler(svc))
		r.Get("/{id}/bands/{band}/histogram", histogramHandler(svc))
	})

	// Tile endpoints. Static segments (rgb, pixel-rgb) win over the {id}
	// parameter, so the cross-layer routes do not shadow per-dataset ones.
	r.Route("/tiles", func(r chi.Router) {
		r.Get("/rgb/{z}/{x}/{y}.png", crossRGBTileHandler(svc, log))
		r.Get("/pixel-rgb/{z}/{x}/{y}.png", crossPixelRGBTileHandler(svc, log))
		r.Get("/{id}/{z}/{x}/{y}.png", grayTileHandler(svc, log))
		r.Get("/{id}/rgb/{z}/{x}/{y}.png", rgbTileHandler(svc, log))
		r.Get("/{id}/pixel/{z}/{x}/{y}.png", pixelTileHandler(svc, log))
	})

	return r
}

// requestLogger logs one line per request at debug level, errors at warn.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			}
			if ww.Status() >= http.StatusInternalServerError {
				log.Warn("request failed", fields...)
			} else {
				log.Debug("request", fields...)
			}
		})
	}
}
