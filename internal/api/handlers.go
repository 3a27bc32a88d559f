package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rasterview/server/internal/extract"
	"github.com/rasterview/server/internal/service"
	"github.com/rasterview/server/internal/tiling"
)

type openRequest struct {
	Path string `json:"path"`
}

func openDatasetHandler(svc *service.RasterService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req openRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Path) == "" {
			http.Error(w, "path is required", http.StatusBadRequest)
			return
		}

		info, err := svc.Open(req.Path)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(info)
	}
}

func listDatasetsHandler(svc *service.RasterService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		datasets := svc.List()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"datasets": datasets,
			"total":    len(datasets),
		})
	}
}

func metadataHandler(svc *service.RasterService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := svc.Metadata(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	}
}

func closeDatasetHandler(svc *service.RasterService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := svc.Close(id); err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     id,
			"closed": true,
		})
	}
}

func cacheStatsHandler(svc *service.RasterService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(svc.CacheStats())
	}
}

func bandStatsHandler(svc *service.RasterService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		band, err := strconv.Atoi(chi.URLParam(r, "band"))
		if err != nil {
			http.Error(w, "invalid band", http.StatusBadRequest)
			return
		}

		stats, err := svc.Stats(chi.URLParam(r, "id"), band)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

func histogramHandler(svc *service.RasterService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		band, err := strconv.Atoi(chi.URLParam(r, "band"))
		if err != nil {
			http.Error(w, "invalid band", http.StatusBadRequest)
			return
		}

		buckets := 0
		if raw := r.URL.Query().Get("buckets"); raw != "" {
			buckets, err = strconv.Atoi(raw)
			if err != nil {
				http.Error(w, "invalid buckets", http.StatusBadRequest)
				return
			}
		}

		hist, err := svc.HistogramFor(chi.URLParam(r, "id"), band, buckets)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(hist)
	}
}

func grayTileHandler(svc *service.RasterService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr, ok := parseAddr(w, r)
		if !ok {
			return
		}
		band, err := parseBand(r.URL.Query(), "band", 1)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stretch, err := resolveStretch(svc, log, chi.URLParam(r, "id"), band, r.URL.Query(), "")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		writeTile(w, svc, service.TileRequest{
			Mode:      service.ModeGray,
			IDs:       []string{chi.URLParam(r, "id")},
			Bands:     []int{band},
			Addr:      addr,
			Stretches: []extract.StretchParams{stretch},
		})
	}
}

func pixelTileHandler(svc *service.RasterService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr, ok := parseAddr(w, r)
		if !ok {
			return
		}
		band, err := parseBand(r.URL.Query(), "band", 1)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stretch, err := resolveStretch(svc, log, chi.URLParam(r, "id"), band, r.URL.Query(), "")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		writeTile(w, svc, service.TileRequest{
			Mode:      service.ModePixel,
			IDs:       []string{chi.URLParam(r, "id")},
			Bands:     []int{band},
			Addr:      addr,
			Stretches: []extract.StretchParams{stretch},
		})
	}
}

func rgbTileHandler(svc *service.RasterService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr, ok := parseAddr(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		id := chi.URLParam(r, "id")

		bands := make([]int, 3)
		stretches := make([]extract.StretchParams, 3)
		for i, ch := range []string{"r", "g", "b"} {
			band, err := parseBand(q, ch, i+1)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			stretch, err := resolveStretch(svc, log, id, band, q, ch+"_")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			bands[i] = band
			stretches[i] = stretch
		}

		writeTile(w, svc, service.TileRequest{
			Mode:      service.ModeRGB,
			IDs:       []string{id},
			Bands:     bands,
			Addr:      addr,
			Stretches: stretches,
		})
	}
}

func crossRGBTileHandler(svc *service.RasterService, log *zap.Logger) http.HandlerFunc {
	return crossTileHandler(svc, service.ModeCrossRGB, log)
}

func crossPixelRGBTileHandler(svc *service.RasterService, log *zap.Logger) http.HandlerFunc {
	return crossTileHandler(svc, service.ModeCrossPixelRGB, log)
}

// crossTileHandler serves the cross-layer composites: each channel names its
// own dataset.
func crossTileHandler(svc *service.RasterService, mode service.DisplayMode, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr, ok := parseAddr(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()

		ids := make([]string, 3)
		bands := make([]int, 3)
		stretches := make([]extract.StretchParams, 3)
		for i, ch := range []string{"r", "g", "b"} {
			id := strings.TrimSpace(q.Get(ch + "_id"))
			if id == "" {
				http.Error(w, "missing required query param: "+ch+"_id", http.StatusBadRequest)
				return
			}
			band, err := parseBand(q, ch+"_band", 1)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			stretch, err := resolveStretch(svc, log, id, band, q, ch+"_")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			ids[i] = id
			bands[i] = band
			stretches[i] = stretch
		}

		writeTile(w, svc, service.TileRequest{
			Mode:      mode,
			IDs:       ids,
			Bands:     bands,
			Addr:      addr,
			Stretches: stretches,
		})
	}
}

func parseAddr(w http.ResponseWriter, r *http.Request) (tiling.Address, bool) {
	z, err := strconv.Atoi(chi.URLParam(r, "z"))
	if err != nil {
		http.Error(w, "invalid z", http.StatusBadRequest)
		return tiling.Address{}, false
	}
	x, err := strconv.Atoi(chi.URLParam(r, "x"))
	if err != nil {
		http.Error(w, "invalid x", http.StatusBadRequest)
		return tiling.Address{}, false
	}
	y, err := strconv.Atoi(chi.URLParam(r, "y"))
	if err != nil {
		http.Error(w, "invalid y", http.StatusBadRequest)
		return tiling.Address{}, false
	}
	return tiling.Address{Z: z, X: x, Y: y}, true
}

func parseBand(q url.Values, key string, def int) (int, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("invalid " + key)
	}
	return v, nil
}

// resolveStretch reads min/max/gamma query params under an optional prefix.
// When the caller supplies neither min nor max, the band's cached statistics
// provide them, matching the viewer's auto-stretch behavior. A degenerate
// band (min == max) keeps the full-range default so the stretch stays valid;
// unavailable statistics fall back the same way, with a warning, since the
// tile itself may still render.
func resolveStretch(svc *service.RasterService, log *zap.Logger, id string, band int, q url.Values, prefix string) (extract.StretchParams, error) {
	s, err := parseStretch(q, prefix)
	if err != nil {
		return s, err
	}
	if q.Get(prefix+"min") != "" || q.Get(prefix+"max") != "" {
		return s, nil
	}
	stats, err := svc.Stats(id, band)
	switch {
	case err != nil:
		log.Warn("auto-stretch statistics unavailable",
			zap.String("dataset", id),
			zap.Int("band", band),
			zap.Error(err))
	case stats.Min < stats.Max:
		s.Min, s.Max = stats.Min, stats.Max
	}
	return s, nil
}

// parseStretch reads min/max/gamma query params under an optional prefix,
// falling back to the default stretch per field. Range validation happens in
// the service so cached and uncached paths reject identically.
func parseStretch(q url.Values, prefix string) (extract.StretchParams, error) {
	s := extract.DefaultStretch()
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{prefix + "min", &s.Min},
		{prefix + "max", &s.Max},
		{prefix + "gamma", &s.Gamma},
	} {
		raw := strings.TrimSpace(q.Get(f.key))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return s, errors.New("invalid " + f.key)
		}
		*f.dst = v
	}
	return s, nil
}

func writeTile(w http.ResponseWriter, svc *service.RasterService, req service.TileRequest) {
	data, err := svc.Tile(req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

// writeError maps the service error taxonomy onto HTTP status codes. The
// body carries the typed code so the viewer can tell failure classes apart
// without parsing messages.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, service.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, service.ErrOpenFailure):
		code = "open_failure"
	case errors.Is(err, service.ErrReadFailure):
		code = "read_failure"
	case errors.Is(err, service.ErrEncodeFailure):
		code = "encode_failure"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  code,
	})
}
