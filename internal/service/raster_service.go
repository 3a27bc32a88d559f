// Package service provides the business logic for the raster tile server:
// dataset registration and lifecycle, band statistics, histograms, and tile
// dispatch across the display modes.
package service

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rasterview/server/internal/cache"
	"github.com/rasterview/server/internal/engine"
	"github.com/rasterview/server/internal/extract"
	"github.com/rasterview/server/internal/store"
	"github.com/rasterview/server/internal/tiling"
)

// DisplayMode selects how a tile request composites bands and layers. The
// set is closed; anything else is rejected at validation.
type DisplayMode int

const (
	// ModeGray renders one band of one dataset as grayscale.
	ModeGray DisplayMode = iota
	// ModeRGB composites three bands of one dataset.
	ModeRGB
	// ModeCrossRGB composites one band from each of three datasets.
	ModeCrossRGB
	// ModePixel renders one band of a non-georeferenced image.
	ModePixel
	// ModeCrossPixelRGB composites three non-georeferenced images.
	ModeCrossPixelRGB
)

func (m DisplayMode) String() string {
	switch m {
	case ModeGray:
		return "gray"
	case ModeRGB:
		return "rgb"
	case ModeCrossRGB:
		return "xrgb"
	case ModePixel:
		return "pixel"
	case ModeCrossPixelRGB:
		return "xpixel-rgb"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// layers reports how many datasets the mode reads from.
func (m DisplayMode) layers() int {
	if m == ModeCrossRGB || m == ModeCrossPixelRGB {
		return 3
	}
	return 1
}

// bandCount reports how many bands the mode composites.
func (m DisplayMode) bandCount() int {
	if m == ModeGray || m == ModePixel {
		return 1
	}
	return 3
}

// pixelSpace reports whether the mode uses the synthetic pixel coordinate
// space instead of geographic placement.
func (m DisplayMode) pixelSpace() bool {
	return m == ModePixel || m == ModeCrossPixelRGB
}

// TileRequest is one tile to render.
type TileRequest struct {
	Mode  DisplayMode
	IDs   []string
	Bands []int
	Addr  tiling.Address

	// Stretches has one entry per band; empty means the default stretch
	// everywhere.
	Stretches []extract.StretchParams
}

// DatasetInfo is the metadata returned for a registered dataset.
type DatasetInfo struct {
	ID            string      `json:"id"`
	Path          string      `json:"path"`
	Width         int         `json:"width"`
	Height        int         `json:"height"`
	Bands         int         `json:"band_count"`
	Georeferenced bool        `json:"is_georeferenced"`
	Projection    string      `json:"projection,omitempty"`
	Bounds        *[4]float64 `json:"bounds,omitempty"`
	NativeBounds  *[4]float64 `json:"native_bounds,omitempty"`
	Resolution    float64     `json:"resolution,omitempty"`
	NoData        *float64    `json:"nodata,omitempty"`
	Overviews     []float64   `json:"overview_resolutions,omitempty"`
}

// RasterServiceConfig contains raster service configuration.
type RasterServiceConfig struct {
	Engine    engine.Engine
	Datasets  *store.Cache
	Tiles     *cache.Manager
	Extractor *extract.Extractor
	Logger    *zap.Logger

	// Metrics receives the tile-path collectors. Nil leaves them
	// unregistered.
	Metrics prometheus.Registerer
}

// RasterService handles dataset lifecycle and tile rendering.
type RasterService struct {
	eng      engine.Engine
	datasets *store.Cache
	tiles    *cache.Manager
	ex       *extract.Extractor
	log      *zap.Logger
	metrics  *serviceMetrics

	// group collapses concurrent renders of the same tile into one.
	group singleflight.Group
}

// NewRasterService creates a raster service.
func NewRasterService(cfg RasterServiceConfig) *RasterService {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &RasterService{
		eng:      cfg.Engine,
		datasets: cfg.Datasets,
		tiles:    cfg.Tiles,
		ex:       cfg.Extractor,
		log:      log,
		metrics:  newServiceMetrics(cfg.Metrics, cfg.Datasets),
	}
}

// Open registers the raster at path under a fresh id. The probing handle is
// closed before returning; tile requests open their own.
func (s *RasterService) Open(path string) (DatasetInfo, error) {
	ds, err := s.eng.Open(path)
	if err != nil {
		return DatasetInfo{}, fmt.Errorf("%w: %s: %v", ErrOpenFailure, path, err)
	}
	info := ds.Info()
	var nodata *float64
	if info.Bands > 0 {
		if v, ok := ds.NoData(1); ok {
			nodata = &v
		}
	}
	if err := ds.Close(); err != nil {
		s.log.Warn("closing probe handle", zap.String("path", path), zap.Error(err))
	}

	entry := store.NewEntry(uuid.NewString(), path, info)
	entry.NoData = nodata
	s.datasets.Put(entry)

	s.log.Info("dataset opened",
		zap.String("id", entry.ID),
		zap.String("path", path),
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
		zap.Int("bands", info.Bands),
		zap.Bool("georeferenced", info.Georeferenced))
	return datasetInfo(entry), nil
}

// Close deregisters a dataset. The file itself is untouched and requests
// already holding a handle finish normally.
func (s *RasterService) Close(id string) error {
	if !s.datasets.Remove(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.log.Info("dataset closed", zap.String("id", id))
	return nil
}

// Metadata returns the stored metadata for a dataset.
func (s *RasterService) Metadata(id string) (DatasetInfo, error) {
	entry, ok := s.datasets.Get(id)
	if !ok {
		return DatasetInfo{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return datasetInfo(entry), nil
}

// List returns metadata for every registered dataset.
func (s *RasterService) List() []DatasetInfo {
	ids := s.datasets.IDs()
	out := make([]DatasetInfo, 0, len(ids))
	for _, id := range ids {
		if entry, ok := s.datasets.Get(id); ok {
			out = append(out, datasetInfo(entry))
		}
	}
	return out
}

func datasetInfo(e *store.Entry) DatasetInfo {
	info := e.Info
	di := DatasetInfo{
		ID:            e.ID,
		Path:          e.Path,
		Width:         info.Width,
		Height:        info.Height,
		Bands:         info.Bands,
		Georeferenced: info.Georeferenced,
		Projection:    info.Projection,
	}
	di.NoData = e.NoData
	if info.Georeferenced {
		b := info.Bounds
		nb := info.NativeBounds
		di.Bounds = &b
		di.NativeBounds = &nb
		di.Resolution = math.Abs(info.GeoTransform[1])
		for _, o := range info.Overviews {
			di.Overviews = append(di.Overviews, di.Resolution*float64(info.Width)/float64(o.Width))
		}
	}
	return di
}

// CacheStats reports tile cache occupancy for the debug endpoint.
func (s *RasterService) CacheStats() map[string]interface{} {
	if s.tiles == nil {
		return map[string]interface{}{}
	}
	return s.tiles.Stats()
}

// Tile renders (or serves from cache) one tile.
func (s *RasterService) Tile(req TileRequest) ([]byte, error) {
	stretches, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	key := cache.TileKey(req.Mode.String(), req.IDs, req.Bands, req.Addr, stretches)
	if s.tiles != nil {
		if data, ok := s.tiles.Get(key); ok {
			s.metrics.cacheHits.Inc()
			return data, nil
		}
	}
	s.metrics.cacheMisses.Inc()

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		start := time.Now()
		data, err := s.render(req, stretches)
		if err != nil {
			return nil, err
		}
		s.metrics.observeRender(req.Mode, start)
		if s.tiles != nil {
			if err := s.tiles.Set(key, data); err != nil {
				s.log.Warn("caching tile", zap.String("key", key), zap.Error(err))
			}
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// validate checks the request shape and returns the per-band stretches,
// defaulted where missing.
func (s *RasterService) validate(req *TileRequest) ([]extract.StretchParams, error) {
	if !req.Addr.Valid() {
		return nil, fmt.Errorf("%w: tile address %d/%d/%d", ErrInvalidRequest, req.Addr.Z, req.Addr.X, req.Addr.Y)
	}

	switch req.Mode {
	case ModeGray, ModeRGB, ModeCrossRGB, ModePixel, ModeCrossPixelRGB:
	default:
		return nil, fmt.Errorf("%w: unknown display mode %d", ErrInvalidRequest, int(req.Mode))
	}

	if len(req.IDs) != req.Mode.layers() {
		return nil, fmt.Errorf("%w: mode %s needs %d dataset(s), got %d", ErrInvalidRequest, req.Mode, req.Mode.layers(), len(req.IDs))
	}
	if len(req.Bands) != req.Mode.bandCount() {
		return nil, fmt.Errorf("%w: mode %s needs %d band(s), got %d", ErrInvalidRequest, req.Mode, req.Mode.bandCount(), len(req.Bands))
	}

	stretches := req.Stretches
	if len(stretches) == 0 {
		stretches = make([]extract.StretchParams, req.Mode.bandCount())
		for i := range stretches {
			stretches[i] = extract.DefaultStretch()
		}
	}
	if len(stretches) != req.Mode.bandCount() {
		return nil, fmt.Errorf("%w: mode %s needs %d stretch(es), got %d", ErrInvalidRequest, req.Mode, req.Mode.bandCount(), len(stretches))
	}
	for _, st := range stretches {
		if err := st.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return stretches, nil
}

// render resolves entries, opens short-lived handles and dispatches to the
// extractor. Native handles are per-request because the underlying library
// does not allow sharing one across threads.
func (s *RasterService) render(req TileRequest, stretches []extract.StretchParams) ([]byte, error) {
	entries := make([]*store.Entry, len(req.IDs))
	for i, id := range req.IDs {
		entry, ok := s.datasets.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if req.Mode.layers() == 1 {
			// All requested bands come from this one dataset.
			for _, b := range req.Bands {
				if !entry.HasBand(b) {
					return nil, fmt.Errorf("%w: band %d out of range for dataset %s", ErrInvalidRequest, b, id)
				}
			}
		} else if !entry.HasBand(req.Bands[i]) {
			return nil, fmt.Errorf("%w: band %d out of range for dataset %s", ErrInvalidRequest, req.Bands[i], id)
		}
		if !req.Mode.pixelSpace() && !entry.Info.Georeferenced {
			return nil, fmt.Errorf("%w: dataset %s is not georeferenced, use a pixel-space mode", ErrInvalidRequest, id)
		}
		entries[i] = entry
	}

	handles := make([]engine.Dataset, len(entries))
	for i, entry := range entries {
		ds, err := s.eng.Open(entry.Path)
		if err != nil {
			closeHandles(handles[:i])
			return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailure, entry.Path, err)
		}
		handles[i] = ds
	}
	defer closeHandles(handles)

	var (
		data []byte
		err  error
	)
	switch req.Mode {
	case ModeGray:
		data, err = s.ex.Tile(handles[0], req.Bands[0], req.Addr, stretches[0])
	case ModeRGB:
		data, err = s.ex.RGBTile(handles[0], [3]int{req.Bands[0], req.Bands[1], req.Bands[2]}, req.Addr, toStretch3(stretches))
	case ModeCrossRGB:
		data, err = s.ex.CrossRGBTile([3]engine.Dataset{handles[0], handles[1], handles[2]},
			[3]int{req.Bands[0], req.Bands[1], req.Bands[2]}, req.Addr, toStretch3(stretches))
	case ModePixel:
		data, err = s.ex.PixelTile(handles[0], req.Bands[0], req.Addr, stretches[0])
	case ModeCrossPixelRGB:
		data, err = s.ex.CrossPixelRGBTile([3]engine.Dataset{handles[0], handles[1], handles[2]},
			[3]int{req.Bands[0], req.Bands[1], req.Bands[2]}, req.Addr, toStretch3(stretches))
	}
	if err != nil {
		return nil, mapExtractError(err)
	}
	return data, nil
}

func toStretch3(st []extract.StretchParams) [3]extract.StretchParams {
	return [3]extract.StretchParams{st[0], st[1], st[2]}
}

func closeHandles(handles []engine.Dataset) {
	for _, h := range handles {
		if h != nil {
			h.Close()
		}
	}
}

func mapExtractError(err error) error {
	switch {
	case errors.Is(err, extract.ErrRead):
		return fmt.Errorf("%w: %v", ErrReadFailure, err)
	case errors.Is(err, extract.ErrEncode):
		return fmt.Errorf("%w: %v", ErrEncodeFailure, err)
	default:
		return err
	}
}
