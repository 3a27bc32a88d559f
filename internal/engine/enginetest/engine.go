// Package enginetest provides a deterministic in-memory raster engine for
// tests. Datasets are registered against fake paths; opening a registered
// path yields a handle backed by plain float64 slices, with nearest/average
// decimation and a simple inverse-Mercator warp for geographic sources.
package enginetest

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rasterview/server/internal/engine"
)

// Engine is an in-memory engine.Engine. Safe for concurrent Open.
type Engine struct {
	mu       sync.Mutex
	datasets map[string]*Source
	opens    map[string]int
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{
		datasets: make(map[string]*Source),
		opens:    make(map[string]int),
	}
}

// Source is the blueprint a fake path resolves to.
type Source struct {
	Width  int
	Height int

	// Bounds is the EPSG:4326 extent [lonmin,latmin,lonmax,latmax] of a
	// georeferenced source. Ignored when Georeferenced is false.
	Bounds [4]float64

	Georeferenced bool

	// WebMercator marks the source as natively EPSG:3857; its geotransform
	// is then expressed in mercator meters derived from Bounds.
	WebMercator bool

	NoData *float64

	// Bands holds per-band samples, row-major, Width*Height each.
	Bands [][]float64

	// OverviewFactors lists integer decimation factors (e.g. 2, 4, 8).
	OverviewFactors []int

	// FailReads makes every read on an open handle error, to exercise the
	// read-failure path without a corrupt file on disk.
	FailReads bool
}

// GeoTransform returns the north-up affine transform for the source bounds,
// in the source's native CRS (degrees, or mercator meters for WebMercator
// sources).
func (s *Source) GeoTransform() [6]float64 {
	b := s.nativeBounds()
	return [6]float64{
		b[0], (b[2] - b[0]) / float64(s.Width), 0,
		b[3], 0, (b[1] - b[3]) / float64(s.Height),
	}
}

func (s *Source) nativeBounds() [4]float64 {
	if !s.WebMercator {
		return s.Bounds
	}
	return [4]float64{
		mercX(s.Bounds[0]), mercY(s.Bounds[1]),
		mercX(s.Bounds[2]), mercY(s.Bounds[3]),
	}
}

func mercX(lon float64) float64 {
	return lon * math.Pi / 180 * 6378137.0
}

func mercY(lat float64) float64 {
	return 6378137.0 * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
}

// Register makes path resolvable. Re-registering replaces the source.
func (e *Engine) Register(path string, src *Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.datasets[path] = src
}

// Delete removes a path, simulating a file deleted after open.
func (e *Engine) Delete(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.datasets, path)
}

// OpenCount reports how many times a path has been opened.
func (e *Engine) OpenCount(path string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens[path]
}

// Open implements engine.Engine.
func (e *Engine) Open(path string) (engine.Dataset, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	src, ok := e.datasets[path]
	if !ok {
		return nil, fmt.Errorf("open %s: no such file", path)
	}
	e.opens[path]++
	return &dataset{src: src}, nil
}

// Uniform returns Width*Height samples all set to v.
func Uniform(width, height int, v float64) []float64 {
	data := make([]float64, width*height)
	for i := range data {
		data[i] = v
	}
	return data
}

// Gradient returns samples increasing left to right from lo to hi.
func Gradient(width, height int, lo, hi float64) []float64 {
	data := make([]float64, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			data[y*width+x] = lo + (hi-lo)*float64(x)/float64(width-1)
		}
	}
	return data
}

type dataset struct {
	src    *Source
	closed bool
}

func (d *dataset) Info() engine.Info {
	s := d.src
	geo := s.Georeferenced || s.WebMercator
	info := engine.Info{
		Width:         s.Width,
		Height:        s.Height,
		Bands:         len(s.Bands),
		Georeferenced: geo,
	}
	if geo {
		info.GeoTransform = s.GeoTransform()
		info.Bounds = s.Bounds
		info.NativeBounds = s.nativeBounds()
		if s.WebMercator {
			info.Projection = `PROJCS["WGS 84 / Pseudo-Mercator"]`
			info.WebMercator = true
		} else {
			info.Projection = `GEOGCS["WGS 84",DATUM["WGS_1984"]]`
			info.Geographic = true
		}
	} else {
		info.GeoTransform = [6]float64{0, 1, 0, 0, 0, 1}
	}
	for _, f := range s.OverviewFactors {
		info.Overviews = append(info.Overviews, engine.Overview{
			Width:  s.Width / f,
			Height: s.Height / f,
		})
	}
	return info
}

func (d *dataset) NoData(band int) (float64, bool) {
	if d.src.NoData == nil {
		return 0, false
	}
	return *d.src.NoData, true
}

func (d *dataset) checkRead(band int) error {
	if d.closed {
		return errors.New("read on closed dataset")
	}
	if d.src.FailReads {
		return errors.New("simulated read failure")
	}
	if band < 1 || band > len(d.src.Bands) {
		return fmt.Errorf("band %d out of range (1..%d)", band, len(d.src.Bands))
	}
	return nil
}

// levelDims returns the dimensions and decimation factor of an overview
// level (-1 for the base).
func (d *dataset) levelDims(overview int) (w, h, factor int, err error) {
	if overview < 0 {
		return d.src.Width, d.src.Height, 1, nil
	}
	if overview >= len(d.src.OverviewFactors) {
		return 0, 0, 0, fmt.Errorf("overview %d out of range", overview)
	}
	f := d.src.OverviewFactors[overview]
	return d.src.Width / f, d.src.Height / f, f, nil
}

// sample reads one base-resolution pixel, clamped to the raster.
func (d *dataset) sample(band, x, y int) float64 {
	if x < 0 {
		x = 0
	} else if x >= d.src.Width {
		x = d.src.Width - 1
	}
	if y < 0 {
		y = 0
	} else if y >= d.src.Height {
		y = d.src.Height - 1
	}
	return d.src.Bands[band-1][y*d.src.Width+x]
}

func (d *dataset) Read(band, overview int, w engine.Window, outW, outH int, alg engine.ResampleAlg) ([]float64, error) {
	if err := d.checkRead(band); err != nil {
		return nil, err
	}
	lw, lh, factor, err := d.levelDims(overview)
	if err != nil {
		return nil, err
	}
	if w.X < 0 || w.Y < 0 || w.X+w.Width > lw || w.Y+w.Height > lh || w.Width < 1 || w.Height < 1 {
		return nil, fmt.Errorf("window %+v outside level %dx%d", w, lw, lh)
	}

	// Nearest-neighbor decimation against the base array; the overview
	// factor just scales the window back to base coordinates. Average
	// resampling is approximated by nearest here, which keeps the fake
	// engine simple and deterministic.
	out := make([]float64, outW*outH)
	for oy := 0; oy < outH; oy++ {
		sy := (w.Y + int((float64(oy)+0.5)*float64(w.Height)/float64(outH))) * factor
		for ox := 0; ox < outW; ox++ {
			sx := (w.X + int((float64(ox)+0.5)*float64(w.Width)/float64(outW))) * factor
			out[oy*outW+ox] = d.sample(band, sx, sy)
		}
	}
	return out, nil
}

func (d *dataset) ReadWarped(band int, bounds [4]float64, outW, outH int, alg engine.ResampleAlg) ([]float64, error) {
	if err := d.checkRead(band); err != nil {
		return nil, err
	}
	if !d.src.Georeferenced && !d.src.WebMercator {
		return nil, errors.New("warp requested for non-georeferenced source")
	}

	fill := 0.0
	if d.src.NoData != nil {
		fill = *d.src.NoData
	}

	gt := d.src.GeoTransform()
	dx := (bounds[2] - bounds[0]) / float64(outW)
	dy := (bounds[3] - bounds[1]) / float64(outH)

	out := make([]float64, outW*outH)
	for oy := 0; oy < outH; oy++ {
		merY := bounds[3] - (float64(oy)+0.5)*dy
		srcY := merY
		if !d.src.WebMercator {
			srcY = (2*math.Atan(math.Exp(merY/6378137.0)) - math.Pi/2) * 180 / math.Pi
		}
		py := int(math.Floor((srcY - gt[3]) / gt[5]))
		for ox := 0; ox < outW; ox++ {
			merX := bounds[0] + (float64(ox)+0.5)*dx
			srcX := merX
			if !d.src.WebMercator {
				srcX = merX / 6378137.0 * 180 / math.Pi
			}
			px := int(math.Floor((srcX - gt[0]) / gt[1]))
			if px < 0 || py < 0 || px >= d.src.Width || py >= d.src.Height {
				out[oy*outW+ox] = fill
				continue
			}
			out[oy*outW+ox] = d.src.Bands[band-1][py*d.src.Width+px]
		}
	}
	return out, nil
}

func (d *dataset) Close() error {
	d.closed = true
	return nil
}
