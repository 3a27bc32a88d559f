// Package extract turns tile requests into encoded PNG tiles. It resolves a
// tile address into dataset bounds, tests intersection, selects an overview
// level, issues one decimated (and, for reprojected sources, warped) read
// through the raster engine, applies the radiometric stretch, composites
// bands and encodes RGBA output. The heavy lifting (decoding, resampling,
// reprojection) stays inside the engine.
package extract

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/rasterview/server/internal/engine"
	"github.com/rasterview/server/internal/tiling"
)

var (
	// ErrRead marks failures of the native read/reprojection step.
	ErrRead = errors.New("raster read failed")
	// ErrEncode marks failures of the image encoding step.
	ErrEncode = errors.New("tile encode failed")
)

// Config contains extractor settings.
type Config struct {
	// TileSize is the output tile edge in pixels.
	TileSize int

	// PixelScale is the synthetic degrees-per-pixel constant assigned to
	// non-georeferenced images so they share one coordinate space. The
	// exact value is a tunable convention, not a contract.
	PixelScale float64

	// DebugOverlay stamps tile borders and addresses onto rendered tiles.
	DebugOverlay bool
}

// Extractor renders tiles. Safe for concurrent use; per-request state stays
// on the stack and the engine handles are owned by the caller.
type Extractor struct {
	tileSize   int
	pixelScale float64
	overlay    bool
	enc        *encoder
}

// New creates an extractor.
func New(cfg Config) *Extractor {
	ts := cfg.TileSize
	if ts <= 0 {
		ts = tiling.DefaultTileSize
	}
	scale := cfg.PixelScale
	if scale <= 0 {
		scale = 0.01
	}
	return &Extractor{
		tileSize:   ts,
		pixelScale: scale,
		overlay:    cfg.DebugOverlay,
		enc:        newEncoder(ts),
	}
}

// TileSize returns the output tile edge in pixels.
func (ex *Extractor) TileSize() int { return ex.tileSize }

// EmptyTile returns the shared transparent sentinel tile.
func (ex *Extractor) EmptyTile() ([]byte, error) { return ex.enc.EmptyTile() }

// bandRead is the raw result of extracting one band for one tile. A nil
// samples slice means the tile does not intersect the band's dataset.
type bandRead struct {
	samples []float64
	nodata  *float64
}

func (r bandRead) empty() bool { return r.samples == nil }

// Tile renders a single-band grayscale tile.
func (ex *Extractor) Tile(ds engine.Dataset, band int, addr tiling.Address, stretch StretchParams) ([]byte, error) {
	r, err := ex.readGeoBand(ds, band, addr)
	if err != nil {
		return nil, err
	}
	return ex.composeGray(r, stretch, addr)
}

// RGBTile composites three bands of one dataset into an RGB tile.
func (ex *Extractor) RGBTile(ds engine.Dataset, bands [3]int, addr tiling.Address, stretches [3]StretchParams) ([]byte, error) {
	var reads [3]bandRead
	for i, band := range bands {
		r, err := ex.readGeoBand(ds, band, addr)
		if err != nil {
			return nil, err
		}
		reads[i] = r
	}
	return ex.composeRGB(reads, stretches, addr)
}

// CrossRGBTile composites one band from each of three datasets. A tile
// outside every dataset is still the transparent sentinel, not an error.
func (ex *Extractor) CrossRGBTile(datasets [3]engine.Dataset, bands [3]int, addr tiling.Address, stretches [3]StretchParams) ([]byte, error) {
	var reads [3]bandRead
	for i := range datasets {
		r, err := ex.readGeoBand(datasets[i], bands[i], addr)
		if err != nil {
			return nil, err
		}
		reads[i] = r
	}
	return ex.composeRGB(reads, stretches, addr)
}

// PixelTile renders a grayscale tile from a non-georeferenced image using
// the synthetic pixel coordinate space; no reprojection is involved.
func (ex *Extractor) PixelTile(ds engine.Dataset, band int, addr tiling.Address, stretch StretchParams) ([]byte, error) {
	r, err := ex.readPixelBand(ds, band, addr)
	if err != nil {
		return nil, err
	}
	return ex.composeGray(r, stretch, addr)
}

// CrossPixelRGBTile composites one band from each of three non-georeferenced
// images in the synthetic pixel space.
func (ex *Extractor) CrossPixelRGBTile(datasets [3]engine.Dataset, bands [3]int, addr tiling.Address, stretches [3]StretchParams) ([]byte, error) {
	var reads [3]bandRead
	for i := range datasets {
		r, err := ex.readPixelBand(datasets[i], bands[i], addr)
		if err != nil {
			return nil, err
		}
		reads[i] = r
	}
	return ex.composeRGB(reads, stretches, addr)
}

// readGeoBand extracts raw samples for one band of a georeferenced dataset.
func (ex *Extractor) readGeoBand(ds engine.Dataset, band int, addr tiling.Address) (bandRead, error) {
	info := ds.Info()

	tileGeo := tiling.TileBoundsGeographic(addr.Z, addr.X, addr.Y)
	if !tileGeo.Intersects(tiling.Bounds(info.Bounds)) {
		return bandRead{}, nil
	}

	r := bandRead{nodata: noDataPtr(ds, band)}
	merc := tiling.TileBoundsMercator(addr.Z, addr.X, addr.Y)

	if !info.WebMercator {
		// Native projection differs from the tile's: one warped read
		// reprojects on the fly, no pre-warped copy needed.
		samples, err := ds.ReadWarped(band, [4]float64(merc), ex.tileSize, ex.tileSize, engine.ResampleAverage)
		if err != nil {
			return bandRead{}, fmt.Errorf("%w: band %d tile %d/%d/%d: %v", ErrRead, band, addr.Z, addr.X, addr.Y, err)
		}
		r.samples = samples
		return r, nil
	}

	// Natively Web Mercator: pick the cheapest pyramid level and read the
	// pixel window directly.
	baseRes := math.Abs(info.GeoTransform[1])
	ovrRes := make([]float64, len(info.Overviews))
	for i, o := range info.Overviews {
		ovrRes[i] = baseRes * float64(info.Width) / float64(o.Width)
	}
	level := tiling.SelectOverview(baseRes, ovrRes, tiling.ZoomResolution(addr.Z))

	levelW, levelH := info.Width, info.Height
	if level >= 0 {
		levelW, levelH = info.Overviews[level].Width, info.Overviews[level].Height
	}
	gt := info.GeoTransform
	gt[1] *= float64(info.Width) / float64(levelW)
	gt[5] *= float64(info.Height) / float64(levelH)

	window, ok := tiling.PixelWindow(gt, levelW, levelH, merc)
	if !ok {
		return bandRead{}, nil
	}

	samples, err := ex.readWindowInto(ds, band, level, window, gt, merc)
	if err != nil {
		return bandRead{}, fmt.Errorf("%w: band %d tile %d/%d/%d: %v", ErrRead, band, addr.Z, addr.X, addr.Y, err)
	}
	r.samples = samples
	return r, nil
}

// readPixelBand extracts raw samples for one band of a non-georeferenced
// image through the synthetic coordinate space.
func (ex *Extractor) readPixelBand(ds engine.Dataset, band int, addr tiling.Address) (bandRead, error) {
	info := ds.Info()

	tileGeo := tiling.TileBoundsGeographic(addr.Z, addr.X, addr.Y)
	imgBounds := tiling.SyntheticBounds(info.Width, info.Height, ex.pixelScale)
	if !tileGeo.Intersects(imgBounds) {
		return bandRead{}, nil
	}

	gt := tiling.SyntheticGeoTransform(info.Width, info.Height, ex.pixelScale)
	window, ok := tiling.PixelWindow(gt, info.Width, info.Height, tileGeo)
	if !ok {
		return bandRead{}, nil
	}

	samples, err := ex.readWindowInto(ds, band, -1, window, gt, tileGeo)
	if err != nil {
		return bandRead{}, fmt.Errorf("%w: band %d tile %d/%d/%d: %v", ErrRead, band, addr.Z, addr.X, addr.Y, err)
	}
	return bandRead{samples: samples, nodata: noDataPtr(ds, band)}, nil
}

// readWindowInto performs the decimated read of a source window and places
// it at the matching position within the output tile, leaving uncovered
// pixels NaN (rendered transparent). Edge tiles that only partially overlap
// the dataset keep their data correctly registered instead of stretching the
// clipped window across the whole tile.
func (ex *Extractor) readWindowInto(ds engine.Dataset, band, level int, w tiling.Window, gt [6]float64, tileB tiling.Bounds) ([]float64, error) {
	ts := ex.tileSize

	// Window bounds in the tile's coordinate space (gt[5] is negative for
	// north-up rasters, so the window's top row maps to maxY).
	wb := tiling.Bounds{
		gt[0] + float64(w.X)*gt[1],
		gt[3] + float64(w.Y+w.Height)*gt[5],
		gt[0] + float64(w.X+w.Width)*gt[1],
		gt[3] + float64(w.Y)*gt[5],
	}

	dx0 := clamp(int(math.Round((wb[0]-tileB[0])/tileB.Width()*float64(ts))), 0, ts)
	dx1 := clamp(int(math.Round((wb[2]-tileB[0])/tileB.Width()*float64(ts))), 0, ts)
	dy0 := clamp(int(math.Round((tileB[3]-wb[3])/tileB.Height()*float64(ts))), 0, ts)
	dy1 := clamp(int(math.Round((tileB[3]-wb[1])/tileB.Height()*float64(ts))), 0, ts)

	out := make([]float64, ts*ts)
	for i := range out {
		out[i] = math.NaN()
	}

	dw, dh := dx1-dx0, dy1-dy0
	if dw < 1 || dh < 1 {
		// Sub-pixel sliver; nothing visible to read.
		return out, nil
	}

	sub, err := ds.Read(band, level, engine.Window(w), dw, dh, engine.ResampleAverage)
	if err != nil {
		return nil, err
	}

	for row := 0; row < dh; row++ {
		copy(out[(dy0+row)*ts+dx0:(dy0+row)*ts+dx1], sub[row*dw:(row+1)*dw])
	}
	return out, nil
}

func (ex *Extractor) composeGray(r bandRead, stretch StretchParams, addr tiling.Address) ([]byte, error) {
	if r.empty() {
		return ex.EmptyTile()
	}

	img := image.NewRGBA(image.Rect(0, 0, ex.tileSize, ex.tileSize))
	for i, v := range r.samples {
		if level, ok := stretch.Apply(v, r.nodata); ok {
			img.SetRGBA(i%ex.tileSize, i/ex.tileSize, color.RGBA{R: level, G: level, B: level, A: 255})
		}
	}

	if ex.overlay {
		drawOverlay(img, addr.Z, addr.X, addr.Y)
	}
	return ex.enc.encode(img)
}

func (ex *Extractor) composeRGB(reads [3]bandRead, stretches [3]StretchParams, addr tiling.Address) ([]byte, error) {
	if reads[0].empty() && reads[1].empty() && reads[2].empty() {
		return ex.EmptyTile()
	}

	img := image.NewRGBA(image.Rect(0, 0, ex.tileSize, ex.tileSize))
	n := ex.tileSize * ex.tileSize
	for i := 0; i < n; i++ {
		var channels [3]uint8
		visible := false
		for c := range reads {
			if reads[c].empty() {
				continue
			}
			if level, ok := stretches[c].Apply(reads[c].samples[i], reads[c].nodata); ok {
				channels[c] = level
				visible = true
			}
		}
		// A pixel shows when any band has valid data there.
		if visible {
			img.SetRGBA(i%ex.tileSize, i/ex.tileSize, color.RGBA{R: channels[0], G: channels[1], B: channels[2], A: 255})
		}
	}

	if ex.overlay {
		drawOverlay(img, addr.Z, addr.X, addr.Y)
	}
	return ex.enc.encode(img)
}

func noDataPtr(ds engine.Dataset, band int) *float64 {
	if nd, ok := ds.NoData(band); ok {
		return &nd
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
