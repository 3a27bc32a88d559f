//go:build gdal

// Package gdal implements the raster engine boundary on top of GDAL through
// the godal bindings. GDAL provides format decoding, the resampling kernels
// used by decimated reads, and on-the-fly reprojection; this package only
// adapts those primitives to the engine interface.
//
// GDAL dataset handles are not safe for concurrent use by multiple threads,
// which is why the rest of the server opens one short-lived handle per tile
// request instead of sharing one.
package gdal

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/airbusgeo/godal"

	"github.com/rasterview/server/internal/engine"
)

var registerOnce sync.Once

// Engine opens datasets through GDAL.
type Engine struct{}

// New returns a GDAL-backed engine. Driver registration happens once per
// process.
func New() *Engine {
	registerOnce.Do(godal.RegisterAll)
	return &Engine{}
}

// Open opens a raster source read-only and captures its structural metadata.
func (e *Engine) Open(path string) (engine.Dataset, error) {
	ds, err := godal.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	d := &dataset{ds: ds}
	if err := d.loadInfo(); err != nil {
		ds.Close()
		return nil, err
	}
	return d, nil
}

type dataset struct {
	ds   *godal.Dataset
	info engine.Info
}

func (d *dataset) loadInfo() error {
	st := d.ds.Structure()
	info := engine.Info{
		Width:  st.SizeX,
		Height: st.SizeY,
		Bands:  st.NBands,
	}

	gt, err := d.ds.GeoTransform()
	hasTransform := err == nil && !identityTransform(gt)
	if hasTransform {
		info.GeoTransform = gt
	} else {
		info.GeoTransform = [6]float64{0, 1, 0, 0, 0, 1}
	}

	sr := d.ds.SpatialRef()
	if sr != nil {
		if wkt, err := sr.WKT(); err == nil {
			info.Projection = wkt
		}
		info.Geographic = sr.Geographic()
		if merc, err := godal.NewSpatialRefFromEPSG(3857); err == nil {
			info.WebMercator = sr.IsSame(merc)
			merc.Close()
		}
	}

	info.Georeferenced = hasTransform || info.Projection != ""

	if info.Georeferenced {
		gt := info.GeoTransform
		info.NativeBounds = [4]float64{
			gt[0], gt[3] + float64(st.SizeY)*gt[5],
			gt[0] + float64(st.SizeX)*gt[1], gt[3],
		}
		if info.NativeBounds[1] > info.NativeBounds[3] {
			info.NativeBounds[1], info.NativeBounds[3] = info.NativeBounds[3], info.NativeBounds[1]
		}
		bounds, err := boundsTo4326(sr, info.NativeBounds)
		if err != nil {
			return fmt.Errorf("transform bounds to EPSG:4326: %w", err)
		}
		info.Bounds = bounds
	}

	if st.NBands > 0 {
		for _, ovr := range d.ds.Bands()[0].Overviews() {
			ost := ovr.Structure()
			info.Overviews = append(info.Overviews, engine.Overview{Width: ost.SizeX, Height: ost.SizeY})
		}
	}

	d.info = info
	return nil
}

// boundsTo4326 projects the four corners of a native-CRS box to EPSG:4326
// and returns the enclosing box. Geographic sources pass through unchanged.
func boundsTo4326(sr *godal.SpatialRef, native [4]float64) ([4]float64, error) {
	if sr == nil || sr.Geographic() {
		return native, nil
	}

	target, err := godal.NewSpatialRefFromEPSG(4326)
	if err != nil {
		return native, err
	}
	defer target.Close()

	tr, err := godal.NewTransform(sr, target)
	if err != nil {
		return native, err
	}
	defer tr.Close()

	xs := []float64{native[0], native[2], native[0], native[2]}
	ys := []float64{native[1], native[1], native[3], native[3]}
	if err := tr.TransformEx(xs, ys, nil, nil); err != nil {
		return native, err
	}

	out := [4]float64{xs[0], ys[0], xs[0], ys[0]}
	for i := 1; i < 4; i++ {
		if xs[i] < out[0] {
			out[0] = xs[i]
		}
		if xs[i] > out[2] {
			out[2] = xs[i]
		}
		if ys[i] < out[1] {
			out[1] = ys[i]
		}
		if ys[i] > out[3] {
			out[3] = ys[i]
		}
	}
	return out, nil
}

// identityTransform reports whether gt is the placeholder transform GDAL
// returns for plain, non-georeferenced images.
func identityTransform(gt [6]float64) bool {
	const eps = 1e-10
	return abs(gt[0]) < eps && abs(gt[1]-1) < eps && abs(gt[2]) < eps &&
		abs(gt[3]) < eps && abs(gt[4]) < eps && (abs(gt[5]-1) < eps || abs(gt[5]+1) < eps)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (d *dataset) Info() engine.Info { return d.info }

func (d *dataset) NoData(band int) (float64, bool) {
	if band < 1 || band > d.info.Bands {
		return 0, false
	}
	return d.ds.Bands()[band-1].NoData()
}

func resampling(alg engine.ResampleAlg) godal.ResamplingAlg {
	if alg == engine.ResampleAverage {
		return godal.Average
	}
	return godal.Nearest
}

func (d *dataset) Read(band, overview int, w engine.Window, outW, outH int, alg engine.ResampleAlg) ([]float64, error) {
	if band < 1 || band > d.info.Bands {
		return nil, fmt.Errorf("band %d out of range (1..%d)", band, d.info.Bands)
	}

	src := d.ds.Bands()[band-1]
	if overview >= 0 {
		ovrs := src.Overviews()
		if overview >= len(ovrs) {
			return nil, fmt.Errorf("overview %d out of range (band has %d)", overview, len(ovrs))
		}
		src = ovrs[overview]
	}

	buf := make([]float64, outW*outH)
	err := src.Read(w.X, w.Y, buf, outW, outH,
		godal.Window(w.Width, w.Height),
		godal.Resampling(resampling(alg)))
	if err != nil {
		return nil, fmt.Errorf("read band %d window %+v: %w", band, w, err)
	}
	return buf, nil
}

func (d *dataset) ReadWarped(band int, bounds [4]float64, outW, outH int, alg engine.ResampleAlg) ([]float64, error) {
	if band < 1 || band > d.info.Bands {
		return nil, fmt.Errorf("band %d out of range (1..%d)", band, d.info.Bands)
	}

	algName := "near"
	if alg == engine.ResampleAverage {
		algName = "average"
	}

	switches := []string{
		"-of", "MEM",
		"-t_srs", "EPSG:3857",
		"-te",
		formatFloat(bounds[0]), formatFloat(bounds[1]),
		formatFloat(bounds[2]), formatFloat(bounds[3]),
		"-ts", strconv.Itoa(outW), strconv.Itoa(outH),
		"-r", algName,
	}
	if nodata, ok := d.NoData(band); ok {
		switches = append(switches, "-dstnodata", formatFloat(nodata))
	}

	warped, err := d.ds.Warp("", switches)
	if err != nil {
		return nil, fmt.Errorf("warp to web mercator: %w", err)
	}
	defer warped.Close()

	buf := make([]float64, outW*outH)
	if err := warped.Bands()[band-1].Read(0, 0, buf, outW, outH); err != nil {
		return nil, fmt.Errorf("read warped band %d: %w", band, err)
	}
	return buf, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (d *dataset) Close() error {
	if d.ds == nil {
		return nil
	}
	err := d.ds.Close()
	d.ds = nil
	return err
}
