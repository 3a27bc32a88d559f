// Package engine defines the boundary to the native raster I/O engine. The
// engine is treated as a black box that decodes formats, resamples during
// decimated reads and reprojects on the fly; everything above it (request
// shaping, caching, coordinate arithmetic, compositing) lives elsewhere.
//
// Engine handles are not safe for concurrent use. Callers open a dataset,
// read, and close it within a single request; long-lived state is limited to
// the identity and metadata kept by the dataset cache.
package engine

import "errors"

// ErrUnsupported indicates this binary was built without GDAL support
// (build the server with: go build -tags gdal).
var ErrUnsupported = errors.New("raster engine support is not enabled in this build (build with: go build -tags gdal)")

// ResampleAlg selects how the engine resamples during a decimated read.
type ResampleAlg int

const (
	// ResampleNearest picks the nearest source pixel; used for sampling
	// passes such as histograms where value fidelity matters.
	ResampleNearest ResampleAlg = iota
	// ResampleAverage averages contributing source pixels; used for
	// display tiles to avoid aliasing.
	ResampleAverage
)

// Overview describes one reduced-resolution level of a band.
type Overview struct {
	Width  int
	Height int
}

// Info is the structural metadata of an open dataset.
type Info struct {
	Width  int
	Height int
	Bands  int

	// GeoTransform is the affine pixel-to-CRS transform. Only meaningful
	// when Georeferenced is true.
	GeoTransform [6]float64

	// Projection is the native CRS in WKT, empty when unknown.
	Projection string

	// Geographic is true when the native CRS is a geographic (lon/lat)
	// system, so tile extraction must warp to Web Mercator.
	Geographic bool

	// WebMercator is true when the native CRS is EPSG:3857, letting tile
	// extraction skip the warp and read pixel windows directly.
	WebMercator bool

	// Bounds is the dataset extent in EPSG:4326 [lonmin,latmin,lonmax,
	// latmax], transformed from the native CRS when necessary. Only
	// meaningful when Georeferenced is true.
	Bounds [4]float64

	// NativeBounds is the extent in the native CRS.
	NativeBounds [4]float64

	// Georeferenced is false for plain images with no usable geotransform
	// or projection; those are served through the synthetic pixel space.
	Georeferenced bool

	// Overviews lists the reduced levels of the first band, finest first.
	// Bands of a dataset share the same overview structure.
	Overviews []Overview
}

// Window is a pixel region of the source band (at the resolution of the
// level being read).
type Window struct {
	X, Y          int
	Width, Height int
}

// Dataset is a short-lived handle onto one raster source. Implementations
// are not safe for concurrent use; every request owns its handle.
type Dataset interface {
	// Info returns the structural metadata captured at open time.
	Info() Info

	// NoData returns the nodata value of a 1-based band, if declared.
	NoData(band int) (float64, bool)

	// Read performs a decimated read: the source window of the given
	// overview level (-1 for the base band) is resampled by the engine
	// into an outW x outH buffer of float64 samples in row-major order.
	Read(band, overview int, w Window, outW, outH int, alg ResampleAlg) ([]float64, error)

	// ReadWarped reprojects the dataset on the fly and reads the region
	// covering the given EPSG:3857 bounds [minx,miny,maxx,maxy] into an
	// outW x outH buffer. Pixels outside the dataset come back as the
	// band's nodata value (or 0 when none is declared).
	ReadWarped(band int, mercatorBounds [4]float64, outW, outH int, alg ResampleAlg) ([]float64, error)

	// Close releases the native handle. The handle is unusable afterwards.
	Close() error
}

// Engine opens datasets. Implementations must be safe for concurrent Open
// calls; the returned handles are not.
type Engine interface {
	Open(path string) (Dataset, error)
}
