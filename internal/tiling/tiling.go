// Package tiling provides the coordinate arithmetic for the standard
// quad-tree tiling scheme: tile address to Web Mercator / geographic bounds,
// geographic bounds to dataset pixel windows, and resolution-based overview
// selection. All functions are pure and safe for concurrent use.
package tiling

import "math"

const (
	// EarthRadius is the WGS84 semi-major axis in meters.
	EarthRadius = 6378137.0

	// MercatorExtent is half the Web Mercator world width in meters.
	MercatorExtent = 20037508.342789244

	// MaxLatitude is the Web Mercator latitude limit (atan(sinh(pi))).
	MaxLatitude = 85.0511

	// DefaultTileSize is the edge length of an output tile in pixels.
	DefaultTileSize = 256
)

// Address identifies a tile in the quad-tree scheme: zoom, column, row.
type Address struct {
	Z, X, Y int
}

// Valid reports whether the address is well formed.
func (a Address) Valid() bool { return ValidAddress(a.Z, a.X, a.Y) }

// Bounds is a bounding box as [minX, minY, maxX, maxY], in whatever unit the
// context implies (degrees, mercator meters, or source pixels).
type Bounds [4]float64

// Intersect returns the overlapping region of two boxes. Only meaningful
// when Intersects is true.
func (b Bounds) Intersect(o Bounds) Bounds {
	return Bounds{
		math.Max(b[0], o[0]), math.Max(b[1], o[1]),
		math.Min(b[2], o[2]), math.Min(b[3], o[3]),
	}
}

// Intersects reports whether two boxes overlap. Edge-touching boxes count as
// intersecting (non-strict comparison).
func (b Bounds) Intersects(o Bounds) bool {
	return !(b[2] < o[0] || b[0] > o[2] || b[3] < o[1] || b[1] > o[3])
}

// Width returns maxX-minX.
func (b Bounds) Width() float64 { return b[2] - b[0] }

// Height returns maxY-minY.
func (b Bounds) Height() float64 { return b[3] - b[1] }

// TileBoundsMercator returns the EPSG:3857 bounds of tile (z, x, y). The
// zoom-0 tile spans the full Web Mercator square.
func TileBoundsMercator(z, x, y int) Bounds {
	n := float64(int64(1) << uint(z))
	size := MercatorExtent * 2 / n

	minX := -MercatorExtent + float64(x)*size
	maxY := MercatorExtent - float64(y)*size
	return Bounds{minX, maxY - size, minX + size, maxY}
}

// TileBoundsGeographic returns the EPSG:4326 bounds of tile (z, x, y).
// Latitudes are clamped to +-MaxLatitude so zoom-0 bounds stay finite.
func TileBoundsGeographic(z, x, y int) Bounds {
	n := float64(int64(1) << uint(z))

	lonMin := float64(x)/n*360 - 180
	lonMax := float64(x+1)/n*360 - 180

	latMax := tileLat(float64(y), n)
	latMin := tileLat(float64(y+1), n)

	return Bounds{lonMin, latMin, lonMax, latMax}
}

func tileLat(y, n float64) float64 {
	lat := math.Atan(math.Sinh(math.Pi*(1-2*y/n))) * 180 / math.Pi
	if lat > MaxLatitude {
		lat = MaxLatitude
	} else if lat < -MaxLatitude {
		lat = -MaxLatitude
	}
	return lat
}

// TileAt returns the (x, y) address of the tile containing the given
// geographic point at zoom z. The latitude is clamped to the Mercator limit
// and the result to the valid tile range.
func TileAt(lon, lat float64, z int) (x, y int) {
	n := float64(int64(1) << uint(z))

	if lat > MaxLatitude {
		lat = MaxLatitude
	} else if lat < -MaxLatitude {
		lat = -MaxLatitude
	}

	xf := (lon + 180) / 360 * n
	latRad := lat * math.Pi / 180
	yf := (1 - math.Asinh(math.Tan(latRad))/math.Pi) / 2 * n

	x = clampTile(int(math.Floor(xf)), n)
	y = clampTile(int(math.Floor(yf)), n)
	return x, y
}

func clampTile(v int, n float64) int {
	if v < 0 {
		return 0
	}
	if max := int(n) - 1; v > max {
		return max
	}
	return v
}

// ValidAddress reports whether (z, x, y) is a well-formed tile address.
func ValidAddress(z, x, y int) bool {
	if z < 0 || z > 30 || x < 0 || y < 0 {
		return false
	}
	n := int64(1) << uint(z)
	return int64(x) < n && int64(y) < n
}

// Window is an integer pixel window within a dataset: offset plus size.
type Window struct {
	X, Y          int
	Width, Height int
}

// PixelWindow converts a bounding box (in the coordinate space of gt) into a
// pixel window, intersected with [0,width) x [0,height). The second return
// is false when the box does not intersect the dataset at all; callers get
// an explicit miss instead of a zero or negative size window.
//
// gt is the usual six element affine geotransform: origin x, pixel width,
// row rotation, origin y, column rotation, pixel height (negative for
// north-up rasters). Rotated rasters are not supported; gt[2] and gt[4] are
// ignored, matching the native engine's decimated read path.
func PixelWindow(gt [6]float64, width, height int, b Bounds) (Window, bool) {
	if gt[1] == 0 || gt[5] == 0 {
		return Window{}, false
	}

	// Inverse affine for the axis-aligned case.
	x0 := (b[0] - gt[0]) / gt[1]
	x1 := (b[2] - gt[0]) / gt[1]
	// gt[5] < 0 means b's maxY maps to the smaller row.
	y0 := (b[3] - gt[3]) / gt[5]
	y1 := (b[1] - gt[3]) / gt[5]

	if x1 < x0 {
		x0, x1 = x1, x0
	}
	if y1 < y0 {
		y0, y1 = y1, y0
	}

	if x1 <= 0 || y1 <= 0 || x0 >= float64(width) || y0 >= float64(height) {
		return Window{}, false
	}

	xi := int(math.Max(0, math.Floor(x0)))
	yi := int(math.Max(0, math.Floor(y0)))
	xe := int(math.Min(float64(width), math.Ceil(x1)))
	ye := int(math.Min(float64(height), math.Ceil(y1)))

	w := Window{X: xi, Y: yi, Width: xe - xi, Height: ye - yi}
	if w.Width < 1 {
		w.Width = 1
	}
	if w.Height < 1 {
		w.Height = 1
	}
	return w, true
}

// ZoomResolution returns the ground resolution in meters per pixel implied by
// a zoom level, for DefaultTileSize tiles at the equator. Each zoom increment
// halves the resolution.
func ZoomResolution(z int) float64 {
	return 2 * math.Pi * EarthRadius / DefaultTileSize / float64(int64(1)<<uint(z))
}

// overviewTolerance is how much coarser than the target the base resolution
// may be before an overview is worth reading.
const overviewTolerance = 1.5

// SelectOverview picks the overview level to read for a target ground
// resolution. baseRes is the dataset's full resolution, overviews the
// resolutions of its reduced levels (each coarser than baseRes). Returns -1
// when the base band should be read directly.
//
// When the target is near or finer than the base resolution the full band is
// the only level with enough detail. Otherwise the overview closest to the
// target wins among those not coarser than the tolerance allows, ties going
// to the finer level. If every overview is too coarse for the target, the
// base band is read and the decimated read upsamples.
func SelectOverview(baseRes float64, overviews []float64, target float64) int {
	if baseRes <= 0 || target <= 0 || len(overviews) == 0 {
		return -1
	}
	if target <= overviewTolerance*baseRes {
		return -1
	}

	best := -1
	bestDiff := math.Inf(1)
	for i, res := range overviews {
		if res <= 0 || res > overviewTolerance*target {
			continue
		}
		diff := math.Abs(res - target)
		if diff < bestDiff || (diff == bestDiff && best >= 0 && res < overviews[best]) {
			best = i
			bestDiff = diff
		}
	}
	return best
}

// SyntheticBounds returns the shared synthetic coordinate space for a
// non-georeferenced image: centered at the origin, degPerPixel degrees per
// source pixel, with the half-height clamped to 85 so very tall images stay
// inside the Mercator square.
func SyntheticBounds(width, height int, degPerPixel float64) Bounds {
	halfW := float64(width) * degPerPixel / 2
	halfH := float64(height) * degPerPixel / 2
	if halfH > 85 {
		halfH = 85
	}
	return Bounds{-halfW, -halfH, halfW, halfH}
}

// SyntheticGeoTransform returns the affine transform matching
// SyntheticBounds, so PixelWindow serves pixel-space datasets too.
func SyntheticGeoTransform(width, height int, degPerPixel float64) [6]float64 {
	b := SyntheticBounds(width, height, degPerPixel)
	scaleY := degPerPixel
	if h := float64(height) * degPerPixel / 2; h > 85 {
		scaleY = b.Height() / float64(height)
	}
	return [6]float64{b[0], degPerPixel, 0, b[3], 0, -scaleY}
}
