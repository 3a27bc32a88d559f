package service

import (
	"fmt"
	"math"

	"github.com/rasterview/server/internal/engine"
	"github.com/rasterview/server/internal/store"
)

// maxStatsSample bounds the decimated read used for statistics and
// histograms; full-resolution scans of large rasters are never needed for
// display ranges.
const maxStatsSample = 1024

// maxHistogramBins bounds the requested bin count.
const maxHistogramBins = 4096

// defaultHistogramBins is used when the caller does not specify a count.
const defaultHistogramBins = 256

// Stats returns the band's display statistics, computing and caching them on
// first use.
func (s *RasterService) Stats(id string, band int) (store.BandStats, error) {
	entry, ok := s.datasets.Get(id)
	if !ok {
		return store.BandStats{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !entry.HasBand(band) {
		return store.BandStats{}, fmt.Errorf("%w: band %d out of range (1..%d)", ErrInvalidRequest, band, entry.Info.Bands)
	}

	return entry.Stats(band, func() (store.BandStats, error) {
		values, nodata, err := s.sampleBand(entry, band)
		if err != nil {
			return store.BandStats{}, err
		}
		return computeStats(values, nodata), nil
	})
}

// Histogram is the value distribution of one band over a decimated sample.
type Histogram struct {
	Counts []int64   `json:"counts"`
	Edges  []float64 `json:"bin_edges"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
}

// HistogramFor computes a histogram of the band's sampled values.
func (s *RasterService) HistogramFor(id string, band, bins int) (Histogram, error) {
	if bins <= 0 {
		bins = defaultHistogramBins
	}
	if bins > maxHistogramBins {
		return Histogram{}, fmt.Errorf("%w: bin count %d exceeds %d", ErrInvalidRequest, bins, maxHistogramBins)
	}

	entry, ok := s.datasets.Get(id)
	if !ok {
		return Histogram{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !entry.HasBand(band) {
		return Histogram{}, fmt.Errorf("%w: band %d out of range (1..%d)", ErrInvalidRequest, band, entry.Info.Bands)
	}

	values, nodata, err := s.sampleBand(entry, band)
	if err != nil {
		return Histogram{}, err
	}
	return computeHistogram(values, nodata, bins), nil
}

// sampleBand reads the whole band decimated to at most maxStatsSample on the
// long edge, through a short-lived handle.
func (s *RasterService) sampleBand(entry *store.Entry, band int) ([]float64, *float64, error) {
	ds, err := s.eng.Open(entry.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrOpenFailure, entry.Path, err)
	}
	defer ds.Close()

	w, h := entry.Info.Width, entry.Info.Height
	sw, sh := w, h
	if long := max(w, h); long > maxStatsSample {
		sw = w * maxStatsSample / long
		sh = h * maxStatsSample / long
	}
	sw, sh = max(sw, 1), max(sh, 1)

	values, err := ds.Read(band, -1, engine.Window{X: 0, Y: 0, Width: w, Height: h}, sw, sh, engine.ResampleNearest)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: band %d of %s: %v", ErrReadFailure, band, entry.ID, err)
	}

	var nodata *float64
	if nd, ok := ds.NoData(band); ok {
		nodata = &nd
	}
	return values, nodata, nil
}

// computeStats derives the display statistics from a sample. Mean and
// standard deviation are the conventional range-based approximations; the
// display stretch only needs the bracket, not moment accuracy.
func computeStats(values []float64, nodata *float64) store.BandStats {
	lo, hi, any := math.Inf(1), math.Inf(-1), false
	for _, v := range values {
		if !validSample(v, nodata) {
			continue
		}
		any = true
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if !any {
		lo, hi = 0, 255
	}
	return store.BandStats{
		Min:    lo,
		Max:    hi,
		Mean:   (lo + hi) / 2,
		StdDev: (hi - lo) / 4,
	}
}

func computeHistogram(values []float64, nodata *float64, bins int) Histogram {
	lo, hi, any := math.Inf(1), math.Inf(-1), false
	valid := values[:0:0]
	for _, v := range values {
		if !validSample(v, nodata) {
			continue
		}
		any = true
		valid = append(valid, v)
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if !any {
		lo, hi = 0, 0
	}

	h := Histogram{
		Counts: make([]int64, bins),
		Edges:  make([]float64, bins+1),
		Min:    lo,
		Max:    hi,
	}
	rng := hi - lo
	width := rng / float64(bins)
	for i := 0; i <= bins; i++ {
		h.Edges[i] = lo + float64(i)*width
	}

	// A constant band (rng == 0) collapses into the first bucket.
	for _, v := range valid {
		idx := 0
		if rng > 0 {
			idx = int((v - lo) / rng * float64(bins-1))
			if idx < 0 {
				idx = 0
			} else if idx >= bins {
				idx = bins - 1
			}
		}
		h.Counts[idx]++
	}
	return h
}

func validSample(v float64, nodata *float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	if nodata != nil && math.Abs(v-*nodata) < 1e-10 {
		return false
	}
	return true
}
