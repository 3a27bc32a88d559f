package extract

import (
	"fmt"
	"math"
)

// StretchParams maps raw band values into display levels: linear rescale
// between Min and Max, then gamma correction. Values are in native pixel
// units, not normalized.
type StretchParams struct {
	Min   float64
	Max   float64
	Gamma float64
}

// DefaultStretch is the stretch applied when the caller supplies none and no
// band statistics are available: the full 8-bit range, no gamma.
func DefaultStretch() StretchParams {
	return StretchParams{Min: 0, Max: 255, Gamma: 1}
}

// Validate checks the stretch invariants: Min < Max, Gamma > 0, all finite.
func (s StretchParams) Validate() error {
	if math.IsNaN(s.Min) || math.IsInf(s.Min, 0) ||
		math.IsNaN(s.Max) || math.IsInf(s.Max, 0) ||
		math.IsNaN(s.Gamma) || math.IsInf(s.Gamma, 0) {
		return fmt.Errorf("stretch parameters must be finite")
	}
	if s.Min >= s.Max {
		return fmt.Errorf("stretch min (%g) must be less than max (%g)", s.Min, s.Max)
	}
	if s.Gamma <= 0 {
		return fmt.Errorf("stretch gamma (%g) must be positive", s.Gamma)
	}
	return nil
}

// Apply maps one raw sample to an 8-bit level. The second return is false
// for transparent pixels: nodata, non-finite samples, and the zero value
// (the conventional fill for areas a read did not cover).
func (s StretchParams) Apply(v float64, nodata *float64) (uint8, bool) {
	if v == 0 || !finite(v) {
		return 0, false
	}
	if nodata != nil && math.Abs(v-*nodata) < 1e-10 {
		return 0, false
	}

	rng := s.Max - s.Min
	if rng <= 0 {
		rng = 1
	}
	normalized := (v - s.Min) / rng
	if normalized < 0 {
		normalized = 0
	} else if normalized > 1 {
		normalized = 1
	}

	if s.Gamma != 1 {
		normalized = math.Pow(normalized, 1/s.Gamma)
	}
	return uint8(math.Round(normalized * 255)), true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
