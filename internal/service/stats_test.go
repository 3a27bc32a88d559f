package service

import (
	"errors"
	"math"
	"testing"

	"github.com/rasterview/server/internal/engine/enginetest"
)

func TestStats(t *testing.T) {
	s, eng := newTestService(t)
	eng.Register("gradient.tif", &enginetest.Source{
		Width: 256, Height: 256,
		Bounds:        [4]float64{-10, -10, 10, 10},
		Georeferenced: true,
		Bands:         [][]float64{enginetest.Gradient(256, 256, 0, 255)},
	})

	info, err := s.Open("gradient.tif")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	st, err := s.Stats(info.ID, 1)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Min != 0 || st.Max != 255 {
		t.Fatalf("range = [%g, %g], want [0, 255]", st.Min, st.Max)
	}
	if math.Abs(st.Mean-127.5) > 1e-9 || math.Abs(st.StdDev-63.75) > 1e-9 {
		t.Fatalf("mean/std = %g/%g, want 127.5/63.75", st.Mean, st.StdDev)
	}

	// Cached: a second call must not reopen the source.
	opens := eng.OpenCount("gradient.tif")
	if _, err := s.Stats(info.ID, 1); err != nil {
		t.Fatalf("cached stats: %v", err)
	}
	if got := eng.OpenCount("gradient.tif"); got != opens {
		t.Fatalf("cached stats reopened the dataset (%d -> %d)", opens, got)
	}
}

func TestStatsFiltersNoData(t *testing.T) {
	s, eng := newTestService(t)
	nd := -9999.0
	band := enginetest.Uniform(64, 64, 50)
	band[0] = -9999
	band[1] = math.NaN()
	eng.Register("masked.tif", &enginetest.Source{
		Width: 64, Height: 64,
		Bounds:        [4]float64{-10, -10, 10, 10},
		Georeferenced: true,
		NoData:        &nd,
		Bands:         [][]float64{band},
	})

	info, err := s.Open("masked.tif")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st, err := s.Stats(info.ID, 1)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Min != 50 || st.Max != 50 {
		t.Fatalf("range = [%g, %g], want [50, 50] with nodata and NaN excluded", st.Min, st.Max)
	}
}

func TestStatsValidation(t *testing.T) {
	s, eng := newTestService(t)
	registerGeoSource(eng, "scene.tif", 64, 1)
	info, _ := s.Open("scene.tif")

	if _, err := s.Stats("nope", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if _, err := s.Stats(info.ID, 9); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("got %v, want ErrInvalidRequest", err)
	}
}

func TestHistogram(t *testing.T) {
	s, eng := newTestService(t)

	t.Run("gradient", func(t *testing.T) {
		eng.Register("gradient.tif", &enginetest.Source{
			Width: 256, Height: 256,
			Bounds:        [4]float64{-10, -10, 10, 10},
			Georeferenced: true,
			Bands:         [][]float64{enginetest.Gradient(256, 256, 0, 255)},
		})
		info, err := s.Open("gradient.tif")
		if err != nil {
			t.Fatalf("open: %v", err)
		}

		h, err := s.HistogramFor(info.ID, 1, 10)
		if err != nil {
			t.Fatalf("histogram: %v", err)
		}
		if len(h.Counts) != 10 || len(h.Edges) != 11 {
			t.Fatalf("shape = %d counts, %d edges", len(h.Counts), len(h.Edges))
		}
		if h.Min != 0 || h.Max != 255 {
			t.Fatalf("range = [%g, %g], want [0, 255]", h.Min, h.Max)
		}
		var total int64
		for _, c := range h.Counts {
			total += c
		}
		if total != 256*256 {
			t.Fatalf("total count = %d, want %d", total, 256*256)
		}
		if h.Edges[0] != 0 || math.Abs(h.Edges[10]-255) > 1e-9 {
			t.Fatalf("edges span [%g, %g], want [0, 255]", h.Edges[0], h.Edges[10])
		}
	})

	t.Run("constantBand", func(t *testing.T) {
		registerGeoSource(eng, "flat.tif", 64, 100)
		info, err := s.Open("flat.tif")
		if err != nil {
			t.Fatalf("open: %v", err)
		}

		h, err := s.HistogramFor(info.ID, 1, 16)
		if err != nil {
			t.Fatalf("histogram: %v", err)
		}
		if h.Counts[0] != 64*64 {
			t.Fatalf("constant band should land in the first bucket, counts[0]=%d", h.Counts[0])
		}
		for i := 1; i < len(h.Counts); i++ {
			if h.Counts[i] != 0 {
				t.Fatalf("bucket %d = %d, want 0", i, h.Counts[i])
			}
		}
	})

	t.Run("defaultBins", func(t *testing.T) {
		registerGeoSource(eng, "d.tif", 32, 5)
		info, _ := s.Open("d.tif")
		h, err := s.HistogramFor(info.ID, 1, 0)
		if err != nil {
			t.Fatalf("histogram: %v", err)
		}
		if len(h.Counts) != defaultHistogramBins {
			t.Fatalf("default bins = %d, want %d", len(h.Counts), defaultHistogramBins)
		}
	})

	t.Run("tooManyBins", func(t *testing.T) {
		registerGeoSource(eng, "e.tif", 32, 5)
		info, _ := s.Open("e.tif")
		if _, err := s.HistogramFor(info.ID, 1, 100000); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("got %v, want ErrInvalidRequest", err)
		}
	})
}
