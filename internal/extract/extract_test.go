package extract

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"testing"

	"github.com/rasterview/server/internal/engine"
	"github.com/rasterview/server/internal/engine/enginetest"
	"github.com/rasterview/server/internal/tiling"
)

func decodeTile(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode tile: %v", err)
	}
	if img.Bounds().Dx() != 256 || img.Bounds().Dy() != 256 {
		t.Fatalf("tile is %dx%d, want 256x256", img.Bounds().Dx(), img.Bounds().Dy())
	}
	return img
}

func pixel(img image.Image, x, y int) (r, g, b, a uint8) {
	pr, pg, pb, pa := img.At(x, y).RGBA()
	return uint8(pr >> 8), uint8(pg >> 8), uint8(pb >> 8), uint8(pa >> 8)
}

func openTestDataset(t *testing.T, src *enginetest.Source) *enginetest.Engine {
	t.Helper()
	eng := enginetest.New()
	eng.Register("test.tif", src)
	return eng
}

func TestTileGeographicDataset(t *testing.T) {
	eng := openTestDataset(t, &enginetest.Source{
		Width: 1024, Height: 1024,
		Bounds:        [4]float64{-10, -10, 10, 10},
		Georeferenced: true,
		Bands:         [][]float64{enginetest.Uniform(1024, 1024, 128)},
	})
	ds, err := eng.Open("test.tif")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ds.Close()

	ex := New(Config{})
	// Zoom-2 tile covering lon [0,90], lat [0,66.5]: partially over the data.
	data, err := ex.Tile(ds, 1, tiling.Address{Z: 2, X: 2, Y: 1}, DefaultStretch())
	if err != nil {
		t.Fatalf("tile: %v", err)
	}
	img := decodeTile(t, data)

	// (10, 245) is near lon 7, lat 4: inside the dataset.
	r, g, b, a := pixel(img, 10, 245)
	if a != 255 {
		t.Fatalf("covered pixel should be opaque, alpha=%d", a)
	}
	if r != 128 || g != 128 || b != 128 {
		t.Fatalf("covered pixel = (%d,%d,%d), want gray 128", r, g, b)
	}

	// (200, 128) is near lon 70: outside the dataset.
	if _, _, _, a := pixel(img, 200, 128); a != 0 {
		t.Fatalf("uncovered pixel should be transparent, alpha=%d", a)
	}
}

func TestTileOutsideDataset(t *testing.T) {
	eng := openTestDataset(t, &enginetest.Source{
		Width: 64, Height: 64,
		Bounds:        [4]float64{-10, -10, 10, 10},
		Georeferenced: true,
		Bands:         [][]float64{enginetest.Uniform(64, 64, 1)},
	})
	ds, err := eng.Open("test.tif")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ds.Close()

	ex := New(Config{})
	data, err := ex.Tile(ds, 1, tiling.Address{Z: 2, X: 0, Y: 1}, DefaultStretch())
	if err != nil {
		t.Fatalf("tile: %v", err)
	}

	empty, err := ex.EmptyTile()
	if err != nil {
		t.Fatalf("empty tile: %v", err)
	}
	if !bytes.Equal(data, empty) {
		t.Fatal("tile outside the dataset should be the shared transparent sentinel")
	}
}

func TestTileWebMercatorDataset(t *testing.T) {
	// Natively EPSG:3857 with an overview pyramid: exercises the windowed
	// read path, overview selection and sub-rectangle placement on a tile
	// the dataset only partially covers.
	eng := openTestDataset(t, &enginetest.Source{
		Width: 512, Height: 512,
		Bounds:          [4]float64{-40, -40, 40, 40},
		WebMercator:     true,
		Bands:           [][]float64{enginetest.Uniform(512, 512, 64)},
		OverviewFactors: []int{2, 4},
	})
	ds, err := eng.Open("test.tif")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ds.Close()

	ex := New(Config{})
	// Zoom-1 NE quadrant tile: the dataset covers roughly its lower-left
	// corner (mercator x in [0, 0.22*extent], y in [0, 0.24*extent]).
	data, err := ex.Tile(ds, 1, tiling.Address{Z: 1, X: 1, Y: 0}, DefaultStretch())
	if err != nil {
		t.Fatalf("tile: %v", err)
	}
	img := decodeTile(t, data)

	r, _, _, a := pixel(img, 10, 220)
	if a != 255 || r != 64 {
		t.Fatalf("covered pixel = gray %d alpha %d, want gray 64 opaque", r, a)
	}
	if _, _, _, a := pixel(img, 100, 220); a != 0 {
		t.Fatal("pixel east of the dataset should be transparent")
	}
	if _, _, _, a := pixel(img, 10, 100); a != 0 {
		t.Fatal("pixel north of the dataset should be transparent")
	}
}

func TestTileReadFailure(t *testing.T) {
	eng := openTestDataset(t, &enginetest.Source{
		Width: 64, Height: 64,
		Bounds:        [4]float64{-10, -10, 10, 10},
		Georeferenced: true,
		Bands:         [][]float64{enginetest.Uniform(64, 64, 1)},
		FailReads:     true,
	})
	ds, err := eng.Open("test.tif")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ds.Close()

	ex := New(Config{})
	if _, err := ex.Tile(ds, 1, tiling.Address{Z: 2, X: 2, Y: 1}, DefaultStretch()); !errors.Is(err, ErrRead) {
		t.Fatalf("got %v, want ErrRead", err)
	}
}

func TestPixelTile(t *testing.T) {
	eng := openTestDataset(t, &enginetest.Source{
		Width: 200, Height: 100,
		Bands: [][]float64{enginetest.Uniform(200, 100, 200)},
	})
	ds, err := eng.Open("test.tif")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ds.Close()

	ex := New(Config{})

	t.Run("centered", func(t *testing.T) {
		// At 0.01 deg/px the image spans lon/lat [-1,1]x[-0.5,0.5]: a
		// small block at the center of the zoom-0 tile.
		data, err := ex.PixelTile(ds, 1, tiling.Address{Z: 0, X: 0, Y: 0}, DefaultStretch())
		if err != nil {
			t.Fatalf("pixel tile: %v", err)
		}
		img := decodeTile(t, data)

		r, _, _, a := pixel(img, 127, 127)
		if a != 255 || r != 200 {
			t.Fatalf("center pixel = gray %d alpha %d, want gray 200 opaque", r, a)
		}
		if _, _, _, a := pixel(img, 0, 0); a != 0 {
			t.Fatal("corner should be transparent")
		}
		if _, _, _, a := pixel(img, 120, 127); a != 0 {
			t.Fatal("pixel west of the image should be transparent")
		}
	})

	t.Run("outside", func(t *testing.T) {
		data, err := ex.PixelTile(ds, 1, tiling.Address{Z: 2, X: 0, Y: 0}, DefaultStretch())
		if err != nil {
			t.Fatalf("pixel tile: %v", err)
		}
		empty, _ := ex.EmptyTile()
		if !bytes.Equal(data, empty) {
			t.Fatal("tile outside the synthetic bounds should be the sentinel")
		}
	})
}

func TestRGBTileAnyBandValid(t *testing.T) {
	// Band 1 and 3 are all zero (transparent per band); a pixel still shows
	// when any composited band has data there.
	eng := openTestDataset(t, &enginetest.Source{
		Width: 256, Height: 256,
		Bounds:        [4]float64{-60, -60, 60, 60},
		Georeferenced: true,
		Bands: [][]float64{
			enginetest.Uniform(256, 256, 0),
			enginetest.Uniform(256, 256, 200),
			enginetest.Uniform(256, 256, 0),
		},
	})
	ds, err := eng.Open("test.tif")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ds.Close()

	ex := New(Config{})
	stretch := DefaultStretch()
	data, err := ex.RGBTile(ds, [3]int{1, 2, 3}, tiling.Address{Z: 0, X: 0, Y: 0}, [3]StretchParams{stretch, stretch, stretch})
	if err != nil {
		t.Fatalf("rgb tile: %v", err)
	}
	img := decodeTile(t, data)

	r, g, b, a := pixel(img, 100, 128)
	if a != 255 {
		t.Fatalf("pixel with a valid green band should be opaque, alpha=%d", a)
	}
	if r != 0 || g != 200 || b != 0 {
		t.Fatalf("pixel = (%d,%d,%d), want (0,200,0)", r, g, b)
	}

	// Outside the dataset every band is fill: transparent.
	if _, _, _, a := pixel(img, 2, 2); a != 0 {
		t.Fatalf("pixel outside the dataset should be transparent, alpha=%d", a)
	}
}

func TestCrossRGBTile(t *testing.T) {
	eng := enginetest.New()
	eng.Register("west.tif", &enginetest.Source{
		Width: 128, Height: 128,
		Bounds:        [4]float64{-100, -10, -80, 10},
		Georeferenced: true,
		Bands:         [][]float64{enginetest.Uniform(128, 128, 100)},
	})
	eng.Register("east.tif", &enginetest.Source{
		Width: 128, Height: 128,
		Bounds:        [4]float64{80, -10, 100, 10},
		Georeferenced: true,
		Bands:         [][]float64{enginetest.Uniform(128, 128, 150)},
	})
	eng.Register("south.tif", &enginetest.Source{
		Width: 128, Height: 128,
		Bounds:        [4]float64{-10, -60, 10, -40},
		Georeferenced: true,
		Bands:         [][]float64{enginetest.Uniform(128, 128, 50)},
	})

	ds1, err := eng.Open("west.tif")
	if err != nil {
		t.Fatalf("open west: %v", err)
	}
	defer ds1.Close()
	ds2, err := eng.Open("east.tif")
	if err != nil {
		t.Fatalf("open east: %v", err)
	}
	defer ds2.Close()
	ds3, err := eng.Open("south.tif")
	if err != nil {
		t.Fatalf("open south: %v", err)
	}
	defer ds3.Close()

	ex := New(Config{})
	stretch := DefaultStretch()
	data, err := ex.CrossRGBTile(
		[3]engine.Dataset{ds1, ds2, ds3},
		[3]int{1, 1, 1},
		tiling.Address{Z: 0, X: 0, Y: 0},
		[3]StretchParams{stretch, stretch, stretch},
	)
	if err != nil {
		t.Fatalf("cross rgb tile: %v", err)
	}
	img := decodeTile(t, data)

	// Each layer lights up its own region in its own channel.
	if r, g, _, a := pixel(img, 64, 124); a != 255 || r != 100 || g != 0 {
		t.Fatalf("western pixel = r%d g%d alpha %d, want red 100 only", r, g, a)
	}
	if r, g, _, a := pixel(img, 192, 124); a != 255 || g != 150 || r != 0 {
		t.Fatalf("eastern pixel = r%d g%d alpha %d, want green 150 only", r, g, a)
	}
	// Between the layers nothing covers: transparent.
	if _, _, _, a := pixel(img, 128, 124); a != 0 {
		t.Fatalf("uncovered pixel should be transparent, alpha=%d", a)
	}
}

func TestCrossRGBTileAllOutside(t *testing.T) {
	eng := enginetest.New()
	src := &enginetest.Source{
		Width: 32, Height: 32,
		Bounds:        [4]float64{0, 0, 10, 10},
		Georeferenced: true,
		Bands:         [][]float64{enginetest.Uniform(32, 32, 5)},
	}
	eng.Register("a.tif", src)
	eng.Register("b.tif", src)
	eng.Register("c.tif", src)

	ds1, _ := eng.Open("a.tif")
	ds2, _ := eng.Open("b.tif")
	ds3, _ := eng.Open("c.tif")
	defer ds1.Close()
	defer ds2.Close()
	defer ds3.Close()

	ex := New(Config{})
	stretch := DefaultStretch()
	data, err := ex.CrossRGBTile(
		[3]engine.Dataset{ds1, ds2, ds3},
		[3]int{1, 1, 1},
		tiling.Address{Z: 2, X: 0, Y: 1},
		[3]StretchParams{stretch, stretch, stretch},
	)
	if err != nil {
		t.Fatalf("cross rgb tile: %v", err)
	}
	empty, _ := ex.EmptyTile()
	if !bytes.Equal(data, empty) {
		t.Fatal("tile outside all layers should be the sentinel")
	}
}

func TestCrossPixelRGBTile(t *testing.T) {
	// Three plain images of the same size share one synthetic placement, so
	// each contributes its channel at the center of the zoom-0 tile.
	eng := enginetest.New()
	eng.Register("r.png", &enginetest.Source{
		Width: 200, Height: 100,
		Bands: [][]float64{enginetest.Uniform(200, 100, 100)},
	})
	eng.Register("g.png", &enginetest.Source{
		Width: 200, Height: 100,
		Bands: [][]float64{enginetest.Uniform(200, 100, 150)},
	})
	eng.Register("b.png", &enginetest.Source{
		Width: 200, Height: 100,
		Bands: [][]float64{enginetest.Uniform(200, 100, 200)},
	})

	ds1, err := eng.Open("r.png")
	if err != nil {
		t.Fatalf("open r: %v", err)
	}
	defer ds1.Close()
	ds2, err := eng.Open("g.png")
	if err != nil {
		t.Fatalf("open g: %v", err)
	}
	defer ds2.Close()
	ds3, err := eng.Open("b.png")
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer ds3.Close()

	ex := New(Config{})
	stretch := DefaultStretch()
	data, err := ex.CrossPixelRGBTile(
		[3]engine.Dataset{ds1, ds2, ds3},
		[3]int{1, 1, 1},
		tiling.Address{Z: 0, X: 0, Y: 0},
		[3]StretchParams{stretch, stretch, stretch},
	)
	if err != nil {
		t.Fatalf("cross pixel rgb tile: %v", err)
	}
	img := decodeTile(t, data)

	r, g, b, a := pixel(img, 127, 127)
	if a != 255 {
		t.Fatalf("center pixel should be opaque, alpha=%d", a)
	}
	if r != 100 || g != 150 || b != 200 {
		t.Fatalf("center pixel = (%d,%d,%d), want (100,150,200)", r, g, b)
	}
	if _, _, _, a := pixel(img, 0, 0); a != 0 {
		t.Fatal("corner should be transparent")
	}
}

func TestEmptyTile(t *testing.T) {
	ex := New(Config{})
	a, err := ex.EmptyTile()
	if err != nil {
		t.Fatalf("empty tile: %v", err)
	}
	b, _ := ex.EmptyTile()
	if !bytes.Equal(a, b) {
		t.Fatal("sentinel should be stable across calls")
	}

	img := decodeTile(t, a)
	for _, p := range [][2]int{{0, 0}, {128, 128}, {255, 255}} {
		if _, _, _, alpha := pixel(img, p[0], p[1]); alpha != 0 {
			t.Fatalf("sentinel pixel (%d,%d) not transparent", p[0], p[1])
		}
	}
}

func TestDebugOverlay(t *testing.T) {
	eng := openTestDataset(t, &enginetest.Source{
		Width: 64, Height: 64,
		Bounds:        [4]float64{-60, -60, 60, 60},
		Georeferenced: true,
		Bands:         [][]float64{enginetest.Uniform(64, 64, 100)},
	})
	ds, err := eng.Open("test.tif")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ds.Close()

	plain := New(Config{})
	overlaid := New(Config{DebugOverlay: true})
	addr := tiling.Address{Z: 0, X: 0, Y: 0}

	a, err := plain.Tile(ds, 1, addr, DefaultStretch())
	if err != nil {
		t.Fatalf("tile: %v", err)
	}
	b, err := overlaid.Tile(ds, 1, addr, DefaultStretch())
	if err != nil {
		t.Fatalf("overlaid tile: %v", err)
	}
	decodeTile(t, b)
	if bytes.Equal(a, b) {
		t.Fatal("overlay should change the rendered tile")
	}
}
