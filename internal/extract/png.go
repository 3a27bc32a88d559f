package extract

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
)

// encoder turns RGBA tile buffers into PNG bytes, reusing scratch buffers
// across requests.
type encoder struct {
	tileSize   int
	bufferPool sync.Pool

	emptyOnce sync.Once
	empty     []byte
	emptyErr  error
}

func newEncoder(tileSize int) *encoder {
	return &encoder{
		tileSize: tileSize,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// encode produces a PNG from an RGBA image.
func (e *encoder) encode(img *image.RGBA) ([]byte, error) {
	buf := e.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		e.bufferPool.Put(buf)
	}()

	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(buf, img); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// EmptyTile returns the transparent sentinel tile, encoded once and shared.
// Returned for addresses that do not intersect the dataset; an empty tile is
// a normal answer, not an error.
func (e *encoder) EmptyTile() ([]byte, error) {
	e.emptyOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, e.tileSize, e.tileSize))
		e.empty, e.emptyErr = e.encode(img)
	})
	return e.empty, e.emptyErr
}

// drawOverlay stamps the tile border and address onto a rendered tile, for
// the debug overlay mode.
func drawOverlay(img *image.RGBA, z, x, y int) {
	dc := gg.NewContextForRGBA(img)
	w := float64(img.Rect.Dx())
	dc.SetColor(color.RGBA{R: 255, A: 200})
	dc.SetLineWidth(1)
	dc.DrawRectangle(0.5, 0.5, w-1, w-1)
	dc.Stroke()
	dc.DrawString(fmt.Sprintf("%d/%d/%d", z, x, y), 8, 16)
}
