//go:build !gdal

package gdal

import (
	"fmt"
	"os"

	"github.com/rasterview/server/internal/engine"
)

// Engine is a stub when built without "-tags gdal". Open still validates the
// path exists so configuration problems surface early, but every open fails
// with engine.ErrUnsupported.
type Engine struct{}

// New returns the stub engine.
func New() *Engine { return &Engine{} }

// Open always fails with engine.ErrUnsupported.
func (e *Engine) Open(path string) (engine.Dataset, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("raster not found at %s: %w", path, err)
	}
	return nil, engine.ErrUnsupported
}
