package cache

import (
	"testing"

	"github.com/rasterview/server/internal/extract"
	"github.com/rasterview/server/internal/tiling"
)

func TestTileKey(t *testing.T) {
	addr := tiling.Address{Z: 3, X: 1, Y: 2}
	stretch := extract.StretchParams{Min: 0, Max: 255, Gamma: 1}

	t.Run("grayscale", func(t *testing.T) {
		got := TileKey("gray", []string{"ds-a"}, []int{1}, addr, []extract.StretchParams{stretch})
		want := "gray:ds-a:1:3/1/2:0,255,1"
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	})

	t.Run("stretchChangesKey", func(t *testing.T) {
		a := TileKey("gray", []string{"ds-a"}, []int{1}, addr, []extract.StretchParams{stretch})
		b := TileKey("gray", []string{"ds-a"}, []int{1}, addr, []extract.StretchParams{{Min: 10, Max: 200, Gamma: 2}})
		if a == b {
			t.Fatalf("different stretches should key differently, both %q", a)
		}
	})

	t.Run("crossLayerListsAllIDs", func(t *testing.T) {
		a := TileKey("xrgb", []string{"r", "g", "b"}, []int{1, 1, 1}, addr, nil)
		b := TileKey("xrgb", []string{"r", "b", "g"}, []int{1, 1, 1}, addr, nil)
		if a == b {
			t.Fatalf("layer order is significant, both %q", a)
		}
	})
}

func TestManagerRoundTrip(t *testing.T) {
	m, err := NewManager(Config{SizeMB: 8})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	key := TileKey("gray", []string{"ds-a"}, []int{1}, tiling.Address{Z: 0, X: 0, Y: 0}, nil)
	if _, ok := m.Get(key); ok {
		t.Fatal("unexpected hit on empty cache")
	}

	payload := []byte("png-bytes")
	if err := m.Set(key, payload); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok := m.Get(key)
	if !ok || string(got) != "png-bytes" {
		t.Fatalf("get = %q ok=%v, want stored payload", got, ok)
	}
}
