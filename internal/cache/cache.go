// Package cache provides the in-memory cache for encoded tiles. Keys carry
// the dataset id, which is a fresh UUID per open: tiles of a closed dataset
// can never be requested again and simply age out with the TTL, so no
// explicit invalidation pass is needed.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/rasterview/server/internal/extract"
	"github.com/rasterview/server/internal/tiling"
)

// Config contains cache configuration.
type Config struct {
	SizeMB int
	TTL    time.Duration
}

// Manager manages the encoded tile cache.
type Manager struct {
	tiles *bigcache.BigCache
}

// NewManager creates a cache manager.
func NewManager(cfg Config) (*Manager, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	tileConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         ttl,
		CleanWindow:        ttl / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       100 * 1024, // 100KB per tile
		HardMaxCacheSize:   cfg.SizeMB,
		Verbose:            false,
	}

	tiles, err := bigcache.New(context.Background(), tileConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}
	return &Manager{tiles: tiles}, nil
}

// Get retrieves an encoded tile.
func (m *Manager) Get(key string) ([]byte, bool) {
	data, err := m.tiles.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set stores an encoded tile.
func (m *Manager) Set(key string, data []byte) error {
	return m.tiles.Set(key, data)
}

// TileKey builds the cache key for a rendered tile. mode distinguishes the
// display modes; cross-layer requests list all participating dataset ids so
// any combination gets its own entry.
func TileKey(mode string, ids []string, bands []int, a tiling.Address, stretches []extract.StretchParams) string {
	var sb strings.Builder
	sb.WriteString(mode)
	for _, id := range ids {
		sb.WriteByte(':')
		sb.WriteString(id)
	}
	sb.WriteByte(':')
	for i, b := range bands {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d", b)
	}
	fmt.Fprintf(&sb, ":%d/%d/%d", a.Z, a.X, a.Y)
	for _, s := range stretches {
		fmt.Fprintf(&sb, ":%g,%g,%g", s.Min, s.Max, s.Gamma)
	}
	return sb.String()
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"tile_cache_len": m.tiles.Len(),
		"tile_cache_cap": m.tiles.Capacity(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.tiles.Close()
}
