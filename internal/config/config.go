// Package config handles configuration loading for the raster tile server.
// Values come from a YAML file with environment variable overrides on top.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Datasets DatasetsConfig `yaml:"datasets"`
	Cache    CacheConfig    `yaml:"cache"`
	Render   RenderConfig   `yaml:"render"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port" env:"RASTERVIEW_PORT"`
	CORSOrigins []string `yaml:"cors_origins" env:"RASTERVIEW_CORS_ORIGINS" envSeparator:","`
}

// DatasetsConfig contains dataset registry settings.
type DatasetsConfig struct {
	// MaxOpen bounds the dataset cache; the least recently used dataset is
	// deregistered beyond it.
	MaxOpen int `yaml:"max_open" env:"RASTERVIEW_MAX_OPEN_DATASETS"`
}

// CacheConfig contains tile cache settings.
type CacheConfig struct {
	TileSizeMB     int `yaml:"tile_size_mb" env:"RASTERVIEW_TILE_CACHE_MB"`
	TileTTLMinutes int `yaml:"tile_ttl_minutes" env:"RASTERVIEW_TILE_TTL_MINUTES"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	TileSize int `yaml:"tile_size" env:"RASTERVIEW_TILE_SIZE"`

	// PixelScale is the synthetic degrees-per-pixel used to place
	// non-georeferenced images.
	PixelScale float64 `yaml:"pixel_scale" env:"RASTERVIEW_PIXEL_SCALE"`

	// DebugOverlay stamps tile addresses onto rendered tiles.
	DebugOverlay bool `yaml:"debug_overlay" env:"RASTERVIEW_DEBUG_OVERLAY"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"RASTERVIEW_LOG_LEVEL"`

	// Development switches to the human-readable console encoder.
	Development bool `yaml:"development" env:"RASTERVIEW_LOG_DEV"`
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		applyDefaults(cfg)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Datasets: DatasetsConfig{
			MaxOpen: 32,
		},
		Cache: CacheConfig{
			TileSizeMB:     512,
			TileTTLMinutes: 10,
		},
		Render: RenderConfig{
			TileSize:   256,
			PixelScale: 0.01,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Datasets.MaxOpen == 0 {
		cfg.Datasets.MaxOpen = defaults.Datasets.MaxOpen
	}
	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Render.TileSize == 0 {
		cfg.Render.TileSize = defaults.Render.TileSize
	}
	if cfg.Render.PixelScale == 0 {
		cfg.Render.PixelScale = defaults.Render.PixelScale
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
}
