// Package main is the entry point for the rasterview tile server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rasterview/server/internal/api"
	"github.com/rasterview/server/internal/cache"
	"github.com/rasterview/server/internal/config"
	"github.com/rasterview/server/internal/engine/gdal"
	"github.com/rasterview/server/internal/extract"
	"github.com/rasterview/server/internal/logger"
	"github.com/rasterview/server/internal/service"
	"github.com/rasterview/server/internal/store"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zlog, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	zlog.Info("starting rasterview server",
		zap.Int("port", cfg.Server.Port),
		zap.Int("max_open_datasets", cfg.Datasets.MaxOpen),
		zap.Int("tile_cache_mb", cfg.Cache.TileSizeMB))

	// Tile cache, shared across all datasets.
	tiles, err := cache.NewManager(cache.Config{
		SizeMB: cfg.Cache.TileSizeMB,
		TTL:    time.Duration(cfg.Cache.TileTTLMinutes) * time.Minute,
	})
	if err != nil {
		zlog.Fatal("failed to initialize tile cache", zap.Error(err))
	}
	defer tiles.Close()

	// Dataset registry. Entries hold no open handles, so eviction only needs
	// a log line.
	datasets, err := store.New(cfg.Datasets.MaxOpen, func(e *store.Entry) {
		zlog.Info("dataset evicted", zap.String("id", e.ID), zap.String("path", e.Path))
	})
	if err != nil {
		zlog.Fatal("failed to initialize dataset cache", zap.Error(err))
	}

	extractor := extract.New(extract.Config{
		TileSize:     cfg.Render.TileSize,
		PixelScale:   cfg.Render.PixelScale,
		DebugOverlay: cfg.Render.DebugOverlay,
	})

	registry := prometheus.NewRegistry()

	svc := service.NewRasterService(service.RasterServiceConfig{
		Engine:    gdal.New(),
		Datasets:  datasets,
		Tiles:     tiles,
		Extractor: extractor,
		Logger:    zlog,
		Metrics:   registry,
	})

	router := api.NewRouter(api.RouterConfig{
		Service:     svc,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      zlog,
		Registry:    registry,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zlog.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		zlog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		zlog.Fatal("server failed", zap.Error(err))
	}
	zlog.Info("server stopped")
}
