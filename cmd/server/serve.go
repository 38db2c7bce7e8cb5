package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/large-image/server/internal/annotation"
	"github.com/large-image/server/internal/api"
	"github.com/large-image/server/internal/blobstore"
	"github.com/large-image/server/internal/cache"
	"github.com/large-image/server/internal/config"
	"github.com/large-image/server/internal/convert"
	"github.com/large-image/server/internal/imageitem"
	"github.com/large-image/server/internal/jobs"
	"github.com/large-image/server/internal/logging"
	"github.com/large-image/server/internal/metrics"
	"github.com/large-image/server/internal/render"
	"github.com/large-image/server/internal/sourcecache"
	"github.com/large-image/server/internal/store"
	"github.com/large-image/server/internal/tilesource"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		closer := logging.Setup(logging.Config{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			MaxBackups: cfg.Log.MaxBackups,
			Stderr:     true,
		})
		defer closer.Close()
		return serve(cfg)
	},
}

// openBlobs opens the configured bucket. A bucket URL wins over a directory.
func openBlobs(ctx context.Context, cfg config.StorageConfig) (*blobstore.Store, error) {
	if cfg.BlobURL != "" {
		return blobstore.Open(ctx, cfg.BlobURL)
	}
	return blobstore.OpenDir(cfg.BlobDir)
}

// sourceConfig maps the render and source settings onto tile source limits.
func sourceConfig(cfg *config.Config) tilesource.Config {
	tcfg := tilesource.DefaultConfig()
	tcfg.TileSize = cfg.Render.TileSize
	tcfg.MaxRegionPixels = cfg.Render.MaxRegionPixels
	tcfg.RegionTimeout = cfg.Render.RegionTimeout()
	tcfg.FetchConcurrency = cfg.Render.FetchConcurrency
	tcfg.DirectMaxPixels = cfg.Sources.DirectMaxPixels
	tcfg.ThumbnailSize = cfg.Thumbnails.DefaultSize
	return tcfg
}

func newRegistry(blobs *blobstore.Store, cfg *config.Config) (*tilesource.Registry, error) {
	tcfg := sourceConfig(cfg)
	all := tilesource.NewRegistry(
		tilesource.NewGeoBackend(blobs, tcfg),
		tilesource.NewStackBackend(blobs, tcfg),
		tilesource.NewImageBackend(blobs, tcfg),
	)
	if len(cfg.Sources.Backends) == 0 {
		return all, nil
	}
	return all.Select(cfg.Sources.Backends)
}

func serve(cfg *config.Config) error {
	log.Printf("Starting large image server on port %d", cfg.Server.Port)
	ctx := context.Background()

	st, err := store.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	blobs, err := openBlobs(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}
	defer blobs.Close()

	registry, err := newRegistry(blobs, cfg)
	if err != nil {
		return fmt.Errorf("failed to configure backends: %w", err)
	}
	log.Printf("Backends: %v", registry.Names())

	var observer metrics.Observer = metrics.Nop()
	var metricsHandler http.Handler
	var prom *metrics.PrometheusObserver
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prom, err = metrics.NewPrometheusObserver(cfg.Metrics.Namespace, reg)
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		observer = prom
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	sources, err := sourcecache.New[tilesource.Source](cfg.Cache.SourceCacheSize)
	if err != nil {
		return fmt.Errorf("failed to initialize source cache: %w", err)
	}
	defer sources.Clear()

	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: cfg.Cache.TileSizeMB,
		TileTTL:         cfg.Cache.TileTTL(),
		QueryCacheSize:  cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheManager.Close()

	if prom != nil {
		if err := prom.RegisterCache("sources", func() metrics.CacheStats {
			s := sources.Stats()
			return metrics.CacheStats{Entries: float64(s.Entries), Hits: float64(s.Hits), Misses: float64(s.Misses)}
		}); err != nil {
			return fmt.Errorf("failed to register source cache metrics: %w", err)
		}
		if err := prom.RegisterCache("tiles", cacheManager.TileStats); err != nil {
			return fmt.Errorf("failed to register tile cache metrics: %w", err)
		}
	}

	renderer := render.NewRenderer(render.Config{
		TileSize:        cfg.Render.TileSize,
		DefaultEncoding: cfg.Render.DefaultEncoding,
		JPEGQuality:     cfg.Render.JPEGQuality,
	})

	jobManager := jobs.NewManager(st, jobs.Config{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		QueueSize:     cfg.Jobs.QueueSize,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	log.Printf("Job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Storage.SQLitePath)

	items := imageitem.NewManager(imageitem.Config{
		MaxThumbnailFiles: *cfg.Thumbnails.MaxFiles,
		Convert:           convert.Options{TileSize: cfg.Sources.ConvertTileSize},
		Observer:          observer,
	}, imageitem.Deps{
		Store:    st,
		Blobs:    blobs,
		Registry: registry,
		Sources:  sources,
		Tiles:    cacheManager,
		Renderer: renderer,
		Jobs:     jobManager,
	})

	annotations := annotation.NewStore(st, st, annotation.Config{
		ChunkSize: cfg.Annotations.ChunkSize,
		Observer:  observer,
	})

	jobManager.Start()
	defer jobManager.Stop()

	router := api.NewRouter(api.RouterConfig{
		Items:       items,
		Annotations: annotations,
		Jobs:        jobManager,
		Queries:     cacheManager,
		CORSOrigins: cfg.Server.CORSOrigins,
		Metrics:     metricsHandler,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Render.RegionTimeout() + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
	return nil
}
