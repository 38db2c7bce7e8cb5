// Package config handles configuration loading for the large image server.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Cache       CacheConfig       `yaml:"cache"`
	Render      RenderConfig      `yaml:"render"`
	Thumbnails  ThumbnailConfig   `yaml:"thumbnails"`
	Sources     SourcesConfig     `yaml:"sources"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Annotations AnnotationsConfig `yaml:"annotations"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StorageConfig locates the record database and the blob bucket.
type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
	// BlobURL is a gocloud.dev bucket URL such as file:///var/lib/tiles,
	// s3://bucket?region=us-east-1 or mem://. It takes precedence over
	// BlobDir.
	BlobURL string `yaml:"blob_url"`
	BlobDir string `yaml:"blob_dir"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	SourceCacheSize int `yaml:"source_cache_size"`
	TileSizeMB      int `yaml:"tile_size_mb"`
	TileTTLMinutes  int `yaml:"tile_ttl_minutes"`
	QueryCacheSize  int `yaml:"query_cache_size"`
}

// TileTTL returns the tile cache lifetime.
func (c CacheConfig) TileTTL() time.Duration {
	return time.Duration(c.TileTTLMinutes) * time.Minute
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	TileSize             int    `yaml:"tile_size"`
	DefaultEncoding      string `yaml:"default_encoding"`
	JPEGQuality          int    `yaml:"jpeg_quality"`
	MaxRegionPixels      int64  `yaml:"max_region_pixels"`
	RegionTimeoutSeconds int    `yaml:"region_timeout_seconds"`
	FetchConcurrency     int    `yaml:"fetch_concurrency"`
}

// RegionTimeout returns the wall-clock ceiling of one region request.
func (c RenderConfig) RegionTimeout() time.Duration {
	return time.Duration(c.RegionTimeoutSeconds) * time.Second
}

// ThumbnailConfig controls cached thumbnail files.
type ThumbnailConfig struct {
	// MaxFiles is the number of thumbnail files kept per item; 0 disables
	// thumbnail caching. Nil means the default.
	MaxFiles    *int `yaml:"max_files"`
	DefaultSize int  `yaml:"default_size"`
}

// SourcesConfig controls the tile source backends.
type SourcesConfig struct {
	DirectMaxPixels int64 `yaml:"direct_max_pixels"`
	// Backends lists the backends to probe, in order. Empty means all.
	Backends []string `yaml:"backends"`
	// ConvertTileSize is the chunk size of converted pyramids.
	ConvertTileSize int `yaml:"convert_tile_size"`
}

// JobsConfig contains job runner settings.
type JobsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	QueueSize     int `yaml:"queue_size"`
	RetentionDays int `yaml:"retention_days"`
}

// AnnotationsConfig contains annotation element store settings.
type AnnotationsConfig struct {
	ChunkSize int `yaml:"chunk_size"`
}

// LogConfig controls log output. An empty file logs to stderr.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Config{Metrics: MetricsConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	maxThumbnails := 10
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Storage: StorageConfig{
			SQLitePath: "./data/large_image.db",
			BlobDir:    "./data/blobs",
		},
		Cache: CacheConfig{
			SourceCacheSize: 32,
			TileSizeMB:      512,
			TileTTLMinutes:  10,
			QueryCacheSize:  1000,
		},
		Render: RenderConfig{
			TileSize:             256,
			DefaultEncoding:      "PNG",
			JPEGQuality:          95,
			MaxRegionPixels:      100_000_000,
			RegionTimeoutSeconds: 60,
			FetchConcurrency:     8,
		},
		Thumbnails: ThumbnailConfig{
			MaxFiles:    &maxThumbnails,
			DefaultSize: 256,
		},
		Sources: SourcesConfig{
			DirectMaxPixels: 16384 * 16384,
			ConvertTileSize: 256,
		},
		Jobs: JobsConfig{
			MaxConcurrent: 1,
			QueueSize:     100,
			RetentionDays: 7,
		},
		Annotations: AnnotationsConfig{
			ChunkSize: 100000,
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxAgeDays: 28,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "large_image",
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
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = defaults.Storage.SQLitePath
	}
	if cfg.Storage.BlobDir == "" {
		cfg.Storage.BlobDir = defaults.Storage.BlobDir
	}
	if cfg.Cache.SourceCacheSize == 0 {
		cfg.Cache.SourceCacheSize = defaults.Cache.SourceCacheSize
	}
	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Render.TileSize == 0 {
		cfg.Render.TileSize = defaults.Render.TileSize
	}
	if cfg.Render.DefaultEncoding == "" {
		cfg.Render.DefaultEncoding = defaults.Render.DefaultEncoding
	}
	if cfg.Render.JPEGQuality == 0 {
		cfg.Render.JPEGQuality = defaults.Render.JPEGQuality
	}
	if cfg.Render.MaxRegionPixels == 0 {
		cfg.Render.MaxRegionPixels = defaults.Render.MaxRegionPixels
	}
	if cfg.Render.RegionTimeoutSeconds == 0 {
		cfg.Render.RegionTimeoutSeconds = defaults.Render.RegionTimeoutSeconds
	}
	if cfg.Render.FetchConcurrency == 0 {
		cfg.Render.FetchConcurrency = defaults.Render.FetchConcurrency
	}
	if cfg.Thumbnails.MaxFiles == nil {
		cfg.Thumbnails.MaxFiles = defaults.Thumbnails.MaxFiles
	}
	if cfg.Thumbnails.DefaultSize == 0 {
		cfg.Thumbnails.DefaultSize = defaults.Thumbnails.DefaultSize
	}
	if cfg.Sources.DirectMaxPixels == 0 {
		cfg.Sources.DirectMaxPixels = defaults.Sources.DirectMaxPixels
	}
	if cfg.Sources.ConvertTileSize == 0 {
		cfg.Sources.ConvertTileSize = defaults.Sources.ConvertTileSize
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.QueueSize == 0 {
		cfg.Jobs.QueueSize = defaults.Jobs.QueueSize
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
	if cfg.Annotations.ChunkSize == 0 {
		cfg.Annotations.ChunkSize = defaults.Annotations.ChunkSize
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = defaults.Log.MaxSizeMB
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = defaults.Log.MaxAgeDays
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = defaults.Log.MaxBackups
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = defaults.Metrics.Namespace
	}
}

// Validate checks values that have no usable default.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Cache.SourceCacheSize < 0 {
		return fmt.Errorf("cache.source_cache_size must not be negative")
	}
	if c.Render.TileSize < 16 {
		return fmt.Errorf("render.tile_size must be at least 16, got %d", c.Render.TileSize)
	}
	if c.Thumbnails.MaxFiles != nil && *c.Thumbnails.MaxFiles < 0 {
		return fmt.Errorf("thumbnails.max_files must not be negative")
	}
	if c.Render.JPEGQuality < 0 || c.Render.JPEGQuality > 100 {
		return fmt.Errorf("render.jpeg_quality must be between 1 and 100")
	}
	return nil
}
