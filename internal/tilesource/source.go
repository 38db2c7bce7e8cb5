// Package tilesource maps backing rasters onto a z/x/y tile pyramid and
// answers tile, region, thumbnail, pixel and associated image requests.
package tilesource

import (
	"context"
	"image"
	"time"

	"github.com/large-image/server/internal/geometry"
)

// File layouts.
const (
	// LayoutBlob is a single blob holding an image file or a zipped Zarr
	// hierarchy.
	LayoutBlob = "blob"
	// LayoutZarr is a Zarr hierarchy stored under a key prefix.
	LayoutZarr = "zarr"
)

// File identifies the backing data of a source.
type File struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size"`
	Key      string `json:"key"`
	Layout   string `json:"layout"`
}

// OpenParams are the constructor parameters that change decoded output.
type OpenParams struct {
	Projection    string  `json:"projection,omitempty"`
	Style         string  `json:"style,omitempty"`
	UnitsPerPixel float64 `json:"unitsPerPixel,omitempty"`
	TileSize      int     `json:"tileSize,omitempty"`
}

// Config bounds the work done per request.
type Config struct {
	TileSize         int
	MaxRegionPixels  int64
	RegionTimeout    time.Duration
	FetchConcurrency int
	DirectMaxPixels  int64
	ThumbnailSize    int
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		TileSize:         256,
		MaxRegionPixels:  100_000_000,
		RegionTimeout:    60 * time.Second,
		FetchConcurrency: 8,
		DirectMaxPixels:  16384 * 16384,
		ThumbnailSize:    256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TileSize <= 0 {
		c.TileSize = d.TileSize
	}
	if c.MaxRegionPixels <= 0 {
		c.MaxRegionPixels = d.MaxRegionPixels
	}
	if c.RegionTimeout <= 0 {
		c.RegionTimeout = d.RegionTimeout
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = d.FetchConcurrency
	}
	if c.DirectMaxPixels <= 0 {
		c.DirectMaxPixels = d.DirectMaxPixels
	}
	if c.ThumbnailSize <= 0 {
		c.ThumbnailSize = d.ThumbnailSize
	}
	return c
}

// BandInfo describes one raster band. Bands are numbered from 1.
type BandInfo struct {
	Min            *float64   `json:"min,omitempty"`
	Max            *float64   `json:"max,omitempty"`
	Mean           *float64   `json:"mean,omitempty"`
	Stdev          *float64   `json:"stdev,omitempty"`
	Nodata         *float64   `json:"nodata,omitempty"`
	Interpretation string     `json:"interpretation,omitempty"`
	Colortable     [][4]uint8 `json:"colortable,omitempty"`
}

// Frame describes one frame of a multi-frame source.
type Frame struct {
	Frame     int      `json:"Frame"`
	Index     int      `json:"Index"`
	TheC      *int     `json:"IndexC,omitempty"`
	TheT      *int     `json:"IndexT,omitempty"`
	TheZ      *int     `json:"IndexZ,omitempty"`
	PositionZ *float64 `json:"PositionZ,omitempty"`
}

// Metadata is returned by Source.Metadata.
type Metadata struct {
	Backend    string `json:"backend"`
	Levels     int    `json:"levels"`
	SizeX      int    `json:"sizeX"`
	SizeY      int    `json:"sizeY"`
	TileWidth  int    `json:"tileWidth"`
	TileHeight int    `json:"tileHeight"`

	SourceLevels int `json:"sourceLevels"`
	SourceSizeX  int `json:"sourceSizeX"`
	SourceSizeY  int `json:"sourceSizeY"`

	Magnification *float64 `json:"magnification"`
	MMX           *float64 `json:"mm_x"`
	MMY           *float64 `json:"mm_y"`

	Geospatial   bool             `json:"geospatial"`
	Projection   string           `json:"projection,omitempty"`
	Bounds       *geometry.Bounds `json:"bounds,omitempty"`
	SourceBounds *geometry.Bounds `json:"sourceBounds,omitempty"`

	Bands    map[int]BandInfo `json:"bands,omitempty"`
	Frames   []Frame          `json:"frames,omitempty"`
	Channels []string         `json:"channels,omitempty"`
}

// FrameCount returns the number of frames, which is at least 1.
func (m *Metadata) FrameCount() int {
	if len(m.Frames) == 0 {
		return 1
	}
	return len(m.Frames)
}

// TileOptions are per-call tile options.
type TileOptions struct {
	Frame int
}

// RegionOptions selects a region and the output size. Width and Height are
// upper bounds unless Exact is set.
type RegionOptions struct {
	Region geometry.RegionRequest
	Width  int
	Height int
	Exact  bool
	Frame  int
}

// ThumbnailOptions selects the thumbnail size. Zero means unset.
type ThumbnailOptions struct {
	Width  int
	Height int
	Frame  int
}

// PixelOptions locates a single pixel.
type PixelOptions struct {
	X     float64
	Y     float64
	Units string
	Frame int
}

// Pixel holds the rendered value of a pixel and its raw band values. Both
// are empty when the point lies outside the raster.
type Pixel struct {
	X        int             `json:"x"`
	Y        int             `json:"y"`
	Channels []uint8         `json:"channels,omitempty"`
	Bands    map[int]float64 `json:"bands,omitempty"`
}

// Source answers requests against one pyramid. Implementations are safe
// for concurrent use.
type Source interface {
	Metadata() *Metadata
	Tile(ctx context.Context, z, x, y int, opts TileOptions) (image.Image, error)
	Region(ctx context.Context, opts RegionOptions) (image.Image, error)
	Thumbnail(ctx context.Context, opts ThumbnailOptions) (image.Image, error)
	Pixel(ctx context.Context, opts PixelOptions) (*Pixel, error)
	AssociatedImages() []string
	// AssociatedImage returns nil and no error when key does not exist.
	AssociatedImage(ctx context.Context, key string) (image.Image, error)
	Close() error
}

// Backend opens sources for one family of formats.
type Backend interface {
	Name() string
	CanDecode(ctx context.Context, f *File) bool
	Open(ctx context.Context, f *File, params OpenParams) (Source, error)
	SupportsProjection() bool
}
