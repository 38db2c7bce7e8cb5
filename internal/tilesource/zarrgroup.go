package tilesource

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/large-image/server/internal/apperr"
	"github.com/large-image/server/internal/blobstore"
	"github.com/large-image/server/internal/data/zarr"
)

// Group attribute names of pyramid hierarchies.
const (
	AttrMultiscales = "multiscales"
	AttrLargeImage  = "large_image"
	AttrGeo         = "geo"
)

// Multiscale lists the resolution levels of a pyramid. Dataset i is
// downsampled by 2^i from dataset 0.
type Multiscale struct {
	Axes     []Axis    `json:"axes,omitempty"`
	Datasets []Dataset `json:"datasets"`
}

// Axis names one array dimension.
type Axis struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Dataset is one resolution level.
type Dataset struct {
	Path string `json:"path"`
}

// StackAttrs describes a multi-frame microscopy stack.
type StackAttrs struct {
	Channels     []string          `json:"channels,omitempty"`
	PixelMicrons []float64         `json:"pixel_microns,omitempty"`
	ZCoordinates []float64         `json:"z_coordinates,omitempty"`
	Associated   map[string]string `json:"associated,omitempty"`
}

// GeoAttrs georeferences a raster whose arrays are (band, y, x).
type GeoAttrs struct {
	CRS          string     `json:"crs"`
	GeoTransform []float64  `json:"geotransform"`
	Bands        []BandInfo `json:"bands,omitempty"`
}

// openZarr opens the root group of a hierarchy stored under a key prefix
// or packed in a zip blob.
func openZarr(ctx context.Context, blobs *blobstore.Store, f *File) (*zarr.Group, error) {
	var store zarr.Store
	switch {
	case f.Layout == LayoutZarr:
		store = zarr.NewBlobStore(blobs, f.Key)
	case strings.HasSuffix(strings.ToLower(f.Name), ".zip"):
		ra, size, err := blobs.ReaderAt(ctx, f.Key)
		if err != nil {
			return nil, apperr.Wrap(apperr.Unavailable, err, "failed to open %s", f.Name)
		}
		zs, err := zarr.NewZipStore(ra, size)
		if err != nil {
			return nil, apperr.Wrap(apperr.UnsupportedFormat, err, "failed to read %s", f.Name)
		}
		store = zs
	default:
		return nil, apperr.New(apperr.UnsupportedFormat, "%s is not a zarr hierarchy", f.Name)
	}
	g, err := zarr.OpenGroup(ctx, store, "")
	if err != nil {
		return nil, apperr.Wrap(apperr.UnsupportedFormat, err, "failed to open %s", f.Name)
	}
	return g, nil
}

// openPyramid opens every dataset of the group's first multiscale.
func openPyramid(ctx context.Context, g *zarr.Group) (*Multiscale, []*zarr.Array, error) {
	var all []Multiscale
	ok, err := g.Attribute(AttrMultiscales, &all)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.UnsupportedFormat, err, "invalid multiscales")
	}
	if !ok || len(all) == 0 || len(all[0].Datasets) == 0 {
		return nil, nil, apperr.New(apperr.UnsupportedFormat, "group has no multiscale datasets")
	}
	ms := &all[0]
	arrays := make([]*zarr.Array, len(ms.Datasets))
	for i, ds := range ms.Datasets {
		arr, err := g.Array(ctx, ds.Path)
		if err != nil {
			return nil, nil, apperr.Wrap(apperr.UnsupportedFormat, err, "failed to open dataset %s", ds.Path)
		}
		if i > 0 && len(arr.Shape()) != len(arrays[0].Shape()) {
			return nil, nil, apperr.New(apperr.UnsupportedFormat, "dataset %s has rank %d, want %d", ds.Path, len(arr.Shape()), len(arrays[0].Shape()))
		}
		arrays[i] = arr
	}
	return ms, arrays, nil
}

// datasetFor returns the dataset index to read for a level that covers
// scale base pixels per pixel, and the remaining stride within it.
func datasetFor(scale, datasets int) (int, int) {
	d := 0
	for d+1 < datasets && 1<<(d+1) <= scale {
		d++
	}
	return d, max(1, scale>>d)
}

// to8Bit returns a mapping from raw values of a data type to 8 bits.
func to8Bit(dataType string) func(float64) uint8 {
	clamp := func(v float64) uint8 {
		if math.IsNaN(v) {
			return 0
		}
		return uint8(math.Max(0, math.Min(255, math.Round(v))))
	}
	switch dataType {
	case "uint16", "int16":
		return func(v float64) uint8 { return clamp(float64(int(v) >> 8)) }
	case "uint32", "int32", "uint64", "int64":
		return func(v float64) uint8 { return clamp(float64(int64(v) >> 24)) }
	case "float32", "float64":
		return func(v float64) uint8 { return clamp(v * 255) }
	case "bool":
		return func(v float64) uint8 { return clamp(v * 255) }
	default:
		return clamp
	}
}

func axisIndex(axes []string, name string) int {
	for i, a := range axes {
		if a == name {
			return i
		}
	}
	return -1
}

func axisNames(ms *Multiscale, rank int) ([]string, error) {
	if len(ms.Axes) == 0 {
		switch rank {
		case 2:
			return []string{"y", "x"}, nil
		case 3:
			return []string{"y", "x", "s"}, nil
		}
		return nil, fmt.Errorf("axes are required for rank %d arrays", rank)
	}
	if len(ms.Axes) != rank {
		return nil, fmt.Errorf("%d axes for rank %d arrays", len(ms.Axes), rank)
	}
	names := make([]string, rank)
	for i, a := range ms.Axes {
		names[i] = strings.ToLower(a.Name)
	}
	return names, nil
}
