// Package convert turns uploaded images that no backend can serve
// directly into Zarr pyramids: RGB(A) stacks for plain images, and
// (band, y, x) geo pyramids when a CRS and geotransform are known.
package convert

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/large-image/server/internal/apperr"
	"github.com/large-image/server/internal/blobstore"
	"github.com/large-image/server/internal/data/zarr"
	"github.com/large-image/server/internal/geometry"
	"github.com/large-image/server/internal/tilesource"
)

// Options controls pyramid generation.
type Options struct {
	TileSize    int
	Compression string
	Concurrency int
	// CRS and GeoTransform georeference the image; both or neither.
	CRS          string
	GeoTransform []float64
	// PixelMicrons is the physical pixel size of microscopy images.
	PixelMicrons []float64
	Progress     func(done, total int)
}

func (o Options) withDefaults() Options {
	if o.TileSize <= 0 {
		o.TileSize = 256
	}
	if o.Compression == "" {
		o.Compression = zarr.CompressionZstd
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	return o
}

// Result describes a written pyramid.
type Result struct {
	Prefix string
	Levels int
	Width  int
	Height int
	Bands  int
	Geo    bool
}

// OutputName returns the name of the pyramid produced from a file called
// name. A timestamp is added when the name would not change.
func OutputName(name string, now time.Time) string {
	ext := path.Ext(name)
	out := strings.TrimSuffix(name, ext) + ".zarr"
	if out == name {
		out = strings.TrimSuffix(name, ext) + "." + now.Format("20060102-150405") + ".zarr"
	}
	return out
}

// Decode decodes an image in any registered format.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", apperr.Wrap(apperr.UnsupportedFormat, err, "failed to decode image")
	}
	return img, format, nil
}

// WritePyramid writes img as a Zarr pyramid under prefix in blobs.
func WritePyramid(ctx context.Context, blobs *blobstore.Store, prefix string, img image.Image, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	geo := opts.CRS != "" || len(opts.GeoTransform) > 0
	if geo {
		if _, err := geometry.ParseProjection(opts.CRS); err != nil {
			return nil, apperr.Wrap(apperr.InvalidArgument, err, "invalid crs %q", opts.CRS)
		}
		if len(opts.GeoTransform) != 6 {
			return nil, apperr.New(apperr.InvalidArgument, "geotransform needs 6 values, got %d", len(opts.GeoTransform))
		}
	}

	start := time.Now()
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, apperr.New(apperr.InvalidArgument, "image is empty")
	}
	levels := geometry.Levels(w, h, opts.TileSize, opts.TileSize)
	layout := layoutFor(img)

	store := zarr.NewBlobStore(blobs, prefix)
	datasets := make([]tilesource.Dataset, levels)
	for i := range datasets {
		datasets[i] = tilesource.Dataset{Path: fmt.Sprint(i)}
	}
	attrs := map[string]interface{}{}
	if geo {
		attrs[tilesource.AttrMultiscales] = []tilesource.Multiscale{{
			Axes:     []tilesource.Axis{{Name: "band"}, {Name: "y", Type: "space"}, {Name: "x", Type: "space"}},
			Datasets: datasets,
		}}
		bands := make([]tilesource.BandInfo, layout.bands)
		for i := range bands {
			bands[i].Interpretation = layout.interps[i]
		}
		attrs[tilesource.AttrGeo] = tilesource.GeoAttrs{CRS: opts.CRS, GeoTransform: opts.GeoTransform, Bands: bands}
	} else {
		attrs[tilesource.AttrMultiscales] = []tilesource.Multiscale{{
			Axes:     []tilesource.Axis{{Name: "y", Type: "space"}, {Name: "x", Type: "space"}, {Name: "s"}},
			Datasets: datasets,
		}}
		attrs[tilesource.AttrLargeImage] = tilesource.StackAttrs{PixelMicrons: opts.PixelMicrons}
	}
	if _, err := zarr.CreateGroup(ctx, store, "", attrs); err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err, "failed to create pyramid group")
	}

	level := toNRGBA(img)
	total := 0
	for d := 0; d < levels; d++ {
		lw, lh := ceilShift(w, d), ceilShift(h, d)
		total += ceilDiv(lw, opts.TileSize) * ceilDiv(lh, opts.TileSize)
	}
	done := 0
	for d := 0; d < levels; d++ {
		if d > 0 {
			level = halve(level)
		}
		n, err := writeLevel(ctx, store, fmt.Sprint(d), level, layout, geo, opts)
		if err != nil {
			return nil, err
		}
		done += n
		if opts.Progress != nil {
			opts.Progress(done, total)
		}
	}
	log.Printf("[Convert] wrote %s: %d levels, %dx%d, %s pixels in %v",
		prefix, levels, w, h, humanize.Comma(int64(w)*int64(h)), time.Since(start).Round(time.Millisecond))
	return &Result{Prefix: prefix, Levels: levels, Width: w, Height: h, Bands: layout.bands, Geo: geo}, nil
}

// sampleLayout is the number of samples kept per pixel.
type sampleLayout struct {
	bands   int
	interps []string
}

func layoutFor(img image.Image) sampleLayout {
	gray := false
	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		gray = true
	}
	opaque := true
	if o, ok := img.(interface{ Opaque() bool }); ok {
		opaque = o.Opaque()
	}
	switch {
	case gray && opaque:
		return sampleLayout{1, []string{"gray"}}
	case gray:
		return sampleLayout{2, []string{"gray", "alpha"}}
	case opaque:
		return sampleLayout{3, []string{"red", "green", "blue"}}
	}
	return sampleLayout{4, []string{"red", "green", "blue", "alpha"}}
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// halve downsamples by two, rounding the size up.
func halve(img *image.NRGBA) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, ceilShift(b.Dx(), 1), ceilShift(b.Dy(), 1)))
	draw.BiLinear.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out
}

func writeLevel(ctx context.Context, store zarr.Store, name string, img *image.NRGBA, layout sampleLayout, geo bool, opts Options) (int, error) {
	ts := opts.TileSize
	w, h := img.Rect.Dx(), img.Rect.Dy()
	ns := layout.bands
	spec := zarr.ArraySpec{DataType: "uint8", Compression: opts.Compression}
	if geo {
		spec.Shape = []int{ns, h, w}
		spec.ChunkShape = []int{1, ts, ts}
		spec.DimensionNames = []string{"band", "y", "x"}
	} else {
		spec.Shape = []int{h, w, ns}
		spec.ChunkShape = []int{ts, ts, ns}
		spec.DimensionNames = []string{"y", "x", "s"}
	}
	arr, err := zarr.CreateArray(ctx, store, name, spec)
	if err != nil {
		return 0, apperr.Wrap(apperr.Unavailable, err, "failed to create level %s", name)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	nx, ny := ceilDiv(w, ts), ceilDiv(h, ts)
	for cy := 0; cy < ny; cy++ {
		for cx := 0; cx < nx; cx++ {
			cx, cy := cx, cy
			g.Go(func() error {
				if geo {
					for band := 0; band < ns; band++ {
						values := chunkValues(img, cx*ts, cy*ts, ts, []int{sampleIndex(layout, band)})
						if err := arr.WriteChunk(gctx, []int{band, cy, cx}, values); err != nil {
							return err
						}
					}
					return nil
				}
				samples := make([]int, ns)
				for i := range samples {
					samples[i] = sampleIndex(layout, i)
				}
				return arr.WriteChunk(gctx, []int{cy, cx, 0}, chunkValues(img, cx*ts, cy*ts, ts, samples))
			})
		}
	}
	if err := g.Wait(); err != nil {
		return 0, apperr.Wrap(apperr.Unavailable, err, "failed to write level %s", name)
	}
	return nx * ny, nil
}

// sampleIndex maps a stored sample to its offset in an NRGBA pixel.
func sampleIndex(layout sampleLayout, i int) int {
	if layout.interps[i] == "alpha" {
		return 3
	}
	return i
}

// chunkValues extracts a ts x ts chunk at (x0, y0) with the given NRGBA
// sample offsets interleaved per pixel. Pixels past the edge are zero.
func chunkValues(img *image.NRGBA, x0, y0, ts int, samples []int) []float64 {
	ns := len(samples)
	values := make([]float64, ts*ts*ns)
	w, h := img.Rect.Dx(), img.Rect.Dy()
	for j := 0; j < ts && y0+j < h; j++ {
		row := img.Pix[(y0+j)*img.Stride:]
		for i := 0; i < ts && x0+i < w; i++ {
			px := row[(x0+i)*4:]
			for k, s := range samples {
				values[(j*ts+i)*ns+k] = float64(px[s])
			}
		}
	}
	return values
}

func ceilShift(v, d int) int {
	return (v + (1 << d) - 1) >> d
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
