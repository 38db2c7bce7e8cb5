package tilesource

import (
	"bytes"
	"context"
	"image"
	"log"

	// decoders for directly readable files
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/dustin/go-humanize"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/large-image/server/internal/apperr"
	"github.com/large-image/server/internal/blobstore"
	"github.com/large-image/server/internal/geometry"
)

// ImageBackend serves ordinary image files small enough to decode in
// memory.
type ImageBackend struct {
	blobs *blobstore.Store
	cfg   Config
}

// NewImageBackend creates the in-memory image backend.
func NewImageBackend(blobs *blobstore.Store, cfg Config) *ImageBackend {
	return &ImageBackend{blobs: blobs, cfg: cfg.withDefaults()}
}

// Name implements Backend.
func (b *ImageBackend) Name() string { return "image" }

// SupportsProjection implements Backend.
func (b *ImageBackend) SupportsProjection() bool { return false }

// CanDecode implements Backend.
func (b *ImageBackend) CanDecode(ctx context.Context, f *File) bool {
	if f.Layout == LayoutZarr {
		return false
	}
	r, err := b.blobs.NewReader(ctx, f.Key)
	if err != nil {
		return false
	}
	defer r.Close()
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return false
	}
	return int64(cfg.Width)*int64(cfg.Height) <= b.cfg.DirectMaxPixels
}

// Open implements Backend.
func (b *ImageBackend) Open(ctx context.Context, f *File, params OpenParams) (Source, error) {
	data, err := b.blobs.Get(ctx, f.Key)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err, "failed to read %s", f.Name)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.UnsupportedFormat, err, "failed to decode %s", f.Name)
	}
	log.Printf("[TileSource] decoded %s image %s (%s)", format, f.Name, humanize.Bytes(uint64(len(data))))
	return newImageSource(img, params, b.cfg), nil
}

// imageSource tiles a decoded image by stride sampling.
type imageSource struct {
	tiler
	img *image.NRGBA
}

func newImageSource(img image.Image, params OpenParams, cfg Config) *imageSource {
	b := img.Bounds()
	nrgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Copy(nrgba, image.Point{}, img, b, draw.Src, nil)

	ts := params.TileSize
	if ts <= 0 {
		ts = cfg.TileSize
	}
	levels := geometry.Levels(b.Dx(), b.Dy(), ts, ts)
	meta := &Metadata{
		Backend:      "image",
		Levels:       levels,
		SizeX:        b.Dx(),
		SizeY:        b.Dy(),
		TileWidth:    ts,
		TileHeight:   ts,
		SourceLevels: levels,
		SourceSizeX:  b.Dx(),
		SourceSizeY:  b.Dy(),
	}
	s := &imageSource{img: nrgba}
	s.tiler = tiler{
		meta:   meta,
		cfg:    cfg,
		frame:  geometry.RegionFrame{SizeX: b.Dx(), SizeY: b.Dy()},
		reader: s,
	}
	return s
}

func (s *imageSource) readTile(ctx context.Context, z, x, y, frame int) (*image.NRGBA, error) {
	left, top, step := s.pixelTileOrigin(z, x, y)
	tile := s.emptyTile()
	m := s.meta
	for j := 0; j < m.TileHeight; j++ {
		sy := top + j*step
		if sy >= m.SizeY {
			break
		}
		for i := 0; i < m.TileWidth; i++ {
			sx := left + i*step
			if sx >= m.SizeX {
				break
			}
			src := s.img.PixOffset(sx, sy)
			dst := tile.PixOffset(i, j)
			copy(tile.Pix[dst:dst+4], s.img.Pix[src:src+4])
		}
	}
	return tile, ctx.Err()
}

// Close implements Source.
func (s *imageSource) Close() error {
	s.img = nil
	return nil
}

// readBands reports the RGBA samples of a pixel.
func (s *imageSource) readBands(_ context.Context, p geometry.Point, _ int) (map[int]float64, error) {
	c := s.img.NRGBAAt(int(p.X), int(p.Y))
	return map[int]float64{1: float64(c.R), 2: float64(c.G), 3: float64(c.B), 4: float64(c.A)}, nil
}
