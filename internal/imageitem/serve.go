package imageitem

import (
	"context"
	"image"
	"log"
	"time"

	"golang.org/x/image/draw"

	"github.com/large-image/server/internal/apperr"
	"github.com/large-image/server/internal/cache"
	"github.com/large-image/server/internal/metrics"
	"github.com/large-image/server/internal/render"
	"github.com/large-image/server/internal/sourcecache"
	"github.com/large-image/server/internal/store"
	"github.com/large-image/server/internal/tilesource"
)

// borrowed is a source on loan from the source cache.
type borrowed struct {
	handle      *sourcecache.Handle[tilesource.Source]
	fingerprint string
}

func (b *borrowed) Source() tilesource.Source { return b.handle.Value() }

func (b *borrowed) Release() { b.handle.Release() }

// source borrows the tile source of an item's pyramid. Non-empty request
// params override the ones stored on the pyramid.
func (m *Manager) source(ctx context.Context, itemID string, params tilesource.OpenParams) (*borrowed, error) {
	item, err := m.Item(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Pending != nil {
		return nil, apperr.New(apperr.NotReady, "the large image of item %s is still pending creation", itemID)
	}
	p := item.Pyramid
	if p == nil {
		return nil, apperr.New(apperr.NotFound, "item %s has no large image", itemID)
	}
	f, err := m.store.GetFile(ctx, p.FileID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, apperr.New(apperr.NotFound, "large image file %s of item %s not found", p.FileID, itemID)
	}
	params = mergeParams(p, params)
	tf := tileFile(f)
	fp := tilesource.Fingerprint(tf, p.Backend, params)
	h, err := m.sources.Get(ctx, fp, func(ctx context.Context) (tilesource.Source, error) {
		return m.registry.Open(ctx, tf, p.Backend, params)
	})
	if err != nil {
		return nil, err
	}
	return &borrowed{handle: h, fingerprint: fp}, nil
}

func mergeParams(p *store.Pyramid, req tilesource.OpenParams) tilesource.OpenParams {
	if req.Projection == "" {
		req.Projection = p.Projection
	}
	if req.Style == "" {
		req.Style = p.Style
	}
	if req.UnitsPerPixel == 0 {
		req.UnitsPerPixel = p.UnitsPerPixel
	}
	return req
}

// Metadata returns the metadata of an item's pyramid.
func (m *Manager) Metadata(ctx context.Context, itemID string, params tilesource.OpenParams) (*tilesource.Metadata, error) {
	src, err := m.source(ctx, itemID, params)
	if err != nil {
		return nil, err
	}
	defer src.Release()
	meta := *src.Source().Metadata()
	return &meta, nil
}

// TileRequest selects one tile.
type TileRequest struct {
	Params   tilesource.OpenParams
	Z, X, Y  int
	Frame    int
	Encoding string
}

// Tile returns an encoded tile and its mime type. Encoded tiles are kept in
// the tile cache under the source fingerprint.
func (m *Manager) Tile(ctx context.Context, itemID string, req TileRequest) (data []byte, mime string, err error) {
	start := time.Now()
	defer func() { metrics.Since(m.cfg.Observer, "imageitem", "tile", start, err) }()

	encoding, err := m.renderer.NormalizeEncoding(req.Encoding)
	if err != nil {
		return nil, "", err
	}
	src, err := m.source(ctx, itemID, req.Params)
	if err != nil {
		return nil, "", err
	}
	defer src.Release()

	key := cache.TileKey(src.fingerprint, req.Z, req.X, req.Y, req.Frame, encoding)
	if cached, ok := m.tiles.GetTile(key); ok {
		return cached, render.MimeType(encoding), nil
	}
	img, err := src.Source().Tile(ctx, req.Z, req.X, req.Y, tilesource.TileOptions{Frame: req.Frame})
	if err != nil {
		return nil, "", err
	}
	data, mime, err = m.renderer.Encode(img, render.EncodeOptions{Encoding: encoding})
	if err != nil {
		return nil, "", err
	}
	if err := m.tiles.SetTile(key, data); err != nil {
		log.Printf("[ImageItem] tile %d/%d/%d not cached: %v", req.Z, req.X, req.Y, err)
	}
	return data, mime, nil
}

// RegionRequest selects and encodes a region.
type RegionRequest struct {
	Params tilesource.OpenParams
	Region tilesource.RegionOptions
	Encode render.EncodeOptions
}

// Region returns an encoded region of an item's pyramid.
func (m *Manager) Region(ctx context.Context, itemID string, req RegionRequest) (data []byte, mime string, err error) {
	start := time.Now()
	defer func() { metrics.Since(m.cfg.Observer, "imageitem", "region", start, err) }()

	src, err := m.source(ctx, itemID, req.Params)
	if err != nil {
		return nil, "", err
	}
	defer src.Release()
	img, err := src.Source().Region(ctx, req.Region)
	if err != nil {
		return nil, "", err
	}
	opts := req.Encode
	opts.Width, opts.Height = req.Region.Width, req.Region.Height
	return m.renderer.Encode(img, opts)
}

// Pixel returns the value of one pixel of an item's pyramid.
func (m *Manager) Pixel(ctx context.Context, itemID string, params tilesource.OpenParams, opts tilesource.PixelOptions) (*tilesource.Pixel, error) {
	src, err := m.source(ctx, itemID, params)
	if err != nil {
		return nil, err
	}
	defer src.Release()
	return src.Source().Pixel(ctx, opts)
}

// AssociatedImages lists the associated images of an item's pyramid.
func (m *Manager) AssociatedImages(ctx context.Context, itemID string) ([]string, error) {
	src, err := m.source(ctx, itemID, tilesource.OpenParams{})
	if err != nil {
		return nil, err
	}
	defer src.Release()
	return src.Source().AssociatedImages(), nil
}

// AssociatedImage returns an encoded associated image, scaled to fit
// opts.Width and opts.Height when given. It returns nil data and no error
// when the image does not exist.
func (m *Manager) AssociatedImage(ctx context.Context, itemID, key string, opts render.EncodeOptions) ([]byte, string, error) {
	src, err := m.source(ctx, itemID, tilesource.OpenParams{})
	if err != nil {
		return nil, "", err
	}
	defer src.Release()
	img, err := src.Source().AssociatedImage(ctx, key)
	if err != nil || img == nil {
		return nil, "", err
	}
	return m.renderer.Encode(fit(img, opts.Width, opts.Height), opts)
}

// fit scales img down to fit within width x height, keeping its aspect
// ratio. Zero sizes are unconstrained.
func fit(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := 1.0
	if width > 0 && width < w {
		scale = float64(width) / float64(w)
	}
	if height > 0 && height < h {
		scale = min(scale, float64(height)/float64(h))
	}
	if scale >= 1 {
		return img
	}
	out := image.NewNRGBA(image.Rect(0, 0, max(1, int(float64(w)*scale+0.5)), max(1, int(float64(h)*scale+0.5))))
	draw.ApproxBiLinear.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out
}
