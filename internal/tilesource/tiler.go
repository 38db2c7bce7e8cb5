package tilesource

import (
	"context"
	"errors"
	"image"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/large-image/server/internal/apperr"
	"github.com/large-image/server/internal/geometry"
)

// tileReader renders one tile. Coordinates and frame have been validated.
// Tiles are always TileWidth x TileHeight; areas outside the raster are
// transparent.
type tileReader interface {
	readTile(ctx context.Context, z, x, y, frame int) (*image.NRGBA, error)
}

// bandReader returns raw band values at a base pixel. Sources that cannot
// report raw values do not implement it.
type bandReader interface {
	readBands(ctx context.Context, p geometry.Point, frame int) (map[int]float64, error)
}

// tiler implements the parts of Source shared by all backends on top of a
// tileReader.
type tiler struct {
	meta      *Metadata
	cfg       Config
	frame     geometry.RegionFrame
	projected bool
	reader    tileReader
}

// Metadata implements Source.
func (t *tiler) Metadata() *Metadata { return t.meta }

// AssociatedImages implements Source for sources without any.
func (t *tiler) AssociatedImages() []string { return nil }

// AssociatedImage implements Source for sources without any.
func (t *tiler) AssociatedImage(context.Context, string) (image.Image, error) { return nil, nil }

// tileRange is the number of tiles across and down at level z.
func (t *tiler) tileRange(z int) (int, int) {
	if t.projected {
		n := 1 << z
		return n, n
	}
	m := t.meta
	return geometry.TileRange(m.Levels, m.SizeX, m.SizeY, m.TileWidth, m.TileHeight, z)
}

func (t *tiler) checkFrame(frame int) error {
	if n := t.meta.FrameCount(); frame < 0 || frame >= n {
		return apperr.New(apperr.OutOfRange, "frame %d does not exist (%d frames)", frame, n)
	}
	return nil
}

func (t *tiler) checkTile(z, x, y, frame int) error {
	if z < 0 || z >= t.meta.Levels {
		return apperr.New(apperr.OutOfRange, "z=%d is outside [0, %d)", z, t.meta.Levels)
	}
	nx, ny := t.tileRange(z)
	if x < 0 || x >= nx {
		return apperr.New(apperr.OutOfRange, "x=%d is outside layer %d", x, z)
	}
	if y < 0 || y >= ny {
		return apperr.New(apperr.OutOfRange, "y=%d is outside layer %d", y, z)
	}
	return t.checkFrame(frame)
}

// Tile implements Source.
func (t *tiler) Tile(ctx context.Context, z, x, y int, opts TileOptions) (image.Image, error) {
	if err := t.checkTile(z, x, y, opts.Frame); err != nil {
		return nil, err
	}
	return t.reader.readTile(ctx, z, x, y, opts.Frame)
}

// outputSize fits a region of rw x rh base pixels into the requested
// bounds, keeping the aspect ratio. Without exact the region is never
// enlarged; exact with both sizes forces them.
func outputSize(rw, rh float64, w, h int, exact bool) (int, int) {
	if exact && w > 0 && h > 0 {
		return w, h
	}
	s := math.Inf(1)
	if w > 0 {
		s = float64(w) / rw
	}
	if h > 0 {
		s = math.Min(s, float64(h)/rh)
	}
	if math.IsInf(s, 1) || (!exact && s > 1) {
		s = 1
	}
	return max(1, int(math.Round(rw*s))), max(1, int(math.Round(rh*s)))
}

// Region implements Source.
func (t *tiler) Region(ctx context.Context, opts RegionOptions) (image.Image, error) {
	if err := t.checkFrame(opts.Frame); err != nil {
		return nil, err
	}
	if opts.Width < 0 || opts.Height < 0 {
		return nil, apperr.New(apperr.InvalidArgument, "output size must not be negative")
	}
	box, err := t.frame.Resolve(opts.Region)
	if err != nil {
		return nil, err
	}
	if box.Width() <= 0 || box.Height() <= 0 {
		return nil, apperr.New(apperr.InvalidArgument, "region is empty")
	}
	outW, outH := outputSize(box.Width(), box.Height(), opts.Width, opts.Height, opts.Exact)
	if int64(outW)*int64(outH) > t.cfg.MaxRegionPixels {
		return nil, apperr.New(apperr.ResourceExceeded, "output of %dx%d exceeds %d pixels", outW, outH, t.cfg.MaxRegionPixels)
	}

	// coarsest level that still has at least one level pixel per output pixel
	ratio := math.Min(box.Width()/float64(outW), box.Height()/float64(outH))
	z := t.meta.Levels - 1
	for scale := 2.0; z > 0 && scale <= ratio; scale *= 2 {
		z--
	}
	scale := float64(geometry.LevelScale(t.meta.Levels, z))
	level := geometry.Box{MinX: box.MinX / scale, MinY: box.MinY / scale, MaxX: box.MaxX / scale, MaxY: box.MaxY / scale}

	canvas, origin, err := t.assemble(ctx, z, level, opts.Frame)
	if err != nil {
		return nil, err
	}
	crop := image.Rect(
		int(math.Floor(level.MinX))-origin.X, int(math.Floor(level.MinY))-origin.Y,
		int(math.Ceil(level.MaxX))-origin.X, int(math.Ceil(level.MaxY))-origin.Y,
	).Intersect(canvas.Bounds())

	out := image.NewNRGBA(image.Rect(0, 0, outW, outH))
	if crop.Dx() == outW && crop.Dy() == outH {
		draw.Copy(out, image.Point{}, canvas, crop, draw.Src, nil)
	} else {
		draw.CatmullRom.Scale(out, out.Bounds(), canvas, crop, draw.Src, nil)
	}
	return out, nil
}

// assemble fetches the tiles at level z covering the level-pixel box and
// draws them on one canvas. It returns the canvas and the level pixel of
// its top-left corner.
func (t *tiler) assemble(ctx context.Context, z int, level geometry.Box, frame int) (*image.NRGBA, image.Point, error) {
	tw, th := t.meta.TileWidth, t.meta.TileHeight
	nx, ny := t.tileRange(z)
	tx0 := max(0, int(math.Floor(level.MinX/float64(tw))))
	ty0 := max(0, int(math.Floor(level.MinY/float64(th))))
	tx1 := min(nx-1, int(math.Ceil(level.MaxX/float64(tw)))-1)
	ty1 := min(ny-1, int(math.Ceil(level.MaxY/float64(th)))-1)
	if tx1 < tx0 || ty1 < ty0 {
		return nil, image.Point{}, apperr.New(apperr.InvalidArgument, "region is outside the image")
	}
	cols, rows := tx1-tx0+1, ty1-ty0+1
	if int64(cols*tw)*int64(rows*th) > t.cfg.MaxRegionPixels {
		return nil, image.Point{}, apperr.New(apperr.ResourceExceeded, "region needs %dx%d tiles at level %d", cols, rows, z)
	}
	canvas := image.NewNRGBA(image.Rect(0, 0, cols*tw, rows*th))

	ctx, cancel := context.WithTimeout(ctx, t.cfg.RegionTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.FetchConcurrency)
	for ty := ty0; ty <= ty1; ty++ {
		for tx := tx0; tx <= tx1; tx++ {
			tx, ty := tx, ty
			g.Go(func() error {
				tile, err := t.reader.readTile(gctx, z, tx, ty, frame)
				if err != nil {
					return err
				}
				at := image.Pt((tx-tx0)*tw, (ty-ty0)*th)
				// tiles cover disjoint parts of the canvas
				draw.Copy(canvas, at, tile, tile.Bounds(), draw.Src, nil)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return nil, image.Point{}, apperr.Wrap(apperr.ResourceExceeded, err, "region took longer than %s", t.cfg.RegionTimeout)
		}
		return nil, image.Point{}, err
	}
	return canvas, image.Pt(tx0*tw, ty0*th), nil
}

// Thumbnail implements Source. Projected sources thumbnail their data
// extent rather than the whole world.
func (t *tiler) Thumbnail(ctx context.Context, opts ThumbnailOptions) (image.Image, error) {
	w, h := opts.Width, opts.Height
	if (w != 0 && w < 2) || (h != 0 && h < 2) {
		return nil, apperr.New(apperr.InvalidArgument, "invalid width or height, minimum is 2")
	}
	if w == 0 && h == 0 {
		w, h = t.cfg.ThumbnailSize, t.cfg.ThumbnailSize
	}
	var region geometry.RegionRequest
	if t.projected && t.frame.ProjectedBounds != nil {
		b := *t.frame.ProjectedBounds
		region = geometry.RegionRequest{
			Left:   geometry.F(b.MinX),
			Top:    geometry.F(b.MaxY),
			Right:  geometry.F(b.MaxX),
			Bottom: geometry.F(b.MinY),
			Units:  geometry.UnitsProjection,
		}
	}
	return t.Region(ctx, RegionOptions{Region: region, Width: w, Height: h, Frame: opts.Frame})
}

// Pixel implements Source.
func (t *tiler) Pixel(ctx context.Context, opts PixelOptions) (*Pixel, error) {
	if err := t.checkFrame(opts.Frame); err != nil {
		return nil, err
	}
	pt, err := t.frame.ResolvePoint(opts.X, opts.Y, opts.Units)
	if err != nil {
		return nil, err
	}
	px, py := int(math.Floor(pt.X)), int(math.Floor(pt.Y))
	out := &Pixel{X: px, Y: py}
	if px < 0 || py < 0 || px >= t.meta.SizeX || py >= t.meta.SizeY {
		return out, nil
	}
	tw, th := t.meta.TileWidth, t.meta.TileHeight
	tx, ty := px/tw, py/th
	tile, err := t.reader.readTile(ctx, t.meta.Levels-1, tx, ty, opts.Frame)
	if err != nil {
		return nil, err
	}
	c := tile.NRGBAAt(px-tx*tw, py-ty*th)
	out.Channels = []uint8{c.R, c.G, c.B, c.A}
	if br, ok := t.reader.(bandReader); ok {
		bands, err := br.readBands(ctx, pt, opts.Frame)
		if err != nil {
			return nil, err
		}
		out.Bands = bands
	}
	return out, nil
}

// pixelTileOrigin returns the top-left base pixel of tile (z, x, y) of a
// non-projected source and the base pixels per tile pixel.
func (t *tiler) pixelTileOrigin(z, x, y int) (int, int, int) {
	m := t.meta
	corners := geometry.PixelTileCorners(m.Levels, m.SizeY, m.TileWidth, m.TileHeight, z, x, y)
	top := geometry.MapToPixelY(m.SizeY, corners.MaxY)
	return int(corners.MinX), int(top), geometry.LevelScale(m.Levels, z)
}

func (t *tiler) emptyTile() *image.NRGBA {
	return image.NewNRGBA(image.Rect(0, 0, t.meta.TileWidth, t.meta.TileHeight))
}
