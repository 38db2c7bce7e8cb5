package tilesource

import (
	"context"
	"fmt"
	"image"
	"log"
	"math"

	"github.com/large-image/server/internal/apperr"
	"github.com/large-image/server/internal/blobstore"
	"github.com/large-image/server/internal/data/zarr"
	"github.com/large-image/server/internal/geometry"
	"github.com/large-image/server/internal/render"
)

// pixelOverscan is the number of extra source pixels read around the
// window of a non-projected tile. Bilinear samples at the tile edge reach
// into this ring.
const pixelOverscan = 1

// GeoBackend serves georeferenced rasters, optionally reprojected.
type GeoBackend struct {
	blobs *blobstore.Store
	cfg   Config
}

// NewGeoBackend creates the geospatial backend.
func NewGeoBackend(blobs *blobstore.Store, cfg Config) *GeoBackend {
	return &GeoBackend{blobs: blobs, cfg: cfg.withDefaults()}
}

// Name implements Backend.
func (b *GeoBackend) Name() string { return "geo" }

// SupportsProjection implements Backend.
func (b *GeoBackend) SupportsProjection() bool { return true }

// CanDecode implements Backend.
func (b *GeoBackend) CanDecode(ctx context.Context, f *File) bool {
	g, err := openZarr(ctx, b.blobs, f)
	if err != nil {
		return false
	}
	var attrs GeoAttrs
	ok, err := g.Attribute(AttrGeo, &attrs)
	return ok && err == nil && attrs.CRS != "" && len(attrs.GeoTransform) == 6
}

// Open implements Backend.
func (b *GeoBackend) Open(ctx context.Context, f *File, params OpenParams) (Source, error) {
	g, err := openZarr(ctx, b.blobs, f)
	if err != nil {
		return nil, err
	}
	_, arrays, err := openPyramid(ctx, g)
	if err != nil {
		return nil, err
	}
	var attrs GeoAttrs
	if ok, err := g.Attribute(AttrGeo, &attrs); err != nil || !ok || len(attrs.GeoTransform) != 6 {
		return nil, apperr.New(apperr.UnsupportedFormat, "%s is not georeferenced", f.Name)
	}
	native, err := geometry.ParseProjection(attrs.CRS)
	if err != nil {
		return nil, apperr.Wrap(apperr.UnsupportedFormat, err, "unsupported crs")
	}
	shape := arrays[0].Shape()
	if len(shape) != 3 {
		return nil, apperr.New(apperr.UnsupportedFormat, "geo arrays must be (band, y, x), got rank %d", len(shape))
	}
	style, err := ParseStyle(params.Style)
	if err != nil {
		return nil, err
	}

	s := &geoSource{arrays: arrays, native: native, nbands: shape[0]}
	copy(s.gt[:], attrs.GeoTransform)
	sizeX, sizeY := shape[2], shape[1]
	s.bands = make(map[int]BandInfo, s.nbands)
	for i := 0; i < s.nbands; i++ {
		if i < len(attrs.Bands) {
			s.bands[i+1] = attrs.Bands[i]
		} else {
			s.bands[i+1] = BandInfo{}
		}
	}
	if err := s.fillBandStats(ctx); err != nil {
		return nil, err
	}
	if s.layers, err = resolveLayers(style, s.bands); err != nil {
		return nil, err
	}

	ts := params.TileSize
	if ts <= 0 {
		ts = b.cfg.TileSize
	}
	sourceBounds, err := geometry.RasterBounds(s.gt, sizeX, sizeY, native, nil)
	if err != nil {
		return nil, err
	}
	meta := &Metadata{
		Backend:      b.Name(),
		Geospatial:   true,
		TileWidth:    ts,
		TileHeight:   ts,
		SourceLevels: geometry.Levels(sizeX, sizeY, ts, ts),
		SourceSizeX:  sizeX,
		SourceSizeY:  sizeY,
		SourceBounds: &sourceBounds,
		Bands:        s.bands,
	}
	frame := geometry.RegionFrame{Native: native, GeoTransform: &s.gt}
	var mmX float64
	if params.Projection == "" {
		meta.Levels = meta.SourceLevels
		meta.SizeX, meta.SizeY = sizeX, sizeY
		meta.Bounds = &sourceBounds
		frame.SizeX, frame.SizeY = sizeX, sizeY
		if size, err := geometry.PixelSizeMeters(s.gt, sizeX, sizeY, native); err == nil {
			mmX = size * 1000
		}
	} else {
		proj, err := geometry.ParseProjection(params.Projection)
		if err != nil {
			return nil, err
		}
		units, err := geometry.UnitsAcrossLevel0(proj, params.UnitsPerPixel, ts)
		if err != nil {
			return nil, err
		}
		pixelSize := params.UnitsPerPixel
		if pixelSize <= 0 {
			if pixelSize, err = geometry.PixelSizeMeters(s.gt, sizeX, sizeY, native); err != nil {
				return nil, err
			}
		}
		bounds, err := geometry.RasterBounds(s.gt, sizeX, sizeY, native, proj)
		if err != nil {
			return nil, err
		}
		meta.Levels = geometry.ProjectedLevels(units, pixelSize, ts)
		meta.SizeX = ts << (meta.Levels - 1)
		meta.SizeY = meta.SizeX
		meta.Projection = proj.String()
		meta.Bounds = &bounds
		box := bounds.Box()
		frame.SizeX, frame.SizeY = meta.SizeX, meta.SizeY
		frame.Projection = proj
		frame.UnitsAcrossLevel0 = units
		frame.ProjectedBounds = &box
		s.proj = proj
		mmX = units / float64(meta.SizeX) * 1000
	}
	if mmX > 0 {
		mag := 0.01 / mmX
		mmY := mmX
		meta.MMX, meta.MMY, meta.Magnification = &mmX, &mmY, &mag
	}
	s.tiler = tiler{meta: meta, cfg: b.cfg, frame: frame, projected: s.proj != nil, reader: s}
	log.Printf("[TileSource] geo source %s: %d bands, %d layers, projection %q", f.Name, s.nbands, len(s.layers), meta.Projection)
	return s, nil
}

// geoSource renders style layers of a (band, y, x) raster.
type geoSource struct {
	tiler
	arrays []*zarr.Array
	nbands int
	bands  map[int]BandInfo
	layers []layer
	native *geometry.Projection
	gt     geometry.GeoTransform
	// proj is nil for sources tiled in native pixels.
	proj *geometry.Projection
}

// fillBandStats computes missing band statistics from the coarsest
// dataset.
func (s *geoSource) fillBandStats(ctx context.Context) error {
	missing := false
	for _, info := range s.bands {
		if info.Min == nil || info.Max == nil {
			missing = true
		}
	}
	if !missing {
		return nil
	}
	arr := s.arrays[len(s.arrays)-1]
	shape := arr.Shape()
	values, _, err := arr.Read(ctx, []int{0, 0, 0}, shape, []int{1, 1, 1})
	if err != nil {
		return fmt.Errorf("failed to compute band statistics: %w", err)
	}
	n := shape[1] * shape[2]
	for b := 1; b <= s.nbands; b++ {
		info := s.bands[b]
		if info.Min != nil && info.Max != nil {
			continue
		}
		lo, hi, sum, sq, count := math.Inf(1), math.Inf(-1), 0.0, 0.0, 0
		for _, v := range values[(b-1)*n : b*n] {
			if math.IsNaN(v) || (info.Nodata != nil && v == *info.Nodata) {
				continue
			}
			lo, hi = math.Min(lo, v), math.Max(hi, v)
			sum += v
			sq += v * v
			count++
		}
		if count == 0 {
			continue
		}
		mean := sum / float64(count)
		stdev := math.Sqrt(math.Max(0, sq/float64(count)-mean*mean))
		info.Min, info.Max, info.Mean, info.Stdev = &lo, &hi, &mean, &stdev
		s.bands[b] = info
	}
	return nil
}

// readTile computes the native pixel under every output pixel centre and
// renders the style layers there.
func (s *geoSource) readTile(ctx context.Context, z, x, y, frame int) (*image.NRGBA, error) {
	tw, th := s.meta.TileWidth, s.meta.TileHeight
	coords := make([]geometry.Point, tw*th)
	valid := make([]bool, tw*th)
	overscan := 0
	if s.proj == nil {
		left, top, scale := s.pixelTileOrigin(z, x, y)
		for j := 0; j < th; j++ {
			for i := 0; i < tw; i++ {
				k := j*tw + i
				coords[k] = geometry.Point{X: float64(left) + (float64(i)+0.5)*float64(scale), Y: float64(top) + (float64(j)+0.5)*float64(scale)}
				valid[k] = true
			}
		}
		overscan = pixelOverscan
	} else {
		box := geometry.ProjectedTileCorners(s.frame.UnitsAcrossLevel0, s.frame.Origin, z, x, y)
		dx, dy := box.Width()/float64(tw), box.Height()/float64(th)
		for j := 0; j < th; j++ {
			py := box.MaxY - (float64(j)+0.5)*dy
			for i := 0; i < tw; i++ {
				px := box.MinX + (float64(i)+0.5)*dx
				p, err := geometry.ToNativePixel(s.proj, s.native, s.gt, px, py, false)
				k := j*tw + i
				if err == nil {
					coords[k], valid[k] = p, true
				}
			}
		}
	}
	return s.renderNative(ctx, coords, valid, overscan)
}

// renderNative samples the raster at native pixel coordinates, reading the
// smallest window of the best-matching dataset.
func (s *geoSource) renderNative(ctx context.Context, coords []geometry.Point, valid []bool, overscan int) (*image.NRGBA, error) {
	tw, th := s.meta.TileWidth, s.meta.TileHeight
	sizeX, sizeY := float64(s.meta.SourceSizeX), float64(s.meta.SourceSizeY)
	tile := s.emptyTile()

	minX, minY, maxX, maxY := math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)
	for k, p := range coords {
		if !valid[k] {
			continue
		}
		if p.X < 0 || p.Y < 0 || p.X >= sizeX || p.Y >= sizeY {
			valid[k] = false
			continue
		}
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	if math.IsInf(minX, 1) {
		return tile, nil
	}

	// native pixels per output pixel picks the dataset
	span := math.Max(1, sampleSpan(coords, valid, tw, th))
	d, _ := datasetFor(int(span), len(s.arrays))
	ds := float64(int(1) << d)
	arr := s.arrays[d]
	shape := arr.Shape()
	wx0 := max(0, int(math.Floor(minX/ds))-overscan)
	wy0 := max(0, int(math.Floor(minY/ds))-overscan)
	wx1 := min(shape[2], int(math.Floor(maxX/ds))+1+overscan)
	wy1 := min(shape[1], int(math.Floor(maxY/ds))+1+overscan)
	if wx1 <= wx0 || wy1 <= wy0 {
		return tile, nil
	}
	if int64(wx1-wx0)*int64(wy1-wy0) > s.cfg.MaxRegionPixels {
		return nil, apperr.New(apperr.ResourceExceeded, "tile needs a %dx%d source window", wx1-wx0, wy1-wy0)
	}
	values, outShape, err := arr.Read(ctx, []int{0, wy0, wx0}, []int{s.nbands, wy1, wx1}, []int{1, 1, 1})
	if err != nil {
		return nil, fmt.Errorf("failed to read raster window: %w", err)
	}
	ww, wh := outShape[2], outShape[1]
	plane := ww * wh
	offsets := make([]int, len(coords))
	var blend []bilinear
	if overscan > 0 {
		blend = make([]bilinear, len(coords))
	}
	for k, p := range coords {
		if !valid[k] {
			continue
		}
		xx := min(ww-1, max(0, int(p.X/ds)-wx0))
		yy := min(wh-1, max(0, int(p.Y/ds)-wy0))
		offsets[k] = yy*ww + xx
		if blend != nil {
			blend[k] = bilinearAt(p.X/ds-float64(wx0)-0.5, p.Y/ds-float64(wy0)-0.5, ww, wh)
		}
	}
	sample := func(band, k int, nodata *float64, nearest bool) float64 {
		vals := values[band*plane : (band+1)*plane]
		if blend != nil && !nearest {
			if v, ok := blend[k].value(vals, nodata); ok {
				return v
			}
		}
		return vals[offsets[k]]
	}

	bandValues := make([]float64, s.nbands)
	for i := range s.layers {
		l := &s.layers[i]
		li := image.NewNRGBA(tile.Bounds())
		for k := range coords {
			if !valid[k] {
				continue
			}
			if l.truecolor {
				for b := range bandValues {
					bandValues[b] = sample(b, k, l.nodata, false)
				}
				if c, ok := l.truecolorPixel(bandValues); ok {
					li.SetNRGBA(k%tw, k/tw, c)
				}
				continue
			}
			if c, ok := l.colorize(sample(l.band-1, k, l.nodata, l.nearest)); ok {
				li.SetNRGBA(k%tw, k/tw, c)
			}
		}
		render.Composite(tile, li, l.op)
	}
	return tile, ctx.Err()
}

// bilinear holds the window offsets and weights of the four source pixels
// around a sample point.
type bilinear struct {
	off [4]int
	w   [4]float64
}

// bilinearAt locates a sample given in window pixel-centre coordinates.
// Neighbours outside the window are clamped to its edge.
func bilinearAt(fx, fy float64, ww, wh int) bilinear {
	x0, y0 := math.Floor(fx), math.Floor(fy)
	tx, ty := fx-x0, fy-y0
	ix0, ix1 := min(ww-1, max(0, int(x0))), min(ww-1, max(0, int(x0)+1))
	iy0, iy1 := min(wh-1, max(0, int(y0))), min(wh-1, max(0, int(y0)+1))
	return bilinear{
		off: [4]int{iy0*ww + ix0, iy0*ww + ix1, iy1*ww + ix0, iy1*ww + ix1},
		w:   [4]float64{(1 - tx) * (1 - ty), tx * (1 - ty), (1 - tx) * ty, tx * ty},
	}
}

// value interpolates one band plane. It fails when a contributing
// neighbour is NaN or nodata.
func (b *bilinear) value(plane []float64, nodata *float64) (float64, bool) {
	v := 0.0
	for i, off := range b.off {
		if b.w[i] == 0 {
			continue
		}
		x := plane[off]
		if math.IsNaN(x) || (nodata != nil && x == *nodata) {
			return 0, false
		}
		v += b.w[i] * x
	}
	return v, true
}

// sampleSpan estimates the native pixel distance between neighbouring
// output pixels near the centre of the tile.
func sampleSpan(coords []geometry.Point, valid []bool, tw, th int) float64 {
	best := 0.0
	for j := 0; j < th; j++ {
		for i := 0; i+1 < tw; i++ {
			k := j*tw + i
			if valid[k] && valid[k+1] {
				dx, dy := coords[k+1].X-coords[k].X, coords[k+1].Y-coords[k].Y
				best = math.Max(best, math.Hypot(dx, dy))
			}
		}
		if best > 0 {
			break
		}
	}
	return best
}

// readBands returns raw band values at a base pixel. Points outside the
// raster yield no values.
func (s *geoSource) readBands(ctx context.Context, p geometry.Point, _ int) (map[int]float64, error) {
	nx, ny := p.X, p.Y
	if s.proj != nil {
		u := s.frame.UnitsAcrossLevel0
		projX := s.frame.Origin.X + (p.X/float64(s.meta.SizeX)-0.5)*u
		projY := s.frame.Origin.Y + (0.5-p.Y/float64(s.meta.SizeY))*u
		np, err := geometry.ToNativePixel(s.proj, s.native, s.gt, projX, projY, false)
		if err != nil {
			return nil, nil
		}
		nx, ny = np.X, np.Y
	}
	ix, iy := int(math.Floor(nx)), int(math.Floor(ny))
	if ix < 0 || iy < 0 || ix >= s.meta.SourceSizeX || iy >= s.meta.SourceSizeY {
		return nil, nil
	}
	values, _, err := s.arrays[0].Read(ctx, []int{0, iy, ix}, []int{s.nbands, iy + 1, ix + 1}, []int{1, 1, 1})
	if err != nil {
		return nil, fmt.Errorf("failed to read pixel: %w", err)
	}
	bands := make(map[int]float64, len(values))
	for i, v := range values {
		bands[i+1] = v
	}
	return bands, nil
}

// Close implements Source.
func (s *geoSource) Close() error { return nil }
