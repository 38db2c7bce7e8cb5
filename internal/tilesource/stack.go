package tilesource

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sort"
	"sync"

	"github.com/large-image/server/internal/apperr"
	"github.com/large-image/server/internal/blobstore"
	"github.com/large-image/server/internal/data/zarr"
	"github.com/large-image/server/internal/geometry"
)

// StackBackend serves multi-frame microscopy stacks stored as Zarr
// pyramids with t, c and z iteration axes.
type StackBackend struct {
	blobs *blobstore.Store
	cfg   Config
}

// NewStackBackend creates the stack backend.
func NewStackBackend(blobs *blobstore.Store, cfg Config) *StackBackend {
	return &StackBackend{blobs: blobs, cfg: cfg.withDefaults()}
}

// Name implements Backend.
func (b *StackBackend) Name() string { return "zarr" }

// SupportsProjection implements Backend.
func (b *StackBackend) SupportsProjection() bool { return false }

// CanDecode implements Backend.
func (b *StackBackend) CanDecode(ctx context.Context, f *File) bool {
	g, err := openZarr(ctx, b.blobs, f)
	if err != nil {
		return false
	}
	return g.HasAttribute(AttrMultiscales) && !g.HasAttribute(AttrGeo)
}

// Open implements Backend.
func (b *StackBackend) Open(ctx context.Context, f *File, params OpenParams) (Source, error) {
	g, err := openZarr(ctx, b.blobs, f)
	if err != nil {
		return nil, err
	}
	ms, arrays, err := openPyramid(ctx, g)
	if err != nil {
		return nil, err
	}
	var attrs StackAttrs
	if _, err := g.Attribute(AttrLargeImage, &attrs); err != nil {
		return nil, apperr.Wrap(apperr.UnsupportedFormat, err, "invalid stack attributes")
	}
	axes, err := axisNames(ms, len(arrays[0].Shape()))
	if err != nil {
		return nil, apperr.Wrap(apperr.UnsupportedFormat, err, "invalid axes")
	}
	s := &stackSource{group: g, arrays: arrays, axes: axes, attrs: attrs}
	s.xAxis, s.yAxis, s.sAxis = axisIndex(axes, "x"), axisIndex(axes, "y"), axisIndex(axes, "s")
	if s.xAxis < 0 || s.yAxis < 0 {
		return nil, apperr.New(apperr.UnsupportedFormat, "stack %s has no x and y axes", f.Name)
	}
	for i := range axes {
		if i != s.xAxis && i != s.yAxis && i != s.sAxis {
			s.iterAxes = append(s.iterAxes, i)
		}
	}
	// the alphabetically first iteration axis varies fastest
	sort.Slice(s.iterAxes, func(i, j int) bool { return axes[s.iterAxes[i]] < axes[s.iterAxes[j]] })

	shape := arrays[0].Shape()
	ts := params.TileSize
	if ts <= 0 {
		ts = b.cfg.TileSize
	}
	sizeX, sizeY := shape[s.xAxis], shape[s.yAxis]
	levels := geometry.Levels(sizeX, sizeY, ts, ts)
	meta := &Metadata{
		Backend:      b.Name(),
		Levels:       levels,
		SizeX:        sizeX,
		SizeY:        sizeY,
		TileWidth:    ts,
		TileHeight:   ts,
		SourceLevels: levels,
		SourceSizeX:  sizeX,
		SourceSizeY:  sizeY,
		Channels:     attrs.Channels,
		Frames:       s.frames(),
	}
	if len(attrs.PixelMicrons) > 0 && attrs.PixelMicrons[0] > 0 {
		mmX := attrs.PixelMicrons[0] * 0.001
		mmY := mmX
		if len(attrs.PixelMicrons) > 1 && attrs.PixelMicrons[1] > 0 {
			mmY = attrs.PixelMicrons[1] * 0.001
		}
		mag := 0.01 / mmX
		meta.MMX, meta.MMY, meta.Magnification = &mmX, &mmY, &mag
	}
	s.tiler = tiler{
		meta:   meta,
		cfg:    b.cfg,
		frame:  geometry.RegionFrame{SizeX: sizeX, SizeY: sizeY},
		reader: s,
	}
	return s, nil
}

// stackSource reads frames of a stack. Reads are serialized per instance.
type stackSource struct {
	tiler
	group    *zarr.Group
	arrays   []*zarr.Array
	axes     []string
	iterAxes []int
	xAxis    int
	yAxis    int
	sAxis    int
	attrs    StackAttrs

	mu sync.Mutex
}

// frameIndex returns the coordinate of each iteration axis for a frame.
func (s *stackSource) frameIndex(frame int) map[int]int {
	shape := s.arrays[0].Shape()
	idx := make(map[int]int, len(s.iterAxes))
	for _, a := range s.iterAxes {
		idx[a] = frame % shape[a]
		frame /= shape[a]
	}
	return idx
}

func (s *stackSource) frames() []Frame {
	if len(s.iterAxes) == 0 {
		return nil
	}
	shape := s.arrays[0].Shape()
	n := 1
	for _, a := range s.iterAxes {
		n *= shape[a]
	}
	frames := make([]Frame, n)
	for f := range frames {
		fr := Frame{Frame: f}
		idx := s.frameIndex(f)
		// Index counts frames without the channel axis
		mul := 1
		for _, a := range s.iterAxes {
			v := idx[a]
			switch s.axes[a] {
			case "c":
				fr.TheC = &v
				continue
			case "t":
				fr.TheT = &v
			case "z":
				fr.TheZ = &v
				if v < len(s.attrs.ZCoordinates) {
					pos := s.attrs.ZCoordinates[v]
					fr.PositionZ = &pos
				}
			}
			fr.Index += v * mul
			mul *= shape[a]
		}
		frames[f] = fr
	}
	return frames
}

// selection builds start/stop/step for a window of the dataset.
func (s *stackSource) selection(frame, x0, y0, x1, y1, step int, shape []int) ([]int, []int, []int) {
	start := make([]int, len(shape))
	stop := make([]int, len(shape))
	steps := make([]int, len(shape))
	idx := s.frameIndex(frame)
	for d := range shape {
		steps[d] = 1
		switch d {
		case s.xAxis:
			start[d], stop[d], steps[d] = x0, x1, step
		case s.yAxis:
			start[d], stop[d], steps[d] = y0, y1, step
		case s.sAxis:
			start[d], stop[d] = 0, shape[d]
		default:
			start[d], stop[d] = idx[d], idx[d]+1
		}
	}
	return start, stop, steps
}

func (s *stackSource) readTile(ctx context.Context, z, x, y, frame int) (*image.NRGBA, error) {
	left, top, scale := s.pixelTileOrigin(z, x, y)
	d, step := datasetFor(scale, len(s.arrays))
	arr := s.arrays[d]
	shape := arr.Shape()
	x0, y0 := left>>d, top>>d
	tile := s.emptyTile()
	if x0 >= shape[s.xAxis] || y0 >= shape[s.yAxis] {
		return tile, nil
	}
	start, stop, steps := s.selection(frame, x0, y0, x0+s.meta.TileWidth*step, y0+s.meta.TileHeight*step, step, shape)

	s.mu.Lock()
	values, outShape, err := arr.Read(ctx, start, stop, steps)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %d/%d/%d: %w", z, x, y, err)
	}
	s.paint(tile, values, outShape, to8Bit(arr.DataType()))
	return tile, nil
}

// paint copies a (.., y, .., x, .., s) selection into img.
func (s *stackSource) paint(img *image.NRGBA, values []float64, shape []int, conv func(float64) uint8) {
	st := stridesOf(shape)
	ns := 1
	if s.sAxis >= 0 {
		ns = shape[s.sAxis]
	}
	sample := func(i, j, k int) uint8 {
		off := j*st[s.yAxis] + i*st[s.xAxis]
		if s.sAxis >= 0 {
			off += k * st[s.sAxis]
		}
		return conv(values[off])
	}
	b := img.Bounds()
	for j := 0; j < shape[s.yAxis] && j < b.Dy(); j++ {
		for i := 0; i < shape[s.xAxis] && i < b.Dx(); i++ {
			var c color.NRGBA
			switch {
			case ns >= 4:
				c = color.NRGBA{sample(i, j, 0), sample(i, j, 1), sample(i, j, 2), sample(i, j, 3)}
			case ns == 3:
				c = color.NRGBA{sample(i, j, 0), sample(i, j, 1), sample(i, j, 2), 255}
			case ns == 2:
				g := sample(i, j, 0)
				c = color.NRGBA{g, g, g, sample(i, j, 1)}
			default:
				g := sample(i, j, 0)
				c = color.NRGBA{g, g, g, 255}
			}
			img.SetNRGBA(i, j, c)
		}
	}
}

func stridesOf(shape []int) []int {
	st := make([]int, len(shape))
	acc := 1
	for d := len(shape) - 1; d >= 0; d-- {
		st[d] = acc
		acc *= shape[d]
	}
	return st
}

func (s *stackSource) readBands(ctx context.Context, p geometry.Point, frame int) (map[int]float64, error) {
	arr := s.arrays[0]
	px, py := int(p.X), int(p.Y)
	start, stop, steps := s.selection(frame, px, py, px+1, py+1, 1, arr.Shape())
	s.mu.Lock()
	values, _, err := arr.Read(ctx, start, stop, steps)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to read pixel: %w", err)
	}
	bands := make(map[int]float64, len(values))
	for i, v := range values {
		bands[i+1] = v
	}
	return bands, nil
}

// AssociatedImages implements Source.
func (s *stackSource) AssociatedImages() []string {
	names := make([]string, 0, len(s.attrs.Associated))
	for k := range s.attrs.Associated {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// AssociatedImage implements Source. Associated arrays are (y, x) or
// (y, x, s).
func (s *stackSource) AssociatedImage(ctx context.Context, key string) (image.Image, error) {
	path, ok := s.attrs.Associated[key]
	if !ok {
		return nil, nil
	}
	arr, err := s.group.Array(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open associated image %s: %w", key, err)
	}
	shape := arr.Shape()
	if len(shape) < 2 || len(shape) > 3 {
		return nil, apperr.New(apperr.UnsupportedFormat, "associated image %s has rank %d", key, len(shape))
	}
	start := make([]int, len(shape))
	steps := make([]int, len(shape))
	for d := range steps {
		steps[d] = 1
	}
	s.mu.Lock()
	values, outShape, err := arr.Read(ctx, start, shape, steps)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to read associated image %s: %w", key, err)
	}
	img := image.NewNRGBA(image.Rect(0, 0, shape[1], shape[0]))
	view := &stackSource{xAxis: 1, yAxis: 0, sAxis: -1}
	if len(shape) == 3 {
		view.sAxis = 2
	}
	view.paint(img, values, outShape, to8Bit(arr.DataType()))
	return img, nil
}

// Close implements Source.
func (s *stackSource) Close() error { return nil }
