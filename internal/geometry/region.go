package geometry

import (
	"math"
	"strings"

	"github.com/large-image/server/internal/apperr"
)

// Region units understood by Resolve besides external projection strings.
const (
	UnitsBasePixels = "base_pixels"
	UnitsFraction   = "fraction"
	UnitsProjection = "projection"
)

// RegionRequest is a partially specified rectangle. Any subset of the edges
// and sizes may be set; unset values are nil.
type RegionRequest struct {
	Left    *float64 `json:"left,omitempty"`
	Top     *float64 `json:"top,omitempty"`
	Right   *float64 `json:"right,omitempty"`
	Bottom  *float64 `json:"bottom,omitempty"`
	Width   *float64 `json:"width,omitempty"`
	Height  *float64 `json:"height,omitempty"`
	Units   string   `json:"units,omitempty"`
	UnitsWH string   `json:"unitsWH,omitempty"`
}

// RegionFrame describes the coordinate systems of a source so region
// requests can be mapped to base pixels.
type RegionFrame struct {
	// SizeX and SizeY are the base pixel size of the tiled world.
	SizeX int
	SizeY int

	// Projection is set for sources tiled in a projection.
	Projection        *Projection
	UnitsAcrossLevel0 float64
	Origin            Point
	// ProjectedBounds is the data extent in Projection units.
	ProjectedBounds *Box

	// Native and GeoTransform georeference non-projected sources.
	Native       *Projection
	GeoTransform *GeoTransform
}

// F returns a pointer to v, for building requests.
func F(v float64) *float64 { return &v }

func normalizeUnits(u string) string {
	l := strings.ToLower(strings.TrimSpace(u))
	switch l {
	case "", "base_pixels", "base", "pixel", "pixels":
		return UnitsBasePixels
	case "fraction", "projection":
		return l
	case "proj":
		return UnitsProjection
	}
	if alias, ok := UnitAliases[l]; ok {
		return alias
	}
	return strings.TrimSpace(u)
}

// Resolve converts r into a base-pixel box with MinY as the top row. The
// result is clamped to the world and ordered so Min <= Max.
func (f RegionFrame) Resolve(r RegionRequest) (Box, error) {
	units := normalizeUnits(r.Units)
	unitsWH := units
	if r.UnitsWH != "" {
		unitsWH = normalizeUnits(r.UnitsWH)
	}
	left, top, right, bottom := r.Left, r.Top, r.Right, r.Bottom
	// sizes either apply in the region units or, when unitsWH differs, in
	// base pixels after conversion
	var width, height, pxWidth, pxHeight *float64
	switch {
	case unitsWH == units:
		width, height = r.Width, r.Height
	case unitsWH == UnitsBasePixels:
		pxWidth, pxHeight = r.Width, r.Height
	default:
		return Box{}, apperr.New(apperr.InvalidArgument, "width and height units must match region units or be base_pixels")
	}

	if IsProjectionString(units) {
		proj, err := ParseProjection(units)
		if err != nil {
			return Box{}, err
		}
		left, top, right, bottom, units, err = f.convertExternal(proj, left, top, right, bottom, width, height)
		if err != nil {
			return Box{}, err
		}
		width, height = nil, nil
	}

	var box Box
	switch units {
	case UnitsBasePixels:
		l, t, rr, b := fillEdges(left, top, right, bottom, width, height, 0, 0, float64(f.SizeX), float64(f.SizeY), false)
		box = Box{MinX: l, MinY: t, MaxX: rr, MaxY: b}
	case UnitsFraction:
		l, t, rr, b := fillEdges(left, top, right, bottom, width, height, 0, 0, 1, 1, false)
		box = Box{MinX: l * float64(f.SizeX), MinY: t * float64(f.SizeY), MaxX: rr * float64(f.SizeX), MaxY: b * float64(f.SizeY)}
	case UnitsProjection:
		if f.Projection == nil {
			return Box{}, apperr.New(apperr.InvalidArgument, "projection units require a projected source")
		}
		ext := f.worldBox()
		l, t, rr, b := fillEdges(left, top, right, bottom, width, height, ext.MinX, ext.MaxY, ext.MaxX, ext.MinY, true)
		box = f.projectedToPixels(l, t, rr, b)
	default:
		return Box{}, apperr.New(apperr.InvalidArgument, "unknown units %q", r.Units)
	}
	box = order(box)
	if pxWidth != nil {
		if r.Left == nil && r.Right != nil {
			box.MinX = box.MaxX - *pxWidth
		} else {
			box.MaxX = box.MinX + *pxWidth
		}
	}
	if pxHeight != nil {
		if r.Top == nil && r.Bottom != nil {
			box.MinY = box.MaxY - *pxHeight
		} else {
			box.MaxY = box.MinY + *pxHeight
		}
	}
	return f.clamp(order(box)), nil
}

// convertExternal maps edges given in an external projection to the
// frame's projection units, or to base pixels for sources tiled in pixel
// space. Edges that were not given stay nil.
func (f RegionFrame) convertExternal(proj *Projection, left, top, right, bottom, width, height *float64) (l, t, r, b *float64, units string, err error) {
	if left == nil && right != nil && width != nil {
		left = F(*right - *width)
	}
	if right == nil && left != nil && width != nil {
		right = F(*left + *width)
	}
	if top == nil && bottom != nil && height != nil {
		top = F(*bottom - *height)
	}
	if bottom == nil && top != nil && height != nil {
		bottom = F(*top + *height)
	}
	if left == nil && right == nil {
		return nil, nil, nil, nil, "", apperr.New(apperr.InvalidArgument, "either left or right must be specified")
	}
	if top == nil && bottom == nil {
		return nil, nil, nil, nil, "", apperr.New(apperr.InvalidArgument, "either top or bottom must be specified")
	}
	pick := func(a, b *float64) float64 {
		if a != nil {
			return *a
		}
		return *b
	}
	p0, err := f.toFrameUnits(proj, pick(left, right), pick(top, bottom))
	if err != nil {
		return nil, nil, nil, nil, "", err
	}
	p1, err := f.toFrameUnits(proj, pick(right, left), pick(bottom, top))
	if err != nil {
		return nil, nil, nil, nil, "", err
	}
	if left != nil {
		l = F(p0.X)
	}
	if top != nil {
		t = F(p0.Y)
	}
	if right != nil {
		r = F(p1.X)
	}
	if bottom != nil {
		b = F(p1.Y)
	}
	units = UnitsBasePixels
	if f.Projection != nil {
		units = UnitsProjection
	}
	return l, t, r, b, units, nil
}

// toFrameUnits converts a coordinate to the tiling projection, or to native
// pixels when the source is tiled in pixel space.
func (f RegionFrame) toFrameUnits(proj *Projection, x, y float64) (Point, error) {
	if f.Projection != nil {
		px, py, err := Transform(proj, f.Projection, x, y)
		if err != nil {
			return Point{}, err
		}
		return Point{X: px, Y: py}, nil
	}
	if f.Native == nil || f.GeoTransform == nil {
		return Point{}, apperr.New(apperr.InvalidArgument, "units %s require a georeferenced source", proj)
	}
	return ToNativePixel(proj, f.Native, *f.GeoTransform, x, y, true)
}

// ResolvePoint converts a single coordinate in the given units to base
// pixels without clamping.
func (f RegionFrame) ResolvePoint(x, y float64, units string) (Point, error) {
	switch u := normalizeUnits(units); u {
	case UnitsBasePixels:
		return Point{X: x, Y: y}, nil
	case UnitsFraction:
		return Point{X: x * float64(f.SizeX), Y: y * float64(f.SizeY)}, nil
	case UnitsProjection:
		if f.Projection == nil {
			return Point{}, apperr.New(apperr.InvalidArgument, "projection units require a projected source")
		}
		b := f.projectedToPixels(x, y, x, y)
		return Point{X: b.MinX, Y: b.MinY}, nil
	default:
		proj, err := ParseProjection(u)
		if err != nil {
			return Point{}, err
		}
		p, err := f.toFrameUnits(proj, x, y)
		if err != nil || f.Projection == nil {
			return p, err
		}
		b := f.projectedToPixels(p.X, p.Y, p.X, p.Y)
		return Point{X: b.MinX, Y: b.MinY}, nil
	}
}

// fillEdges completes the edges from the sizes. When yUp is set, top is the
// larger coordinate and heights extend downward by subtraction.
func fillEdges(left, top, right, bottom, width, height *float64, defL, defT, defR, defB float64, yUp bool) (float64, float64, float64, float64) {
	l, r := fillPair(left, right, width, defL, defR, false)
	t, b := fillPair(top, bottom, height, defT, defB, yUp)
	return l, t, r, b
}

func fillPair(lo, hi, size *float64, defLo, defHi float64, inverted bool) (float64, float64) {
	sign := 1.0
	if inverted {
		sign = -1
	}
	switch {
	case lo != nil && hi != nil:
		return *lo, *hi
	case lo != nil && size != nil:
		return *lo, *lo + sign**size
	case hi != nil && size != nil:
		return *hi - sign**size, *hi
	case lo != nil:
		return *lo, defHi
	case hi != nil:
		return defLo, *hi
	case size != nil:
		return defLo, defLo + sign**size
	}
	return defLo, defHi
}

func (f RegionFrame) worldBox() Box {
	if f.ProjectedBounds != nil {
		return *f.ProjectedBounds
	}
	half := f.UnitsAcrossLevel0 / 2
	return Box{MinX: f.Origin.X - half, MinY: f.Origin.Y - half, MaxX: f.Origin.X + half, MaxY: f.Origin.Y + half}
}

// projectedToPixels maps projection-unit edges to base pixels.
func (f RegionFrame) projectedToPixels(left, top, right, bottom float64) Box {
	u := f.UnitsAcrossLevel0
	xScale, yScale := float64(f.SizeX), float64(f.SizeY)
	nl := (left - f.Origin.X) / u
	nr := (right - f.Origin.X) / u
	nt := (top - f.Origin.Y) / u
	nb := (bottom - f.Origin.Y) / u
	return Box{
		MinX: (0.5 + nl) * xScale,
		MaxX: (0.5 + nr) * xScale,
		MinY: (0.5 - nt) * yScale,
		MaxY: (0.5 - nb) * yScale,
	}
}

// ToNativePixel converts a coordinate in proj to a native pixel coordinate of
// a raster georeferenced by native and gt.
func ToNativePixel(proj, native *Projection, gt GeoTransform, x, y float64, round bool) (Point, error) {
	nx, ny, err := Transform(proj, native, x, y)
	if err != nil {
		return Point{}, err
	}
	px, py, err := gt.ToPixel(nx, ny, round)
	if err != nil {
		return Point{}, err
	}
	return Point{X: px, Y: py}, nil
}

// FromNativePixel is the inverse of ToNativePixel.
func FromNativePixel(proj, native *Projection, gt GeoTransform, px, py float64) (Point, error) {
	nx, ny := gt.Apply(px, py)
	x, y, err := Transform(native, proj, nx, ny)
	if err != nil {
		return Point{}, err
	}
	return Point{X: x, Y: y}, nil
}

func order(b Box) Box {
	if b.MinX > b.MaxX {
		b.MinX, b.MaxX = b.MaxX, b.MinX
	}
	if b.MinY > b.MaxY {
		b.MinY, b.MaxY = b.MaxY, b.MinY
	}
	return b
}

func (f RegionFrame) clamp(b Box) Box {
	sx, sy := float64(f.SizeX), float64(f.SizeY)
	b.MinX = math.Max(0, math.Min(sx, b.MinX))
	b.MaxX = math.Max(0, math.Min(sx, b.MaxX))
	b.MinY = math.Max(0, math.Min(sy, b.MinY))
	b.MaxY = math.Max(0, math.Min(sy, b.MaxY))
	return b
}
