package geometry

import (
	"math"

	"github.com/large-image/server/internal/apperr"
)

// GeoTransform is the 6-parameter affine transform from pixel (col, row) to
// native projection coordinates:
//
//	x = gt[0] + col*gt[1] + row*gt[2]
//	y = gt[3] + col*gt[4] + row*gt[5]
type GeoTransform [6]float64

// IsIdentity reports whether gt is the default transform of an
// ungeoreferenced raster.
func (gt GeoTransform) IsIdentity() bool {
	return gt == GeoTransform{0, 1, 0, 0, 0, 1}
}

// Apply converts a native pixel coordinate to native projection units.
func (gt GeoTransform) Apply(px, py float64) (float64, float64) {
	return gt[0] + px*gt[1] + py*gt[2], gt[3] + px*gt[4] + py*gt[5]
}

// ToPixel converts native projection units back to a native pixel coordinate.
// When round is true the result is rounded to the nearest whole pixel.
func (gt GeoTransform) ToPixel(x, y float64, round bool) (float64, float64, error) {
	d := gt[2]*gt[4] - gt[1]*gt[5]
	if d == 0 {
		return 0, 0, apperr.New(apperr.InvalidArgument, "geotransform is not invertible")
	}
	px := (gt[0]*gt[5] - gt[2]*gt[3] - gt[5]*x + gt[2]*y) / d
	py := (gt[1]*gt[3] - gt[0]*gt[4] + gt[4]*x - gt[1]*y) / d
	if round {
		px, py = math.Round(px), math.Round(py)
	}
	return px, py, nil
}

// Bounds describes the four corners of a raster in some projection plus
// their extent.
type Bounds struct {
	LL   Point   `json:"ll"`
	UL   Point   `json:"ul"`
	LR   Point   `json:"lr"`
	UR   Point   `json:"ur"`
	XMin float64 `json:"xmin"`
	XMax float64 `json:"xmax"`
	YMin float64 `json:"ymin"`
	YMax float64 `json:"ymax"`
	SRS  string  `json:"srs"`
}

// Box returns the extent of the bounds.
func (b Bounds) Box() Box {
	return Box{MinX: b.XMin, MinY: b.YMin, MaxX: b.XMax, MaxY: b.YMax}
}

// RasterBounds returns the corners of a sizeX by sizeY raster. With a nil
// target the corners are in the native projection. Latitudes of geographic
// rasters are clamped before projecting to a target that cannot represent
// the poles.
func RasterBounds(gt GeoTransform, sizeX, sizeY int, native, target *Projection) (Bounds, error) {
	sx, sy := float64(sizeX), float64(sizeY)
	corners := [4]Point{
		{X: gt[0] + sy*gt[2], Y: gt[3] + sy*gt[5]},
		{X: gt[0], Y: gt[3]},
		{X: gt[0] + sx*gt[1] + sy*gt[2], Y: gt[3] + sx*gt[4] + sy*gt[5]},
		{X: gt[0] + sx*gt[1], Y: gt[3] + sx*gt[4]},
	}
	srs := ""
	if native != nil {
		srs = native.String()
	}
	if target != nil && native != nil {
		srs = target.String()
		maxLat := 90.0
		if !target.SupportsPoles() {
			maxLat = 89.999999
		}
		for i := range corners {
			if native.IsLatLong() {
				corners[i].Y = math.Max(-maxLat, math.Min(maxLat, corners[i].Y))
			}
			x, y, err := Transform(native, target, corners[i].X, corners[i].Y)
			if err != nil {
				return Bounds{}, err
			}
			corners[i] = Point{X: x, Y: y}
		}
	}
	b := Bounds{LL: corners[0], UL: corners[1], LR: corners[2], UR: corners[3], SRS: srs}
	b.XMin, b.XMax = corners[0].X, corners[0].X
	b.YMin, b.YMax = corners[0].Y, corners[0].Y
	for _, c := range corners[1:] {
		b.XMin = math.Min(b.XMin, c.X)
		b.XMax = math.Max(b.XMax, c.X)
		b.YMin = math.Min(b.YMin, c.Y)
		b.YMax = math.Max(b.YMax, c.Y)
	}
	return b, nil
}

// PixelSizeMeters estimates the ground size of one native pixel by walking
// the raster's edges on the WGS84 ellipsoid.
func PixelSizeMeters(gt GeoTransform, sizeX, sizeY int, native *Projection) (float64, error) {
	if native == nil || sizeX <= 0 || sizeY <= 0 {
		return 0, apperr.New(apperr.InvalidArgument, "raster has no projection")
	}
	b, err := RasterBounds(gt, sizeX, sizeY, native, WGS84)
	if err != nil {
		return 0, err
	}
	edges := GeodesicDistance(b.LL, b.UL) + GeodesicDistance(b.UL, b.UR) +
		GeodesicDistance(b.UR, b.LR) + GeodesicDistance(b.LR, b.LL)
	return edges / float64(2*sizeX+2*sizeY), nil
}

// UnitsAcrossLevel0 returns the width in projection units of the single
// level 0 tile. When unitsPerPixel is set it wins; otherwise the width of the
// world at the equator is used.
func UnitsAcrossLevel0(target *Projection, unitsPerPixel float64, tileWidth int) (float64, error) {
	if target == nil {
		return 0, apperr.New(apperr.InvalidArgument, "projection is required")
	}
	if target.IsLatLong() {
		return 0, apperr.New(apperr.InvalidArgument, "projection must not be geographic (%s)", target)
	}
	if unitsPerPixel > 0 {
		return unitsPerPixel * float64(tileWidth), nil
	}
	east, _, errE := target.Forward(180, 0)
	west, _, errW := target.Forward(-180, 0)
	units := math.Abs(east - west)
	if errE != nil || errW != nil || units == 0 || math.IsNaN(units) || math.IsInf(units, 0) {
		return 0, apperr.New(apperr.InvalidArgument, "unitsPerPixel must be specified for projection %s", target)
	}
	return units, nil
}
