// Package geometry converts between pixel space, tile indices and geospatial
// projections. Nothing in this package performs I/O.
package geometry

import "math"

// Point is a 2D coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis-aligned rectangle.
type Box struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

// Width returns MaxX-MinX.
func (b Box) Width() float64 { return b.MaxX - b.MinX }

// Height returns MaxY-MinY.
func (b Box) Height() float64 { return b.MaxY - b.MinY }

// Levels returns the number of zoom levels needed so that level 0 fits in a
// single tile.
func Levels(width, height, tileWidth, tileHeight int) int {
	if width <= 0 || height <= 0 || tileWidth <= 0 || tileHeight <= 0 {
		return 1
	}
	ratio := math.Max(float64(width)/float64(tileWidth), float64(height)/float64(tileHeight))
	levels := int(math.Ceil(math.Log2(ratio))) + 1
	if levels < 1 {
		return 1
	}
	return levels
}

// ProjectedLevels returns the level count of a projected pyramid whose level 0
// tile spans unitsAcrossLevel0 projection units and whose base pixels are
// pixelSizeMeters wide.
func ProjectedLevels(unitsAcrossLevel0, pixelSizeMeters float64, tileWidth int) int {
	if unitsAcrossLevel0 <= 0 || pixelSizeMeters <= 0 || tileWidth <= 0 {
		return 1
	}
	levels := int(math.Ceil(math.Log2(unitsAcrossLevel0/pixelSizeMeters/float64(tileWidth)))) + 1
	if levels < 1 {
		return 1
	}
	return levels
}

// LevelScale is the number of base pixels covered by one pixel at level z.
func LevelScale(levels, z int) int {
	shift := levels - 1 - z
	if shift <= 0 {
		return 1
	}
	return 1 << shift
}

// PixelTileCorners returns the bounds of tile (z, x, y) in map space, where
// x grows right and y grows up from the bottom of the raster. Tile rows count
// down from the top, so the returned y range is flipped against sizeY.
func PixelTileCorners(levels, sizeY, tileWidth, tileHeight, z, x, y int) Box {
	scale := float64(LevelScale(levels, z))
	xmin := scale * float64(x) * float64(tileWidth)
	ymin := scale * float64(y) * float64(tileHeight)
	xmax := xmin + scale*float64(tileWidth)
	ymax := ymin + scale*float64(tileHeight)
	ymin, ymax = float64(sizeY)-ymax, float64(sizeY)-ymin
	return Box{MinX: xmin, MinY: ymin, MaxX: xmax, MaxY: ymax}
}

// MapToPixelY converts a map-space y (bottom origin) to a pixel row.
func MapToPixelY(sizeY int, y float64) float64 {
	return float64(sizeY) - y
}

// ProjectedTileCorners returns the bounds of tile (z, x, y) in projection
// units. The world at level 0 is one tile spanning unitsAcrossLevel0 in both
// directions, centred on origin.
func ProjectedTileCorners(unitsAcrossLevel0 float64, origin Point, z, x, y int) Box {
	n := math.Exp2(float64(z))
	fx, fy := float64(x), float64(y)
	xmin := -0.5 + fx/n
	xmax := -0.5 + (fx+1)/n
	ymin := 0.5 - (fy+1)/n
	ymax := 0.5 - fy/n
	return Box{
		MinX: origin.X + xmin*unitsAcrossLevel0,
		MinY: origin.Y + ymin*unitsAcrossLevel0,
		MaxX: origin.X + xmax*unitsAcrossLevel0,
		MaxY: origin.Y + ymax*unitsAcrossLevel0,
	}
}

// TileRange returns the number of tiles across and down at level z for a
// raster of the given base size.
func TileRange(levels, sizeX, sizeY, tileWidth, tileHeight, z int) (int, int) {
	scale := LevelScale(levels, z)
	across := ceilDiv(sizeX, scale*tileWidth)
	down := ceilDiv(sizeY, scale*tileHeight)
	return across, down
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
