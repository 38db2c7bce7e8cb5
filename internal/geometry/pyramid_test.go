package geometry

import (
	"math"
	"testing"
)

func TestLevels(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		tile          int
		want          int
	}{
		{"square 4096", 4096, 4096, 256, 5},
		{"single tile", 200, 100, 256, 1},
		{"exact tile", 256, 256, 256, 1},
		{"one pixel over", 257, 256, 256, 2},
		{"wide", 10000, 300, 256, 7},
		{"invalid", 0, 10, 256, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Levels(tt.width, tt.height, tt.tile, tt.tile); got != tt.want {
				t.Fatalf("Levels(%d,%d)=%d, want %d", tt.width, tt.height, got, tt.want)
			}
		})
	}
}

func TestPixelTileCornersFlip(t *testing.T) {
	// bottom-right tile at full resolution of a 4096x4096 raster
	got := PixelTileCorners(5, 4096, 256, 256, 4, 15, 15)
	want := Box{MinX: 3840, MinY: 0, MaxX: 4096, MaxY: 256}
	if got != want {
		t.Fatalf("corners=%+v, want %+v", got, want)
	}
	// top-left tile maps to the top of map space
	got = PixelTileCorners(5, 4096, 256, 256, 4, 0, 0)
	want = Box{MinX: 0, MinY: 3840, MaxX: 256, MaxY: 4096}
	if got != want {
		t.Fatalf("corners=%+v, want %+v", got, want)
	}
	// level 0 covers the whole image
	got = PixelTileCorners(5, 4096, 256, 256, 0, 0, 0)
	want = Box{MinX: 0, MinY: 0, MaxX: 4096, MaxY: 4096}
	if got != want {
		t.Fatalf("corners=%+v, want %+v", got, want)
	}
	if row := MapToPixelY(4096, got.MaxY); row != 0 {
		t.Fatalf("top row=%v, want 0", row)
	}
}

func TestTileRange(t *testing.T) {
	across, down := TileRange(5, 4096, 4096, 256, 256, 4)
	if across != 16 || down != 16 {
		t.Fatalf("range=%dx%d, want 16x16", across, down)
	}
	across, down = TileRange(3, 1000, 600, 256, 256, 1)
	if across != 2 || down != 2 {
		t.Fatalf("range=%dx%d, want 2x2", across, down)
	}
}

func TestProjectedTileCorners(t *testing.T) {
	units := 40075016.68557849
	b := ProjectedTileCorners(units, Point{}, 0, 0, 0)
	if math.Abs(b.MinX+units/2) > 1e-6 || math.Abs(b.MaxY-units/2) > 1e-6 {
		t.Fatalf("level 0 corners=%+v", b)
	}
	b = ProjectedTileCorners(units, Point{}, 1, 1, 1)
	if b.MinX != 0 || b.MaxY != 0 || math.Abs(b.MaxX-units/2) > 1e-6 || math.Abs(b.MinY+units/2) > 1e-6 {
		t.Fatalf("level 1 (1,1) corners=%+v", b)
	}
}

func TestProjectedLevels(t *testing.T) {
	units := 40075016.68557849
	// ~9.55 m pixels at 256 px tiles is web mercator zoom 14
	if got := ProjectedLevels(units, 9.554628535647032, 256); got != 15 {
		t.Fatalf("levels=%d, want 15", got)
	}
	if got := ProjectedLevels(units, 1e9, 256); got != 1 {
		t.Fatalf("levels=%d, want 1", got)
	}
}
