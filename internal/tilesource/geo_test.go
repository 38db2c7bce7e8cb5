package tilesource

import (
	"context"
	"math"
	"testing"

	"github.com/large-image/server/internal/apperr"
)

func openGeo(t *testing.T, params OpenParams) Source {
	t.Helper()
	blobs := newTestBlobs(t)
	f := putGeo(t, blobs, "geo")
	src, err := NewGeoBackend(blobs, Config{}).Open(context.Background(), f, params)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { src.Close() })
	return src
}

func TestGeoPixelMode(t *testing.T) {
	ctx := context.Background()
	src := openGeo(t, OpenParams{TileSize: 64})
	md := src.Metadata()
	if !md.Geospatial || md.Levels != 1 || md.SizeX != 64 || md.Projection != "" {
		t.Fatalf("metadata = %+v", md)
	}
	if md.Bounds == nil || math.Abs(md.Bounds.XMin+10) > 1e-9 || math.Abs(md.Bounds.YMax-10) > 1e-9 {
		t.Fatalf("bounds = %+v", md.Bounds)
	}
	band := md.Bands[1]
	if band.Min == nil || *band.Min != 0 || *band.Max != 252 {
		t.Fatalf("band statistics were not computed: %+v", band)
	}
	if md.Magnification == nil {
		t.Fatalf("magnification should be derived from the pixel size")
	}

	px, err := src.Pixel(ctx, PixelOptions{X: 3, Y: 0})
	if err != nil {
		t.Fatalf("Pixel: %v", err)
	}
	// the gray band renders linearly from black at 0 to white at 255
	if px.Bands[1] != 12 || len(px.Channels) != 4 || px.Channels[0] != 12 || px.Channels[3] != 255 {
		t.Fatalf("pixel = %+v", px)
	}

	px, err = src.Pixel(ctx, PixelOptions{X: -10 + 3.25*0.3125, Y: 10 - 0.25*0.3125, Units: "EPSG:4326"})
	if err != nil {
		t.Fatalf("Pixel in EPSG:4326: %v", err)
	}
	if px.X != 3 || px.Y != 0 || px.Bands[1] != 12 {
		t.Fatalf("pixel from lon/lat = %+v", px)
	}

	if _, err := src.Tile(ctx, 0, 1, 0, TileOptions{}); !apperr.Is(err, apperr.OutOfRange) {
		t.Fatalf("expected OutOfRange, got %v", err)
	}
}

func TestGeoPixelModeInterpolates(t *testing.T) {
	ctx := context.Background()
	// one dataset and two levels, so level 0 samples between source pixels
	src := openGeo(t, OpenParams{TileSize: 32})
	if lv := src.Metadata().Levels; lv != 2 {
		t.Fatalf("levels = %d, want 2", lv)
	}
	tile, err := src.Tile(ctx, 0, 0, 0, TileOptions{})
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	// output pixel i blends source columns 2i and 2i+1 (values 8i and 8i+4)
	for _, tc := range []struct{ x, want int }{{0, 2}, {10, 82}, {31, 250}} {
		if c := nrgbaAt(tile, tc.x, 0); int(c.R) != tc.want || c.A != 255 {
			t.Errorf("pixel %d = %#v, want gray %d", tc.x, c, tc.want)
		}
	}

	full, err := src.Tile(ctx, 1, 1, 0, TileOptions{})
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	// at full resolution samples sit on pixel centres and stay exact
	if c := nrgbaAt(full, 31, 0); c.R != 252 {
		t.Fatalf("last column = %#v, want 252", c)
	}
}

func TestGeoStyle(t *testing.T) {
	ctx := context.Background()
	style := `{"bands":[{"band":1,"palette":["#000","#f00"],"min":0,"max":252,"scheme":"linear","nodata":0}]}`
	src := openGeo(t, OpenParams{TileSize: 64, Style: style})

	tile, err := src.Tile(ctx, 0, 0, 0, TileOptions{})
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if c := nrgbaAt(tile, 63, 5); c.R != 255 || c.G != 0 || c.A != 255 {
		t.Fatalf("max value should be red, got %#v", c)
	}
	if c := nrgbaAt(tile, 0, 5); c.A != 0 {
		t.Fatalf("nodata should be transparent, got %#v", c)
	}
}

func TestGeoProjected(t *testing.T) {
	ctx := context.Background()
	src := openGeo(t, OpenParams{Projection: "EPSG:3857"})
	md := src.Metadata()
	if md.Projection == "" || md.Levels < 1 || md.SizeX != 256<<(md.Levels-1) {
		t.Fatalf("metadata = %+v", md)
	}
	if md.Bounds == nil || md.SourceBounds == nil || md.Bounds.XMax <= 1e6 || md.SourceBounds.XMax != 10 {
		t.Fatalf("bounds = %+v source = %+v", md.Bounds, md.SourceBounds)
	}

	tile, err := src.Tile(ctx, 0, 0, 0, TileOptions{})
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if b := tile.Bounds(); b.Dx() != 256 || b.Dy() != 256 {
		t.Fatalf("tile size = %v", b)
	}
	if _, err := src.Tile(ctx, 0, 1, 0, TileOptions{}); !apperr.Is(err, apperr.OutOfRange) {
		t.Fatalf("expected OutOfRange, got %v", err)
	}

	thumb, err := src.Thumbnail(ctx, ThumbnailOptions{})
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	b := thumb.Bounds()
	if b.Dx() > 256 || b.Dy() > 256 || b.Dx() < 2 || b.Dy() < 2 {
		t.Fatalf("thumbnail size = %v", b)
	}
	if c := nrgbaAt(thumb, b.Dx()/2, b.Dy()/2); c.A != 255 {
		t.Fatalf("thumbnail centre should be opaque, got %#v", c)
	}

	px, err := src.Pixel(ctx, PixelOptions{X: -9, Y: 9, Units: "EPSG:4326"})
	if err != nil {
		t.Fatalf("Pixel: %v", err)
	}
	if px.Bands[1] != 12 {
		t.Fatalf("pixel bands = %v", px.Bands)
	}
	outside, err := src.Pixel(ctx, PixelOptions{X: 50, Y: 0, Units: "EPSG:4326"})
	if err != nil {
		t.Fatalf("Pixel: %v", err)
	}
	if len(outside.Bands) != 0 {
		t.Fatalf("pixel outside the raster should have no bands, got %v", outside.Bands)
	}
}

func TestGeoProjectedNeedsUnits(t *testing.T) {
	blobs := newTestBlobs(t)
	f := putGeo(t, blobs, "geo")
	_, err := NewGeoBackend(blobs, Config{}).Open(context.Background(), f, OpenParams{Projection: "EPSG:32633"})
	if !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("UTM without unitsPerPixel should be rejected, got %v", err)
	}
	src, err := NewGeoBackend(blobs, Config{}).Open(context.Background(), f, OpenParams{Projection: "EPSG:32633", UnitsPerPixel: 10000})
	if err != nil {
		t.Fatalf("Open with unitsPerPixel: %v", err)
	}
	defer src.Close()
	if src.Metadata().Levels < 1 {
		t.Fatalf("levels = %d", src.Metadata().Levels)
	}
}
