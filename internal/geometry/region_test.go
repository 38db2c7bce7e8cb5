package geometry

import (
	"testing"

	"github.com/large-image/server/internal/apperr"
)

func TestResolveBasePixels(t *testing.T) {
	f := RegionFrame{SizeX: 1000, SizeY: 800}
	tests := []struct {
		name string
		req  RegionRequest
		want Box
	}{
		{"empty is whole image", RegionRequest{}, Box{0, 0, 1000, 800}},
		{"left and width", RegionRequest{Left: F(100), Width: F(50)}, Box{100, 0, 150, 800}},
		{"right and width", RegionRequest{Right: F(300), Width: F(100), Top: F(10), Bottom: F(20)}, Box{200, 10, 300, 20}},
		{"clamped", RegionRequest{Left: F(-10), Right: F(2000)}, Box{0, 0, 1000, 800}},
		{"reversed", RegionRequest{Left: F(500), Right: F(100)}, Box{100, 0, 500, 800}},
		{"fraction", RegionRequest{Left: F(0.5), Top: F(0.25), Units: "fraction"}, Box{500, 200, 1000, 800}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Resolve(tt.req)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolveProjectionUnits(t *testing.T) {
	units := 40075016.68557849
	f := RegionFrame{SizeX: 512, SizeY: 512, Projection: WebMercator, UnitsAcrossLevel0: units}
	got, err := f.Resolve(RegionRequest{Left: F(0), Top: F(0), Units: "projection"})
	if err != nil {
		t.Fatal(err)
	}
	if got != (Box{256, 256, 512, 512}) {
		t.Fatalf("got %+v", got)
	}
	got, err = f.Resolve(RegionRequest{Left: F(-10), Right: F(10), Top: F(10), Bottom: F(-10), Units: "EPSG:4326"})
	if err != nil {
		t.Fatal(err)
	}
	if !near(got.MinX, 256-512.0/36, 1e-6) || !near(got.MaxX, 256+512.0/36, 1e-6) {
		t.Fatalf("x range %+v", got)
	}
	if got.MinY >= 256 || got.MaxY <= 256 {
		t.Fatalf("y range should straddle the equator: %+v", got)
	}
}

func TestResolveExternalRequiresEdges(t *testing.T) {
	f := RegionFrame{SizeX: 512, SizeY: 512, Projection: WebMercator, UnitsAcrossLevel0: 40075016.68557849}
	_, err := f.Resolve(RegionRequest{Top: F(10), Width: F(5), Units: "EPSG:4326"})
	if !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	_, err = f.Resolve(RegionRequest{Left: F(0), Top: F(0), Units: "EPSG:999999"})
	if !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument for bad projection, got %v", err)
	}
	nonGeo := RegionFrame{SizeX: 10, SizeY: 10}
	_, err = nonGeo.Resolve(RegionRequest{Left: F(0), Top: F(0), Units: "EPSG:4326"})
	if !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument for ungeoreferenced source, got %v", err)
	}
}

func TestNativePixelRoundTrip(t *testing.T) {
	utm, err := ParseProjection("+proj=utm +zone=18")
	if err != nil {
		t.Fatal(err)
	}
	gt := GeoTransform{580000, 30, 0, 4520000, 0, -30}
	for _, px := range [][2]float64{{0, 0}, {10, 20}, {511, 511}, {123.4, 301.6}} {
		ll, err := FromNativePixel(WGS84, utm, gt, px[0], px[1])
		if err != nil {
			t.Fatal(err)
		}
		back, err := ToNativePixel(WGS84, utm, gt, ll.X, ll.Y, true)
		if err != nil {
			t.Fatal(err)
		}
		if !near(back.X, px[0], 1) || !near(back.Y, px[1], 1) {
			t.Fatalf("round trip %v -> %+v", px, back)
		}
	}
}

func TestRasterBoundsClampsPoles(t *testing.T) {
	gt := GeoTransform{-180, 1, 0, 90, 0, -1}
	b, err := RasterBounds(gt, 360, 180, WGS84, WebMercator)
	if err != nil {
		t.Fatalf("RasterBounds: %v", err)
	}
	if b.YMax <= 0 || b.YMin >= 0 || b.XMin >= b.XMax {
		t.Fatalf("unexpected bounds %+v", b)
	}
	native, err := RasterBounds(gt, 360, 180, WGS84, nil)
	if err != nil {
		t.Fatal(err)
	}
	if native.Box() != (Box{-180, -90, 180, 90}) {
		t.Fatalf("native bounds %+v", native.Box())
	}
}

func TestPixelSizeMeters(t *testing.T) {
	gt := GeoTransform{0, 0.001, 0, 0.001, 0, -0.001}
	size, err := PixelSizeMeters(gt, 10, 10, WGS84)
	if err != nil {
		t.Fatal(err)
	}
	if !near(size, 111, 1) {
		t.Fatalf("pixel size=%v", size)
	}
}
