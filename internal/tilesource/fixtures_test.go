package tilesource

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/large-image/server/internal/blobstore"
	"github.com/large-image/server/internal/data/zarr"
)

func newTestBlobs(t *testing.T) *blobstore.Store {
	t.Helper()
	s, err := blobstore.Open(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("blobstore.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func gradient(x, y int) color.NRGBA {
	return color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x + y), A: 255}
}

// putPNG stores a w x h gradient PNG and returns its file record.
func putPNG(t *testing.T, blobs *blobstore.Store, key string, w, h int) *File {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, gradient(x, y))
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	if err := blobs.Put(context.Background(), key, buf.Bytes(), "image/png"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return &File{ID: key, Name: key, MimeType: "image/png", Size: int64(buf.Len()), Key: key, Layout: LayoutBlob}
}

// putStack writes a (c, y, x) uint8 stack of two 4096x4096 channels with
// only the bottom-right chunk of each channel stored.
func putStack(t *testing.T, blobs *blobstore.Store, prefix string) *File {
	t.Helper()
	ctx := context.Background()
	store := zarr.NewBlobStore(blobs, prefix)
	attrs := map[string]interface{}{
		AttrMultiscales: []Multiscale{{
			Axes:     []Axis{{Name: "c"}, {Name: "y"}, {Name: "x"}},
			Datasets: []Dataset{{Path: "0"}},
		}},
		AttrLargeImage: StackAttrs{
			Channels:     []string{"DAPI", "GFP"},
			PixelMicrons: []float64{0.25, 0.25},
			Associated:   map[string]string{"label": "label"},
		},
	}
	if _, err := zarr.CreateGroup(ctx, store, "", attrs); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	arr, err := zarr.CreateArray(ctx, store, "0", zarr.ArraySpec{
		Shape:       []int{2, 4096, 4096},
		ChunkShape:  []int{1, 256, 256},
		DataType:    "uint8",
		Compression: zarr.CompressionZstd,
	})
	if err != nil {
		t.Fatalf("CreateArray: %v", err)
	}
	for c := 0; c < 2; c++ {
		chunk := make([]float64, 256*256)
		for i := range chunk {
			chunk[i] = float64(10*(c+1) + i%7)
		}
		if err := arr.WriteChunk(ctx, []int{c, 15, 15}, chunk); err != nil {
			t.Fatalf("WriteChunk: %v", err)
		}
	}
	// the label image is never written, so it reads as its fill value
	if _, err := zarr.CreateArray(ctx, store, "label", zarr.ArraySpec{
		Shape: []int{4, 6}, ChunkShape: []int{4, 6}, DataType: "uint8", FillValue: 200,
	}); err != nil {
		t.Fatalf("CreateArray label: %v", err)
	}
	return &File{ID: prefix, Name: prefix, Key: prefix, Layout: LayoutZarr}
}

// putGeo writes a 64x64 single band raster over lon [-10, 10], lat
// [-10, 10] whose value at column x is 4x.
func putGeo(t *testing.T, blobs *blobstore.Store, prefix string) *File {
	t.Helper()
	ctx := context.Background()
	store := zarr.NewBlobStore(blobs, prefix)
	attrs := map[string]interface{}{
		AttrMultiscales: []Multiscale{{Datasets: []Dataset{{Path: "0"}}}},
		AttrGeo: GeoAttrs{
			CRS:          "EPSG:4326",
			GeoTransform: []float64{-10, 0.3125, 0, 10, 0, -0.3125},
			Bands:        []BandInfo{{Interpretation: "gray"}},
		},
	}
	if _, err := zarr.CreateGroup(ctx, store, "", attrs); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	arr, err := zarr.CreateArray(ctx, store, "0", zarr.ArraySpec{
		Shape: []int{1, 64, 64}, ChunkShape: []int{1, 64, 64}, DataType: "float32", Compression: zarr.CompressionGzip,
	})
	if err != nil {
		t.Fatalf("CreateArray: %v", err)
	}
	values := make([]float64, 64*64)
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			values[y*64+x] = float64(4 * x)
		}
	}
	if err := arr.WriteChunk(ctx, []int{0, 0, 0}, values); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	return &File{ID: prefix, Name: prefix, Key: prefix, Layout: LayoutZarr}
}
