package zarr

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/large-image/server/internal/blobstore"
)

func TestArrayWriteRead(t *testing.T) {
	for _, compression := range []string{CompressionNone, CompressionZstd, CompressionGzip} {
		t.Run("compression="+compression, func(t *testing.T) {
			ctx := context.Background()
			store := NewMapStore()
			arr, err := CreateArray(ctx, store, "0", ArraySpec{
				Shape:       []int{5, 6},
				ChunkShape:  []int{4, 4},
				DataType:    "uint16",
				FillValue:   7,
				Compression: compression,
			})
			if err != nil {
				t.Fatalf("CreateArray: %v", err)
			}
			chunk := make([]float64, 16)
			for i := range chunk {
				chunk[i] = float64(i)
			}
			if err := arr.WriteChunk(ctx, []int{0, 0}, chunk); err != nil {
				t.Fatalf("WriteChunk: %v", err)
			}

			reopened, err := OpenArray(ctx, store, "0")
			if err != nil {
				t.Fatalf("OpenArray: %v", err)
			}
			got, shape, err := reopened.Read(ctx, []int{0, 0}, []int{5, 6}, []int{1, 1})
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if shape[0] != 5 || shape[1] != 6 {
				t.Fatalf("shape = %v", shape)
			}
			// row 1, col 2 comes from the written chunk; col 5 from a missing chunk
			if got[1*6+2] != 6 {
				t.Fatalf("value (1,2) = %v", got[1*6+2])
			}
			if got[1*6+5] != 7 || got[4*6+0] != 7 {
				t.Fatalf("missing chunks should read as fill, got %v and %v", got[1*6+5], got[4*6])
			}
		})
	}
}

func TestArrayReadStrided(t *testing.T) {
	ctx := context.Background()
	store := NewMapStore()
	arr, err := CreateArray(ctx, store, "a", ArraySpec{Shape: []int{8, 8}, ChunkShape: []int{3, 3}, DataType: "float32", Compression: CompressionZstd})
	if err != nil {
		t.Fatal(err)
	}
	for cy := 0; cy < 3; cy++ {
		for cx := 0; cx < 3; cx++ {
			chunk := make([]float64, 9)
			for i := range chunk {
				y, x := cy*3+i/3, cx*3+i%3
				chunk[i] = float64(y*10 + x)
			}
			if err := arr.WriteChunk(ctx, []int{cy, cx}, chunk); err != nil {
				t.Fatal(err)
			}
		}
	}
	got, shape, err := arr.Read(ctx, []int{1, 0}, []int{8, 8}, []int{2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if shape[0] != 4 || shape[1] != 3 {
		t.Fatalf("shape = %v", shape)
	}
	want := []float64{10, 13, 16, 30, 33, 36, 50, 53, 56, 70, 73, 76}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if _, _, err := arr.Read(ctx, []int{8, 0}, []int{9, 1}, []int{1, 1}); err == nil {
		t.Fatalf("out of range selection should fail")
	}
}

func TestGroupOverBlobAndZip(t *testing.T) {
	ctx := context.Background()
	blobs, err := blobstore.Open(ctx, "mem://")
	if err != nil {
		t.Fatal(err)
	}
	defer blobs.Close()

	store := NewBlobStore(blobs, "items/1/image.zarr")
	if _, err := CreateGroup(ctx, store, "", map[string]interface{}{"name": "test"}); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	arr, err := CreateArray(ctx, store, "0", ArraySpec{Shape: []int{2, 2}, ChunkShape: []int{2, 2}, DataType: "uint8", Compression: CompressionZstd})
	if err != nil {
		t.Fatal(err)
	}
	if err := arr.WriteChunk(ctx, []int{0, 0}, []float64{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}

	g, err := OpenGroup(ctx, store, "")
	if err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}
	var name string
	if ok, err := g.Attribute("name", &name); !ok || err != nil || name != "test" {
		t.Fatalf("Attribute = %q %v %v", name, ok, err)
	}

	var buf bytes.Buffer
	if err := WriteZip(ctx, &buf, store, []string{"zarr.json", "0/zarr.json", "0/c/0/0"}); err != nil {
		t.Fatalf("WriteZip: %v", err)
	}
	zs, err := NewZipStore(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("NewZipStore: %v", err)
	}
	zg, err := OpenGroup(ctx, zs, "")
	if err != nil {
		t.Fatalf("OpenGroup(zip): %v", err)
	}
	za, err := zg.Array(ctx, "0")
	if err != nil {
		t.Fatal(err)
	}
	got, _, err := za.Read(ctx, []int{0, 0}, []int{2, 2}, []int{1, 1})
	if err != nil || got[3] != 4 {
		t.Fatalf("zip read = %v, %v", got, err)
	}
	if _, err := zs.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
