package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"golang.org/x/image/tiff"

	"github.com/large-image/server/internal/apperr"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestEncodePNGRoundTrip(t *testing.T) {
	r := NewRenderer(Config{TileSize: 4})
	data, mime, err := r.Encode(solid(4, 4, color.NRGBA{10, 20, 30, 255}), EncodeOptions{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if mime != "image/png" {
		t.Fatalf("mime = %s", mime)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := color.NRGBAModel.Convert(img.At(2, 2)).(color.NRGBA); got != (color.NRGBA{10, 20, 30, 255}) {
		t.Fatalf("pixel = %#v", got)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	r := NewRenderer(Config{TileSize: 8})
	img := solid(8, 8, color.NRGBA{1, 2, 3, 4})
	a, _, err := r.Encode(img, EncodeOptions{Encoding: "png"})
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := r.Encode(img, EncodeOptions{Encoding: "PNG"})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("encoding the same image twice differs")
	}
}

func TestEncodeLetterboxAndFormats(t *testing.T) {
	r := NewRenderer(Config{TileSize: 16})
	data, _, err := r.Encode(solid(8, 4, color.NRGBA{255, 0, 0, 255}), EncodeOptions{Encoding: "TIFF", Fill: "#0000ff", Width: 16, Height: 16})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode tiff: %v", err)
	}
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 16 {
		t.Fatalf("letterboxed size = %v", img.Bounds())
	}
	if c := color.NRGBAModel.Convert(img.At(0, 0)).(color.NRGBA); c != (color.NRGBA{0, 0, 255, 255}) {
		t.Fatalf("corner = %#v, want fill", c)
	}
	if c := color.NRGBAModel.Convert(img.At(8, 8)).(color.NRGBA); c != (color.NRGBA{255, 0, 0, 255}) {
		t.Fatalf("centre = %#v, want image", c)
	}

	if _, mime, err := r.Encode(solid(2, 2, color.NRGBA{0, 0, 0, 0}), EncodeOptions{Encoding: "jpg"}); err != nil || mime != "image/jpeg" {
		t.Fatalf("jpeg encode: %s %v", mime, err)
	}
	if _, _, err := r.Encode(solid(2, 2, color.NRGBA{}), EncodeOptions{Encoding: "webp"}); !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	if _, _, err := r.Encode(solid(2, 2, color.NRGBA{}), EncodeOptions{Fill: "bogus", Width: 2, Height: 2}); !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument for bad fill, got %v", err)
	}
}

func TestComposite(t *testing.T) {
	red := solid(1, 1, color.NRGBA{200, 0, 0, 255})
	green := solid(1, 1, color.NRGBA{0, 100, 0, 255})
	Composite(red, green, Lighten)
	if got := red.NRGBAAt(0, 0); got != (color.NRGBA{200, 100, 0, 255}) {
		t.Fatalf("lighten = %#v", got)
	}

	alpha := solid(1, 1, color.NRGBA{255, 255, 255, 128})
	Composite(red, alpha, Multiply)
	if got := red.NRGBAAt(0, 0); got != (color.NRGBA{200, 100, 0, 128}) {
		t.Fatalf("multiply = %#v", got)
	}

	clear := solid(1, 1, color.NRGBA{})
	Composite(red, clear, Multiply)
	if got := red.NRGBAAt(0, 0); got.A != 128 {
		t.Fatalf("transparent source should not change dst, got %#v", got)
	}

	if _, err := ParseOp("bogus"); err == nil {
		t.Fatalf("ParseOp should reject unknown operators")
	}
	if op, _ := ParseOp(""); op != Lighten {
		t.Fatalf("default op = %s", op)
	}
}
