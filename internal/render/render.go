// Package render composites style layers and encodes tiles, regions and
// thumbnails using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"strings"
	"sync"

	"github.com/fogleman/gg"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/large-image/server/internal/apperr"
	"github.com/large-image/server/pkg/colormap"
)

// Encodings supported by Encode.
const (
	EncodingPNG  = "PNG"
	EncodingJPEG = "JPEG"
	EncodingTIFF = "TIFF"
	EncodingBMP  = "BMP"
)

// Config contains renderer configuration.
type Config struct {
	TileSize        int
	DefaultEncoding string
	JPEGQuality     int
}

// Renderer encodes images. Encoding buffers and tile-sized drawing contexts
// are pooled.
type Renderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// EncodeOptions controls the output of Encode.
type EncodeOptions struct {
	Encoding        string
	JPEGQuality     int
	JPEGSubsampling int
	TIFFCompression string
	// Fill letterboxes the image onto a Width x Height canvas of this color.
	// Empty or "none" disables letterboxing.
	Fill   string
	Width  int
	Height int
}

// NewRenderer creates a new renderer.
func NewRenderer(cfg Config) *Renderer {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}
	if cfg.DefaultEncoding == "" {
		cfg.DefaultEncoding = EncodingPNG
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 95
	}
	return &Renderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.TileSize, cfg.TileSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// NormalizeEncoding upper-cases an encoding name and applies the default.
func (r *Renderer) NormalizeEncoding(enc string) (string, error) {
	e := strings.ToUpper(strings.TrimSpace(enc))
	switch e {
	case "":
		return r.config.DefaultEncoding, nil
	case "JPG":
		return EncodingJPEG, nil
	case "TIF":
		return EncodingTIFF, nil
	case EncodingPNG, EncodingJPEG, EncodingTIFF, EncodingBMP:
		return e, nil
	}
	return "", apperr.New(apperr.InvalidArgument, "unsupported encoding %q", enc)
}

// MimeType returns the content type of an encoding.
func MimeType(encoding string) string {
	switch encoding {
	case EncodingJPEG:
		return "image/jpeg"
	case EncodingTIFF:
		return "image/tiff"
	case EncodingBMP:
		return "image/bmp"
	default:
		return "image/png"
	}
}

// ParseFill returns the fill color, or false when letterboxing is off.
func ParseFill(fill string) (color.NRGBA, bool, error) {
	if fill == "" || strings.EqualFold(fill, "none") {
		return color.NRGBA{}, false, nil
	}
	c, err := colormap.ParseColor(fill)
	if err != nil {
		return color.NRGBA{}, false, apperr.Wrap(apperr.InvalidArgument, err, "invalid fill")
	}
	return c, true, nil
}

// Encode encodes img and returns the bytes and mime type.
func (r *Renderer) Encode(img image.Image, opts EncodeOptions) ([]byte, string, error) {
	encoding, err := r.NormalizeEncoding(opts.Encoding)
	if err != nil {
		return nil, "", err
	}
	fill, hasFill, err := ParseFill(opts.Fill)
	if err != nil {
		return nil, "", err
	}
	if hasFill && opts.Width > 0 && opts.Height > 0 {
		img = r.Letterbox(img, opts.Width, opts.Height, fill)
	}

	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	switch encoding {
	case EncodingJPEG:
		quality := opts.JPEGQuality
		if quality <= 0 {
			quality = r.config.JPEGQuality
		}
		bg := color.NRGBA{255, 255, 255, 255}
		if hasFill {
			bg = fill
		}
		err = jpeg.Encode(buf, Flatten(img, bg), &jpeg.Options{Quality: quality})
	case EncodingTIFF:
		compression := tiff.Uncompressed
		switch strings.ToLower(opts.TIFFCompression) {
		case "", "raw", "none":
		case "deflate", "zip":
			compression = tiff.Deflate
		default:
			return nil, "", apperr.New(apperr.InvalidArgument, "unsupported tiff compression %q", opts.TIFFCompression)
		}
		err = tiff.Encode(buf, img, &tiff.Options{Compression: compression, Predictor: compression == tiff.Deflate})
	case EncodingBMP:
		err = bmp.Encode(buf, img)
	default:
		// Use fast PNG encoder
		encoder := png.Encoder{CompressionLevel: png.BestSpeed}
		err = encoder.Encode(buf, img)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode %s: %w", encoding, err)
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, MimeType(encoding), nil
}

// Letterbox centres img on a width x height canvas filled with fill.
func (r *Renderer) Letterbox(img image.Image, width, height int, fill color.Color) image.Image {
	var dc *gg.Context
	if width == r.config.TileSize && height == r.config.TileSize {
		dc = r.contextPool.Get().(*gg.Context)
		defer r.contextPool.Put(dc)
	} else {
		dc = gg.NewContext(width, height)
	}
	dc.SetColor(fill)
	dc.Clear()
	b := img.Bounds()
	dc.DrawImage(img, (width-b.Dx())/2, (height-b.Dy())/2)
	// the pooled context is reused, so copy its pixels out
	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(out, out.Bounds(), dc.Image(), image.Point{}, draw.Src)
	return out
}

// Flatten composites img over an opaque background.
func Flatten(img image.Image, bg color.Color) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Over)
	return out
}

// EmptyTile returns a transparent tile of the configured size.
func (r *Renderer) EmptyTile() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, r.config.TileSize, r.config.TileSize))
	// Fill with transparent white
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255   // R
		img.Pix[i+1] = 255 // G
		img.Pix[i+2] = 255 // B
		img.Pix[i+3] = 0   // A (transparent)
	}
	return img
}
