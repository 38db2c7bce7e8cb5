package render

import (
	"fmt"
	"image"
	"image/draw"
	"strings"
)

// Op is a layer composite operator.
type Op string

// Composite operators.
const (
	SrcOver  Op = "src-over"
	Lighten  Op = "lighten"
	Darken   Op = "darken"
	Multiply Op = "multiply"
	Screen   Op = "screen"
	Plus     Op = "plus"
)

// ParseOp validates an operator name. Empty defaults to lighten.
func ParseOp(s string) (Op, error) {
	op := Op(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	switch op {
	case "":
		return Lighten, nil
	case "src_over", "over":
		return SrcOver, nil
	case SrcOver, Lighten, Darken, Multiply, Screen, Plus:
		return op, nil
	}
	return "", fmt.Errorf("invalid composite operator %q", s)
}

// Composite blends src into dst in place. Both must have the same bounds.
// Blend operators work per channel, including alpha, on straight (not
// premultiplied) values; pixels where src is fully transparent leave dst
// untouched.
func Composite(dst, src *image.NRGBA, op Op) {
	if op == SrcOver {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Over)
		return
	}
	blend := blendFunc(op)
	for i := 0; i+3 < len(dst.Pix) && i+3 < len(src.Pix); i += 4 {
		if src.Pix[i+3] == 0 {
			continue
		}
		for c := 0; c < 4; c++ {
			dst.Pix[i+c] = blend(dst.Pix[i+c], src.Pix[i+c])
		}
	}
}

func blendFunc(op Op) func(d, s uint8) uint8 {
	switch op {
	case Darken:
		return func(d, s uint8) uint8 { return min(d, s) }
	case Multiply:
		return func(d, s uint8) uint8 { return uint8((uint32(d)*uint32(s) + 127) / 255) }
	case Screen:
		return func(d, s uint8) uint8 {
			return uint8(uint32(d) + uint32(s) - (uint32(d)*uint32(s)+127)/255)
		}
	case Plus:
		return func(d, s uint8) uint8 { return uint8(min(255, uint32(d)+uint32(s))) }
	default:
		return func(d, s uint8) uint8 { return max(d, s) }
	}
}
