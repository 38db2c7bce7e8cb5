package tilesource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/color"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/large-image/server/internal/apperr"
	"github.com/large-image/server/internal/render"
	"github.com/large-image/server/pkg/colormap"
)

// Style describes how band values become colors. Each band produces one
// rendered layer.
type Style struct {
	Bands []StyleBand
}

// StyleBand is one layer of a style.
type StyleBand struct {
	Band      BandRef         `json:"band"`
	Min       Bound           `json:"min"`
	Max       Bound           `json:"max"`
	Scheme    colormap.Scheme `json:"scheme,omitempty"`
	Palette   *Palette        `json:"palette,omitempty"`
	Nodata    Bound           `json:"nodata"`
	Composite render.Op       `json:"composite,omitempty"`
}

// BandRef names a band by number or by color interpretation. Index -1 asks
// for the default rendering.
type BandRef struct {
	Index  int
	Interp string
}

// UnmarshalJSON accepts a number, a numeric string or an interpretation.
func (b *BandRef) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		if n != math.Trunc(n) {
			return fmt.Errorf("band must be an integer, got %v", n)
		}
		*b = BandRef{Index: int(n)}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("band must be a number or an interpretation")
	}
	if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		*b = BandRef{Index: i}
		return nil
	}
	*b = BandRef{Interp: strings.ToLower(strings.TrimSpace(s))}
	return nil
}

// Bound is a number, "auto", or unset.
type Bound struct {
	Auto  bool
	Value *float64
}

// UnmarshalJSON accepts null, "auto", a number or a numeric string.
func (b *Bound) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*b = Bound{}
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*b = Bound{Value: &n}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected a number or \"auto\"")
	}
	if strings.EqualFold(s, "auto") {
		*b = Bound{Auto: true}
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("expected a number or \"auto\", got %q", s)
	}
	*b = Bound{Value: &n}
	return nil
}

// Palette is either a named palette, the band's color table, or an explicit
// list of colors.
type Palette struct {
	Name   string
	Colors []color.NRGBA
}

const paletteColortable = "colortable"

// UnmarshalJSON accepts a palette name, "colortable", a single color (which
// ramps up from black) or a list of colors.
func (p *Palette) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if strings.EqualFold(s, paletteColortable) {
			*p = Palette{Name: paletteColortable}
			return nil
		}
		if _, ok := colormap.Named(s); ok {
			*p = Palette{Name: s}
			return nil
		}
		c, err := colormap.ParseColor(s)
		if err != nil {
			return fmt.Errorf("unknown palette %q", s)
		}
		*p = Palette{Colors: []color.NRGBA{{0, 0, 0, 255}, c}}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("palette must be a name or a list of colors")
	}
	colors := make([]color.NRGBA, 0, len(list))
	for _, s := range list {
		c, err := colormap.ParseColor(s)
		if err != nil {
			return err
		}
		colors = append(colors, c)
	}
	*p = Palette{Colors: colors}
	return nil
}

// ParseStyle parses a style given either as a single band object or as
// {"bands": [...]}. An empty string, or an object naming no band, yields a
// nil style.
func ParseStyle(s string) (*Style, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, apperr.New(apperr.InvalidArgument, "style is not a JSON object")
	}
	if raw, ok := obj["bands"]; ok {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, apperr.New(apperr.InvalidArgument, "style bands must be a list")
		}
		style := &Style{}
		for i, item := range list {
			band, err := parseStyleBand(item)
			if err != nil {
				return nil, apperr.Wrap(apperr.InvalidArgument, err, "style band %d", i)
			}
			style.Bands = append(style.Bands, band)
		}
		if len(style.Bands) == 0 {
			return nil, nil
		}
		return style, nil
	}
	if _, ok := obj["band"]; !ok {
		return nil, nil
	}
	band, err := parseStyleBand([]byte(s))
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, err, "invalid style")
	}
	return &Style{Bands: []StyleBand{band}}, nil
}

func parseStyleBand(raw []byte) (StyleBand, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return StyleBand{}, fmt.Errorf("not a JSON object")
	}
	if _, ok := obj["band"]; !ok {
		return StyleBand{}, fmt.Errorf("band is required")
	}
	var band StyleBand
	if err := json.Unmarshal(raw, &band); err != nil {
		return StyleBand{}, err
	}
	if _, err := colormap.ParseScheme(string(band.Scheme)); err != nil {
		return StyleBand{}, err
	}
	if band.Composite != "" {
		op, err := render.ParseOp(string(band.Composite))
		if err != nil {
			return StyleBand{}, err
		}
		band.Composite = op
	}
	if band.Palette != nil && band.Palette.Name == "" && len(band.Palette.Colors) < 2 {
		return StyleBand{}, fmt.Errorf("a palette needs at least 2 colors")
	}
	return band, nil
}

// interpPalettes are the default palettes of the standard interpretations.
var interpPalettes = map[string][]color.NRGBA{
	"red":   {{0, 0, 0, 255}, {255, 0, 0, 255}},
	"green": {{0, 0, 0, 255}, {0, 255, 0, 255}},
	"blue":  {{0, 0, 0, 255}, {0, 0, 255, 255}},
	"gray":  {{0, 0, 0, 255}, {255, 255, 255, 255}},
	"alpha": {{255, 255, 255, 0}, {255, 255, 255, 255}},
}

// probeOrder is the order in which interpretations are tried for the
// default rendering.
var probeOrder = []string{"red", "green", "blue", "gray", "palette", "alpha"}

// layer is a resolved style band.
type layer struct {
	band   int
	ramp   *colormap.Ramp
	nodata *float64
	op     render.Op

	// nearest disables interpolation of color table indices.
	nearest bool

	// truecolor layers map bands 1-3 (or 1) straight to RGB (or gray).
	truecolor bool
	ranges    [][2]float64
}

// resolveLayers turns a style into layers for a raster with the given
// bands. A nil style, or a single band -1, probes the standard
// interpretations. Band -1 among other bands is the full-color layer.
func resolveLayers(style *Style, bands map[int]BandInfo) ([]layer, error) {
	var sbs []StyleBand
	if style != nil {
		sbs = style.Bands
	}
	if len(sbs) == 0 || (len(sbs) == 1 && sbs[0].Band.Index == -1 && sbs[0].Band.Interp == "") {
		sbs = defaultStyleBands(bands)
		if len(sbs) == 0 {
			return []layer{truecolorLayer(bands)}, nil
		}
	}
	layers := make([]layer, 0, len(sbs))
	for _, sb := range sbs {
		if sb.Band.Index == -1 && sb.Band.Interp == "" {
			// the full-color rendering as one opaque layer of the stack
			l := truecolorLayer(bands)
			if sb.Composite != "" {
				l.op = sb.Composite
			}
			layers = append(layers, l)
			continue
		}
		l, err := resolveBand(sb, bands)
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	return layers, nil
}

func defaultStyleBands(bands map[int]BandInfo) []StyleBand {
	var out []StyleBand
	for _, interp := range probeOrder {
		if (interp == "gray" || interp == "palette") && len(out) > 0 {
			continue
		}
		if interp == "alpha" && len(out) == 0 {
			continue
		}
		n := findBand(bands, interp)
		if n == 0 {
			continue
		}
		sb := StyleBand{Band: BandRef{Index: n}, Composite: render.Lighten}
		if interp == "palette" {
			sb.Palette = &Palette{Name: paletteColortable}
		} else {
			sb.Palette = &Palette{Colors: interpPalettes[interp]}
			sb.Min = Bound{Auto: true}
			sb.Max = Bound{Auto: true}
			sb.Nodata = Bound{Auto: true}
			sb.Scheme = colormap.Linear
		}
		if interp == "alpha" {
			sb.Composite = render.Multiply
		}
		out = append(out, sb)
	}
	return out
}

func sortedBands(bands map[int]BandInfo) []int {
	nums := make([]int, 0, len(bands))
	for n := range bands {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// findBand returns the lowest band number with the interpretation, or 0.
func findBand(bands map[int]BandInfo, interp string) int {
	for _, n := range sortedBands(bands) {
		if strings.EqualFold(bands[n].Interpretation, interp) {
			return n
		}
	}
	return 0
}

func resolveBand(sb StyleBand, bands map[int]BandInfo) (layer, error) {
	n := sb.Band.Index
	byInterp := sb.Band.Interp != ""
	if byInterp {
		n = findBand(bands, sb.Band.Interp)
		if n == 0 {
			return layer{}, apperr.New(apperr.InvalidArgument, "no band has interpretation %q", sb.Band.Interp)
		}
	}
	info, ok := bands[n]
	if !ok {
		return layer{}, apperr.New(apperr.InvalidArgument, "band %d does not exist", n)
	}

	scheme := sb.Scheme
	if scheme == "" {
		scheme = colormap.Discrete
		if byInterp && sb.Palette == nil {
			scheme = colormap.Linear
		}
	}
	palette := sb.Palette
	if palette == nil {
		switch {
		case byInterp && interpPalettes[sb.Band.Interp] != nil:
			palette = &Palette{Colors: interpPalettes[sb.Band.Interp]}
		case len(info.Colortable) > 0:
			palette = &Palette{Name: paletteColortable}
		default:
			palette = &Palette{Name: "viridis"}
		}
	}

	var ramp *colormap.Ramp
	var err error
	if palette.Name == paletteColortable {
		if len(info.Colortable) == 0 {
			return layer{}, apperr.New(apperr.InvalidArgument, "band %d has no color table", n)
		}
		values := make([]float64, len(info.Colortable))
		colors := make([]color.NRGBA, len(info.Colortable))
		for i, c := range info.Colortable {
			values[i] = float64(i)
			colors[i] = color.NRGBA{R: c[0], G: c[1], B: c[2], A: c[3]}
		}
		ramp, err = colormap.NewStops(values, colors, scheme)
	} else {
		colors := palette.Colors
		if palette.Name != "" {
			colors, _ = colormap.Named(palette.Name)
		}
		lo, hi := resolveRange(sb.Min, sb.Max, info)
		ramp, err = colormap.NewRamp(colors, lo, hi, scheme)
	}
	if err != nil {
		return layer{}, apperr.Wrap(apperr.InvalidArgument, err, "band %d", n)
	}

	var nodata *float64
	switch {
	case sb.Nodata.Auto:
		nodata = info.Nodata
	case sb.Nodata.Value != nil:
		nodata = sb.Nodata.Value
	}
	op := sb.Composite
	if op == "" {
		op = render.Lighten
	}
	return layer{band: n, ramp: ramp, nodata: nodata, op: op, nearest: palette.Name == paletteColortable}, nil
}

// resolveRange applies the min/max rules: unset bounds are 0 and 255, and
// "auto" uses the band's range unless it already fits in [0, 255].
func resolveRange(min, max Bound, info BandInfo) (float64, float64) {
	autoLo, autoHi := autoRange(info)
	lo, hi := 0.0, 255.0
	switch {
	case min.Auto:
		lo = autoLo
	case min.Value != nil:
		lo = *min.Value
	}
	switch {
	case max.Auto:
		hi = autoHi
	case max.Value != nil:
		hi = *max.Value
	}
	return lo, hi
}

func autoRange(info BandInfo) (float64, float64) {
	if info.Min == nil || info.Max == nil {
		return 0, 255
	}
	if *info.Min >= 0 && *info.Max <= 255 {
		return 0, 255
	}
	return *info.Min, *info.Max
}

func truecolorLayer(bands map[int]BandInfo) layer {
	l := layer{truecolor: true, op: render.SrcOver}
	nums := sortedBands(bands)
	for _, n := range nums {
		lo, hi := autoRange(bands[n])
		l.ranges = append(l.ranges, [2]float64{lo, hi})
	}
	if len(nums) > 0 {
		l.nodata = bands[nums[0]].Nodata
	}
	return l
}

// colorize returns the color of a band value, or false when the pixel is
// transparent in this layer.
func (l *layer) colorize(v float64) (color.NRGBA, bool) {
	if math.IsNaN(v) || (l.nodata != nil && v == *l.nodata) {
		return color.NRGBA{}, false
	}
	return l.ramp.At(v)
}

// truecolorPixel maps the values of all bands of a pixel to RGB(A), or to
// gray(+alpha) for rasters with fewer than 3 bands.
func (l *layer) truecolorPixel(values []float64) (color.NRGBA, bool) {
	if len(values) == 0 || math.IsNaN(values[0]) || (l.nodata != nil && values[0] == *l.nodata) {
		return color.NRGBA{}, false
	}
	scale := func(i int) uint8 {
		r := l.ranges[i]
		if r[1] <= r[0] {
			return 0
		}
		f := (values[i] - r[0]) / (r[1] - r[0]) * 255
		return uint8(math.Max(0, math.Min(255, math.Round(f))))
	}
	if len(values) >= 3 {
		c := color.NRGBA{R: scale(0), G: scale(1), B: scale(2), A: 255}
		if len(values) >= 4 {
			c.A = scale(3)
		}
		return c, true
	}
	g := scale(0)
	c := color.NRGBA{R: g, G: g, B: g, A: 255}
	if len(values) == 2 {
		c.A = scale(1)
	}
	return c, true
}
