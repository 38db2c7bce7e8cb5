package colormap

import (
	"fmt"
	"image/color"
	"sort"
)

// Scheme selects how values between ramp stops are colored.
type Scheme string

const (
	// Discrete uses the color of the greatest stop not above the value.
	Discrete Scheme = "discrete"
	// Linear interpolates between neighbouring stops.
	Linear Scheme = "linear"
	// Exact only colors values equal to a stop.
	Exact Scheme = "exact"
)

// ParseScheme validates a scheme name. The empty string is returned as is.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case "", Discrete, Linear, Exact:
		return Scheme(s), nil
	}
	return "", fmt.Errorf("invalid scheme %q", s)
}

// Ramp maps raw values to colors through sorted stops.
type Ramp struct {
	Values []float64
	Colors []color.NRGBA
	Scheme Scheme
}

// NewRamp returns a ramp spreading colors evenly from min to max.
func NewRamp(colors []color.NRGBA, min, max float64, scheme Scheme) (*Ramp, error) {
	if len(colors) < 2 {
		return nil, fmt.Errorf("a palette must have at least 2 colors")
	}
	return &Ramp{Values: Interpolate(min, max, len(colors)), Colors: colors, Scheme: scheme}, nil
}

// NewStops returns a ramp with explicit stop values, as used for color
// tables where each entry is keyed by its raw value.
func NewStops(values []float64, colors []color.NRGBA, scheme Scheme) (*Ramp, error) {
	if len(values) != len(colors) || len(values) == 0 {
		return nil, fmt.Errorf("stops need one value per color")
	}
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })
	r := &Ramp{Values: make([]float64, len(values)), Colors: make([]color.NRGBA, len(colors)), Scheme: scheme}
	for i, j := range idx {
		r.Values[i] = values[j]
		r.Colors[i] = colors[j]
	}
	return r, nil
}

// Interpolate returns n evenly spaced values from min to max inclusive.
func Interpolate(min, max float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = min
		return out
	}
	step := (max - min) / float64(n-1)
	for i := range out {
		out[i] = min + step*float64(i)
	}
	out[n-1] = max
	return out
}

// At returns the color for v. The second result is false when v falls below
// the first stop, or is not a stop under the exact scheme.
func (r *Ramp) At(v float64) (color.NRGBA, bool) {
	n := len(r.Values)
	if n == 0 || v < r.Values[0] || v != v {
		return color.NRGBA{}, false
	}
	// first stop strictly greater than v
	i := sort.Search(n, func(i int) bool { return r.Values[i] > v })
	switch r.Scheme {
	case Exact:
		if r.Values[i-1] == v {
			return r.Colors[i-1], true
		}
		return color.NRGBA{}, false
	case Linear:
		if i == n {
			return r.Colors[n-1], true
		}
		lo, hi := r.Values[i-1], r.Values[i]
		t := 0.0
		if hi > lo {
			t = (v - lo) / (hi - lo)
		}
		return lerp(r.Colors[i-1], r.Colors[i], t), true
	default:
		return r.Colors[i-1], true
	}
}

func lerp(a, b color.NRGBA, t float64) color.NRGBA {
	mix := func(x, y uint8) uint8 {
		return clamp8(float64(x) + t*(float64(y)-float64(x)))
	}
	return color.NRGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: mix(a.A, b.A)}
}
