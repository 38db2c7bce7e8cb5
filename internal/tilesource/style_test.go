package tilesource

import (
	"testing"

	"github.com/large-image/server/internal/apperr"
	"github.com/large-image/server/internal/render"
)

func fp(v float64) *float64 { return &v }

func TestParseStyle(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		bands   int
		wantErr bool
	}{
		{"empty", "", 0, false},
		{"no band", `{"palette":"viridis"}`, 0, false},
		{"single", `{"band":1,"min":"auto","max":100}`, 1, false},
		{"interpretation", `{"band":"red"}`, 1, false},
		{"list", `{"bands":[{"band":1},{"band":"2","composite":"multiply"}]}`, 2, false},
		{"default alone", `{"band":-1}`, 1, false},
		{"not an object", `[1,2]`, 0, true},
		{"bad json", `{"band":`, 0, true},
		{"default in list", `{"bands":[{"band":-1},{"band":1,"palette":"viridis"}]}`, 2, false},
		{"bad scheme", `{"band":1,"scheme":"cubic"}`, 0, true},
		{"bad composite", `{"band":1,"composite":"xor"}`, 0, true},
		{"bad palette", `{"band":1,"palette":"not-a-palette"}`, 0, true},
		{"bad min", `{"band":1,"min":"low"}`, 0, true},
		{"band missing in list", `{"bands":[{"min":1}]}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			style, err := ParseStyle(tt.in)
			if tt.wantErr {
				if !apperr.Is(err, apperr.InvalidArgument) {
					t.Fatalf("expected InvalidArgument, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseStyle: %v", err)
			}
			got := 0
			if style != nil {
				got = len(style.Bands)
			}
			if got != tt.bands {
				t.Fatalf("bands = %d, want %d", got, tt.bands)
			}
		})
	}

	style, _ := ParseStyle(`{"band":"Red","min":"auto","nodata":"auto"}`)
	b := style.Bands[0]
	if b.Band.Interp != "red" || !b.Min.Auto || !b.Nodata.Auto || b.Max.Value != nil {
		t.Fatalf("parsed band = %+v", b)
	}
}

func TestResolveLayersDefault(t *testing.T) {
	rgba := map[int]BandInfo{
		1: {Interpretation: "red"},
		2: {Interpretation: "green"},
		3: {Interpretation: "blue"},
		4: {Interpretation: "alpha"},
	}
	layers, err := resolveLayers(nil, rgba)
	if err != nil {
		t.Fatalf("resolveLayers: %v", err)
	}
	if len(layers) != 4 || layers[0].band != 1 || layers[3].band != 4 {
		t.Fatalf("layers = %+v", layers)
	}
	if layers[0].op != render.Lighten || layers[3].op != render.Multiply {
		t.Fatalf("composites = %s, %s", layers[0].op, layers[3].op)
	}

	// gray is skipped once a color band is found
	mixed := map[int]BandInfo{1: {Interpretation: "gray"}, 2: {Interpretation: "red"}}
	layers, err = resolveLayers(&Style{Bands: []StyleBand{{Band: BandRef{Index: -1}}}}, mixed)
	if err != nil {
		t.Fatalf("resolveLayers: %v", err)
	}
	if len(layers) != 1 || layers[0].band != 2 {
		t.Fatalf("layers = %+v", layers)
	}

	undefined := map[int]BandInfo{1: {}, 2: {}, 3: {}}
	layers, err = resolveLayers(nil, undefined)
	if err != nil {
		t.Fatalf("resolveLayers: %v", err)
	}
	if len(layers) != 1 || !layers[0].truecolor || layers[0].op != render.SrcOver {
		t.Fatalf("bands without interpretation should render as true color, got %+v", layers)
	}

	style, err := ParseStyle(`{"bands":[{"band":-1},{"band":1,"palette":"viridis","composite":"multiply"}]}`)
	if err != nil {
		t.Fatalf("ParseStyle: %v", err)
	}
	layers, err = resolveLayers(style, undefined)
	if err != nil {
		t.Fatalf("resolveLayers: %v", err)
	}
	if len(layers) != 2 || !layers[0].truecolor || layers[0].op != render.SrcOver {
		t.Fatalf("band -1 in a list should be an opaque true color layer, got %+v", layers)
	}
	if layers[1].truecolor || layers[1].band != 1 || layers[1].op != render.Multiply {
		t.Fatalf("second layer = %+v", layers[1])
	}
}

func TestResolveBand(t *testing.T) {
	wide := map[int]BandInfo{1: {Min: fp(-100), Max: fp(1000), Nodata: fp(-9999)}}
	style, err := ParseStyle(`{"band":1,"min":"auto","max":"auto","nodata":"auto"}`)
	if err != nil {
		t.Fatal(err)
	}
	layers, err := resolveLayers(style, wide)
	if err != nil {
		t.Fatalf("resolveLayers: %v", err)
	}
	l := layers[0]
	if l.ramp.Values[0] != -100 || l.ramp.Values[len(l.ramp.Values)-1] != 1000 {
		t.Fatalf("auto range = %v", l.ramp.Values)
	}
	if _, ok := l.colorize(-9999); ok {
		t.Fatalf("nodata should not be colored")
	}

	narrow := map[int]BandInfo{1: {Min: fp(3), Max: fp(90)}}
	layers, _ = resolveLayers(style, narrow)
	if v := layers[0].ramp.Values; v[0] != 0 || v[len(v)-1] != 255 {
		t.Fatalf("8-bit auto range = %v", v)
	}

	paletted := map[int]BandInfo{1: {Interpretation: "palette", Colortable: [][4]uint8{{0, 0, 0, 0}, {255, 0, 0, 255}}}}
	layers, err = resolveLayers(nil, paletted)
	if err != nil {
		t.Fatalf("resolveLayers: %v", err)
	}
	if c, ok := layers[0].colorize(1); !ok || c.R != 255 {
		t.Fatalf("color table entry 1 = %#v, %v", c, ok)
	}

	for _, bad := range []string{`{"band":5}`, `{"band":"blue"}`, `{"band":1,"palette":"colortable"}`} {
		style, err := ParseStyle(bad)
		if err != nil {
			t.Fatalf("ParseStyle(%s): %v", bad, err)
		}
		if _, err := resolveLayers(style, wide); !apperr.Is(err, apperr.InvalidArgument) {
			t.Fatalf("resolveLayers(%s): expected InvalidArgument, got %v", bad, err)
		}
	}
}
