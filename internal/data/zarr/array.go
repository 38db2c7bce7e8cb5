package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ArrayMeta is the zarr.json document of a Zarr v3 array.
type ArrayMeta struct {
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
	Shape      []int  `json:"shape"`
	DataType   string `json:"data_type"`
	ChunkGrid  struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue      interface{}                `json:"fill_value"`
	Codecs         []Codec                    `json:"codecs"`
	DimensionNames []string                   `json:"dimension_names,omitempty"`
	Attributes     map[string]json.RawMessage `json:"attributes,omitempty"`
}

// ChunkShape returns the regular chunk shape.
func (m *ArrayMeta) ChunkShape() []int { return m.ChunkGrid.Configuration.ChunkShape }

// Array is an open Zarr v3 array. Decoded chunks are kept in a small LRU.
type Array struct {
	store  Store
	path   string
	meta   ArrayMeta
	fill   float64
	chunks *lru.Cache[string, []float64]
}

const defaultChunkCache = 64

// OpenArray loads the array metadata at path.
func OpenArray(ctx context.Context, store Store, path string) (*Array, error) {
	data, err := store.Get(ctx, joinKey(path, "zarr.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read array metadata %s: %w", path, err)
	}
	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse array metadata %s: %w", path, err)
	}
	if meta.NodeType != "" && meta.NodeType != "array" {
		return nil, fmt.Errorf("%s is a %s, not an array", path, meta.NodeType)
	}
	return newArray(store, path, meta)
}

func newArray(store Store, path string, meta ArrayMeta) (*Array, error) {
	if len(meta.Shape) == 0 || len(meta.Shape) != len(meta.ChunkShape()) {
		return nil, fmt.Errorf("invalid zarr metadata: shape %v chunk_shape %v", meta.Shape, meta.ChunkShape())
	}
	for d, c := range meta.ChunkShape() {
		if c <= 0 {
			return nil, fmt.Errorf("invalid chunk shape at dim %d: %d", d, c)
		}
	}
	if _, err := DTypeSize(meta.DataType); err != nil {
		return nil, err
	}
	fill, err := fillValue(meta.FillValue)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, []float64](defaultChunkCache)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}
	return &Array{store: store, path: path, meta: meta, fill: fill, chunks: cache}, nil
}

// ArraySpec describes an array to create.
type ArraySpec struct {
	Shape          []int
	ChunkShape     []int
	DataType       string
	FillValue      float64
	Compression    string
	DimensionNames []string
	Attributes     map[string]interface{}
}

// CreateArray writes the metadata for a new array and returns it.
func CreateArray(ctx context.Context, store Store, path string, spec ArraySpec) (*Array, error) {
	codecs, err := codecsFor(spec.Compression)
	if err != nil {
		return nil, err
	}
	var meta ArrayMeta
	meta.ZarrFormat = 3
	meta.NodeType = "array"
	meta.Shape = spec.Shape
	meta.DataType = spec.DataType
	meta.ChunkGrid.Name = "regular"
	meta.ChunkGrid.Configuration.ChunkShape = spec.ChunkShape
	meta.ChunkKeyEncoding.Name = "default"
	meta.ChunkKeyEncoding.Configuration.Separator = "/"
	meta.FillValue = jsonFill(spec.FillValue)
	meta.Codecs = codecs
	meta.DimensionNames = spec.DimensionNames
	if len(spec.Attributes) > 0 {
		meta.Attributes = make(map[string]json.RawMessage, len(spec.Attributes))
		for k, v := range spec.Attributes {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode attribute %s: %w", k, err)
			}
			meta.Attributes[k] = raw
		}
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode array metadata: %w", err)
	}
	if err := store.Set(ctx, joinKey(path, "zarr.json"), data); err != nil {
		return nil, fmt.Errorf("failed to write array metadata %s: %w", path, err)
	}
	return newArray(store, path, meta)
}

func jsonFill(v float64) interface{} {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	}
	return v
}

// Meta returns the array metadata.
func (a *Array) Meta() *ArrayMeta { return &a.meta }

// Shape returns the array shape.
func (a *Array) Shape() []int { return a.meta.Shape }

// DataType returns the zarr data_type.
func (a *Array) DataType() string { return a.meta.DataType }

// Fill returns the fill value.
func (a *Array) Fill() float64 { return a.fill }

func joinKey(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "/")
}

func (a *Array) chunkKey(idx []int) string {
	sep := a.meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	if a.meta.ChunkKeyEncoding.Name == "v2" {
		return joinKey(a.path, strings.Join(parts, sep))
	}
	return joinKey(a.path, "c"+sep+strings.Join(parts, sep))
}

// readChunk returns the decoded values of one full chunk. Missing chunks
// are all fill value.
func (a *Array) readChunk(ctx context.Context, idx []int) ([]float64, error) {
	key := a.chunkKey(idx)
	if v, ok := a.chunks.Get(key); ok {
		return v, nil
	}
	n := product(a.meta.ChunkShape())
	data, err := a.store.Get(ctx, key)
	var values []float64
	switch {
	case errors.Is(err, ErrNotFound):
		values = make([]float64, n)
		if a.fill != 0 {
			for i := range values {
				values[i] = a.fill
			}
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read chunk %s: %w", key, err)
	default:
		raw, order, err := decodeChunk(a.meta.Codecs, data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode chunk %s: %w", key, err)
		}
		if values, err = decodeValues(a.meta.DataType, order, raw); err != nil {
			return nil, err
		}
		if len(values) < n {
			return nil, fmt.Errorf("chunk %s too short: got %d values, expected %d", key, len(values), n)
		}
	}
	a.chunks.Add(key, values)
	return values, nil
}

// WriteChunk encodes and stores one full chunk of values in C order.
func (a *Array) WriteChunk(ctx context.Context, idx []int, values []float64) error {
	if want := product(a.meta.ChunkShape()); len(values) != want {
		return fmt.Errorf("chunk has %d values, expected %d", len(values), want)
	}
	raw, err := encodeValues(a.meta.DataType, values)
	if err != nil {
		return err
	}
	data, err := encodeChunk(a.meta.Codecs, raw)
	if err != nil {
		return err
	}
	key := a.chunkKey(idx)
	if err := a.store.Set(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write chunk %s: %w", key, err)
	}
	a.chunks.Remove(key)
	return nil
}

// Read returns the elements selected by start, stop and step in every
// dimension, in C order, plus the shape of the selection. Stops are
// clamped to the array shape.
func (a *Array) Read(ctx context.Context, start, stop, step []int) ([]float64, []int, error) {
	nd := len(a.meta.Shape)
	if len(start) != nd || len(stop) != nd || len(step) != nd {
		return nil, nil, fmt.Errorf("selection has wrong rank for shape %v", a.meta.Shape)
	}
	outShape := make([]int, nd)
	for d := 0; d < nd; d++ {
		if step[d] <= 0 {
			return nil, nil, fmt.Errorf("invalid step %d at dim %d", step[d], d)
		}
		hi := min(stop[d], a.meta.Shape[d])
		if start[d] < 0 || start[d] >= hi {
			return nil, nil, fmt.Errorf("selection [%d:%d] out of range at dim %d (shape %d)", start[d], stop[d], d, a.meta.Shape[d])
		}
		outShape[d] = ceilDiv(hi-start[d], step[d])
	}
	out := make([]float64, product(outShape))
	chunkShape := a.meta.ChunkShape()

	// group output coordinates by chunk along each dimension
	spans := make([][]span, nd)
	for d := 0; d < nd; d++ {
		for o := 0; o < outShape[d]; {
			src := start[d] + o*step[d]
			c := src / chunkShape[d]
			s := span{chunk: c, src: src - c*chunkShape[d], out: o}
			for o < outShape[d] && (start[d]+o*step[d])/chunkShape[d] == c {
				s.n++
				o++
			}
			spans[d] = append(spans[d], s)
		}
	}
	outStrides := strides(outShape)
	chunkStrides := strides(chunkShape)

	idx := make([]int, nd)
	var walk func(d int, sel []span) error
	sel := make([]span, nd)
	walk = func(d int, sel []span) error {
		if d == nd {
			for i := range sel {
				idx[i] = sel[i].chunk
			}
			values, err := a.readChunk(ctx, idx)
			if err != nil {
				return err
			}
			copySpans(values, out, sel, step, chunkStrides, outStrides)
			return nil
		}
		for _, s := range spans[d] {
			if err := ctx.Err(); err != nil {
				return err
			}
			sel[d] = s
			if err := walk(d+1, sel); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(0, sel); err != nil {
		return nil, nil, err
	}
	return out, outShape, nil
}

// span is a run of selected elements along one dimension that fall in the
// same chunk.
type span struct {
	chunk int
	src   int
	out   int
	n     int
}

func copySpans(src, dst []float64, sel []span, step, srcStrides, dstStrides []int) {
	nd := len(sel)
	var rec func(d, so, do int)
	rec = func(d, so, do int) {
		s := sel[d]
		for i := 0; i < s.n; i++ {
			si := so + (s.src+i*step[d])*srcStrides[d]
			di := do + (s.out+i)*dstStrides[d]
			if d == nd-1 {
				dst[di] = src[si]
			} else {
				rec(d+1, si, di)
			}
		}
	}
	rec(0, 0, 0)
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for d := len(shape) - 1; d >= 0; d-- {
		s[d] = acc
		acc *= shape[d]
	}
	return s
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
