package tilesource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"

	"github.com/large-image/server/internal/apperr"
)

// Registry is the ordered list of backends tried for each file.
type Registry struct {
	backends []Backend
}

// NewRegistry returns a registry that probes backends in the given order.
func NewRegistry(backends ...Backend) *Registry {
	return &Registry{backends: backends}
}

// Select returns a registry with only the named backends, in that order.
// An empty list keeps the registry as is.
func (r *Registry) Select(names []string) (*Registry, error) {
	if len(names) == 0 {
		return r, nil
	}
	out := &Registry{}
	for _, name := range names {
		b, ok := r.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown backend %q", name)
		}
		out.backends = append(out.backends, b)
	}
	return out, nil
}

// Names lists the backends in probe order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.backends))
	for i, b := range r.backends {
		names[i] = b.Name()
	}
	return names
}

// Lookup finds a backend by name.
func (r *Registry) Lookup(name string) (Backend, bool) {
	for _, b := range r.backends {
		if b.Name() == name {
			return b, true
		}
	}
	return nil, false
}

// Probe returns the first backend that can decode f directly.
func (r *Registry) Probe(ctx context.Context, f *File) (Backend, error) {
	for _, b := range r.backends {
		if b.CanDecode(ctx, f) {
			return b, nil
		}
	}
	return nil, apperr.New(apperr.UnsupportedFormat, "no backend can decode %s", f.Name)
}

// Open opens f with the named backend.
func (r *Registry) Open(ctx context.Context, f *File, backend string, params OpenParams) (Source, error) {
	b, ok := r.Lookup(backend)
	if !ok {
		return nil, apperr.New(apperr.UnsupportedFormat, "unknown backend %q", backend)
	}
	if params.Projection != "" && !b.SupportsProjection() {
		return nil, apperr.New(apperr.InvalidArgument, "backend %s does not support projections", backend)
	}
	src, err := b.Open(ctx, f, params)
	if err != nil {
		return nil, err
	}
	log.Printf("[TileSource] opened %s with %s backend", f.Name, backend)
	return src, nil
}

// Fingerprint returns a stable key for a source constructed from f by the
// named backend with params. Per-call options such as the frame are not
// part of it.
func Fingerprint(f *File, backend string, params OpenParams) string {
	key := struct {
		File          string  `json:"file"`
		Key           string  `json:"key"`
		Size          int64   `json:"size"`
		Layout        string  `json:"layout"`
		Backend       string  `json:"backend"`
		Projection    string  `json:"projection"`
		Style         string  `json:"style"`
		UnitsPerPixel float64 `json:"unitsPerPixel"`
		TileSize      int     `json:"tileSize"`
	}{
		File:          f.ID,
		Key:           f.Key,
		Size:          f.Size,
		Layout:        f.Layout,
		Backend:       backend,
		Projection:    params.Projection,
		Style:         canonicalJSON(params.Style),
		UnitsPerPixel: params.UnitsPerPixel,
		TileSize:      params.TileSize,
	}
	data, _ := json.Marshal(key)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON re-encodes s with sorted keys so equivalent styles share a
// fingerprint. Strings that are not JSON are returned unchanged.
func canonicalJSON(s string) string {
	if s == "" {
		return s
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return s
	}
	return string(data)
}
