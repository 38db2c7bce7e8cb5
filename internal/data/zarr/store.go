// Package zarr reads and writes Zarr v3 hierarchies over blob or zip stores.
package zarr

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/large-image/server/internal/blobstore"
)

// ErrNotFound is returned by stores for missing keys.
var ErrNotFound = errors.New("zarr: key not found")

// Store is a key/value view of a hierarchy. Keys are slash separated and
// relative to the hierarchy root.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte) error
}

// BlobStore keeps a hierarchy under a prefix of a blob bucket.
type BlobStore struct {
	blobs  *blobstore.Store
	prefix string
}

// NewBlobStore returns a store rooted at prefix.
func NewBlobStore(blobs *blobstore.Store, prefix string) *BlobStore {
	return &BlobStore{blobs: blobs, prefix: strings.TrimSuffix(prefix, "/")}
}

func (s *BlobStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + "/" + k
}

// Get implements Store.
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.blobs.Get(ctx, s.key(key))
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

// Set implements Store.
func (s *BlobStore) Set(ctx context.Context, key string, data []byte) error {
	return s.blobs.Put(ctx, s.key(key), data, "application/octet-stream")
}

// ZipStore reads a hierarchy packed in a zip archive. It is read-only.
type ZipStore struct {
	mu    sync.Mutex
	root  string
	files map[string]*zip.File
}

// NewZipStore indexes the archive. The hierarchy root is the shallowest
// directory holding a zarr.json.
func NewZipStore(r io.ReaderAt, size int64) (*ZipStore, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip store: %w", err)
	}
	s := &ZipStore{files: make(map[string]*zip.File, len(zr.File))}
	root := ""
	depth := -1
	for _, f := range zr.File {
		name := strings.TrimPrefix(f.Name, "/")
		s.files[name] = f
		if path.Base(name) == "zarr.json" {
			dir := path.Dir(name)
			d := strings.Count(name, "/")
			if depth < 0 || d < depth {
				depth = d
				root = dir
			}
		}
	}
	if depth < 0 {
		return nil, fmt.Errorf("zip archive has no zarr.json")
	}
	if root == "." {
		root = ""
	}
	s.root = root
	return s, nil
}

// Get implements Store.
func (s *ZipStore) Get(_ context.Context, key string) ([]byte, error) {
	name := key
	if s.root != "" {
		name = s.root + "/" + key
	}
	f, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	// the underlying ReaderAt may not tolerate concurrent reads
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Set implements Store.
func (s *ZipStore) Set(context.Context, string, []byte) error {
	return errors.New("zarr: zip store is read-only")
}

// WriteZip packs every key of src listed in keys into a zip archive.
func WriteZip(ctx context.Context, w io.Writer, src Store, keys []string) error {
	zw := zip.NewWriter(w)
	for _, k := range keys {
		data, err := src.Get(ctx, k)
		if err != nil {
			return err
		}
		// chunks are already compressed
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: k, Method: zip.Store})
		if err != nil {
			return fmt.Errorf("failed to add %s to zip: %w", k, err)
		}
		if _, err := fw.Write(data); err != nil {
			return fmt.Errorf("failed to add %s to zip: %w", k, err)
		}
	}
	return zw.Close()
}

// MapStore is an in-memory store.
type MapStore struct {
	mu   sync.RWMutex
	data map[string][]byte
	keys []string
}

// NewMapStore returns an empty in-memory store.
func NewMapStore() *MapStore {
	return &MapStore{data: make(map[string][]byte)}
}

// Get implements Store.
func (s *MapStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, nil
}

// Set implements Store.
func (s *MapStore) Set(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.data[key] = append([]byte(nil), data...)
	return nil
}

// Keys returns the keys in insertion order.
func (s *MapStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.keys...)
}
