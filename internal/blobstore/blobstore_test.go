package blobstore

import (
	"context"
	"errors"
	"io"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Put(ctx, "items/a/file.png", []byte("hello"), "image/png"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := s.Get(ctx, "items/a/file.png")
	if err != nil || string(data) != "hello" {
		t.Fatalf("Get = %q, %v", data, err)
	}
	if size, _ := s.Size(ctx, "items/a/file.png"); size != 5 {
		t.Fatalf("Size = %d", size)
	}
	if err := s.Delete(ctx, "items/a/file.png"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "items/a/file.png"); err != nil {
		t.Fatalf("second Delete should be a no-op: %v", err)
	}
	if _, err := s.Get(ctx, "items/a/file.png"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeletePrefix(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, k := range []string{"p/x.zarr/zarr.json", "p/x.zarr/0/c/0/0", "p/y"} {
		if err := s.Put(ctx, k, []byte("1"), ""); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.DeletePrefix(ctx, "p/x.zarr/")
	if err != nil || n != 2 {
		t.Fatalf("DeletePrefix = %d, %v", n, err)
	}
	if ok, _ := s.Exists(ctx, "p/y"); !ok {
		t.Fatalf("unrelated key was deleted")
	}
}

func TestReaderAt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Put(ctx, "k", []byte("0123456789"), ""); err != nil {
		t.Fatal(err)
	}
	ra, size, err := s.ReaderAt(ctx, "k")
	if err != nil || size != 10 {
		t.Fatalf("ReaderAt size=%d err=%v", size, err)
	}
	buf := make([]byte, 4)
	if n, err := ra.ReadAt(buf, 3); err != nil || n != 4 || string(buf) != "3456" {
		t.Fatalf("ReadAt = %d %q %v", n, buf, err)
	}
	if n, err := ra.ReadAt(buf, 8); err != io.EOF || n != 2 {
		t.Fatalf("short ReadAt = %d %v", n, err)
	}
}

func TestOpenDir(t *testing.T) {
	ctx := context.Background()
	s, err := OpenDir(t.TempDir() + "/nested/blobs")
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	defer s.Close()
	if err := s.Put(ctx, "items/a/b.png", []byte("png"), "image/png"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	keys, err := s.List(ctx, "items/")
	if err != nil || len(keys) != 1 || keys[0] != "items/a/b.png" {
		t.Fatalf("List = %v, %v", keys, err)
	}
}
