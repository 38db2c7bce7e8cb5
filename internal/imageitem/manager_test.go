package imageitem

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/large-image/server/internal/apperr"
	"github.com/large-image/server/internal/blobstore"
	"github.com/large-image/server/internal/cache"
	"github.com/large-image/server/internal/jobs"
	"github.com/large-image/server/internal/render"
	"github.com/large-image/server/internal/sourcecache"
	"github.com/large-image/server/internal/store"
	"github.com/large-image/server/internal/tilesource"
)

type harness struct {
	m     *Manager
	store *store.Store
	blobs *blobstore.Store
	jobs  *jobs.Manager
}

type harnessOptions struct {
	maxThumbnails   int
	directMaxPixels int64
	startJobs       bool
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "items.db"))
	require.NoError(t, err)
	blobs, err := blobstore.Open(ctx, "mem://")
	require.NoError(t, err)

	tcfg := tilesource.DefaultConfig()
	tcfg.TileSize = 128
	if opts.directMaxPixels > 0 {
		tcfg.DirectMaxPixels = opts.directMaxPixels
	}
	registry := tilesource.NewRegistry(
		tilesource.NewGeoBackend(blobs, tcfg),
		tilesource.NewStackBackend(blobs, tcfg),
		tilesource.NewImageBackend(blobs, tcfg),
	)
	sources, err := sourcecache.New[tilesource.Source](4)
	require.NoError(t, err)
	tiles, err := cache.NewManager(cache.Config{TileCacheSizeMB: 16, TileTTL: time.Minute})
	require.NoError(t, err)
	jm := jobs.NewManager(st, jobs.Config{MaxConcurrent: 1})

	cfg := Config{MaxThumbnailFiles: opts.maxThumbnails}
	cfg.Convert.TileSize = 128
	m := NewManager(cfg, Deps{
		Store:    st,
		Blobs:    blobs,
		Registry: registry,
		Sources:  sources,
		Tiles:    tiles,
		Renderer: render.NewRenderer(render.Config{TileSize: 128}),
		Jobs:     jm,
	})
	if opts.startJobs {
		jm.Start()
	}
	t.Cleanup(func() {
		jm.Stop()
		sources.Clear()
		tiles.Close()
		blobs.Close()
		st.Close()
	})
	return &harness{m: m, store: st, blobs: blobs, jobs: jm}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// newImageItem creates an item with one uploaded 300x200 PNG.
func (h *harness) newImageItem(t *testing.T, name string) (*store.Item, *store.File) {
	t.Helper()
	ctx := context.Background()
	item, err := h.m.CreateItem(ctx, name)
	require.NoError(t, err)
	f, err := h.m.UploadFile(ctx, item.ID, name+".png", "image/png", bytes.NewReader(pngBytes(t, 300, 200)))
	require.NoError(t, err)
	return item, f
}

func (h *harness) waitJob(t *testing.T, id string) *store.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := h.jobs.Wait(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	return job
}

func TestAttachDirectPyramid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{maxThumbnails: 10, startJobs: true})
	item, f := h.newImageItem(t, "slide")

	job, err := h.m.AttachPyramid(ctx, item.ID, f.ID, AttachOptions{})
	require.NoError(t, err)
	assert.Nil(t, job)

	got, err := h.m.Item(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Pyramid)
	assert.Equal(t, "image", got.Pyramid.Backend)
	assert.Equal(t, f.ID, got.Pyramid.FileID)
	assert.Nil(t, got.Pending)

	_, err = h.m.AttachPyramid(ctx, item.ID, f.ID, AttachOptions{})
	assert.True(t, apperr.Is(err, apperr.Conflict), "second attach: %v", err)

	meta, err := h.m.Metadata(ctx, item.ID, tilesource.OpenParams{})
	require.NoError(t, err)
	assert.Equal(t, 300, meta.SizeX)
	assert.Equal(t, 200, meta.SizeY)
	assert.Equal(t, 3, meta.Levels)

	first, mime, err := h.m.Tile(ctx, item.ID, TileRequest{Z: 2, X: 1, Y: 1})
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	second, _, err := h.m.Tile(ctx, item.ID, TileRequest{Z: 2, X: 1, Y: 1})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, _, err = h.m.Tile(ctx, item.ID, TileRequest{Z: 3})
	assert.True(t, apperr.Is(err, apperr.OutOfRange), "tile past the last level: %v", err)

	px, err := h.m.Pixel(ctx, item.ID, tilesource.OpenParams{}, tilesource.PixelOptions{X: 10, Y: 20})
	require.NoError(t, err)
	assert.Equal(t, []uint8{10, 20, 200, 255}, px.Channels)

	data, _, err := h.m.AssociatedImage(ctx, item.ID, "label", render.EncodeOptions{})
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestAttachRejectsForeignFile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{})
	a, _ := h.newImageItem(t, "a")
	_, fb := h.newImageItem(t, "b")

	_, err := h.m.AttachPyramid(ctx, a.ID, fb.ID, AttachOptions{})
	assert.True(t, apperr.Is(err, apperr.InvalidArgument), "got %v", err)
	_, err = h.m.AttachPyramid(ctx, "missing", fb.ID, AttachOptions{})
	assert.True(t, apperr.Is(err, apperr.NotFound), "got %v", err)
}

func TestThumbnailKey(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	plain, err := h.m.ThumbnailKey(ThumbnailRequest{Width: 256})
	require.NoError(t, err)
	assert.Equal(t, `{"encoding":"PNG","width":256}`, plain)

	noFill, err := h.m.ThumbnailKey(ThumbnailRequest{Width: 256, Fill: "None", Encoding: "png"})
	require.NoError(t, err)
	assert.Equal(t, plain, noFill)

	filled, err := h.m.ThumbnailKey(ThumbnailRequest{Width: 256, Height: 128, Fill: "#ff0000", OpenParams: tilesource.OpenParams{Style: `{"band":1}`}})
	require.NoError(t, err)
	assert.Equal(t, `{"encoding":"PNG","fill":"#ff0000","height":128,"style":"{\"band\":1}","width":256}`, filled)

	_, err = h.m.ThumbnailKey(ThumbnailRequest{Encoding: "gif"})
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))
}

func TestThumbnailCachedOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{maxThumbnails: 2})
	item, f := h.newImageItem(t, "slide")
	_, err := h.m.AttachPyramid(ctx, item.ID, f.ID, AttachOptions{})
	require.NoError(t, err)

	first, mime, err := h.m.Thumbnail(ctx, item.ID, ThumbnailRequest{Width: 256})
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	second, _, err := h.m.Thumbnail(ctx, item.ID, ThumbnailRequest{Width: 256, Fill: "none"})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	thumbs, err := h.store.ListThumbnails(ctx, item.ID, "", store.NewestFirst)
	require.NoError(t, err)
	require.Len(t, thumbs, 1)
	assert.Equal(t, `{"encoding":"PNG","width":256}`, thumbs[0].ThumbnailKey)

	decoded, err := png.Decode(bytes.NewReader(first))
	require.NoError(t, err)
	assert.Equal(t, 256, decoded.Bounds().Dx())
	assert.Equal(t, 171, decoded.Bounds().Dy())

	// two more distinct keys: the oldest is pruned to stay at the maximum
	for _, w := range []int{128, 64} {
		_, _, err := h.m.Thumbnail(ctx, item.ID, ThumbnailRequest{Width: w})
		require.NoError(t, err)
	}
	thumbs, err = h.store.ListThumbnails(ctx, item.ID, "", store.NewestFirst)
	require.NoError(t, err)
	require.Len(t, thumbs, 2)
	assert.Equal(t, `{"encoding":"PNG","width":64}`, thumbs[0].ThumbnailKey)
	assert.Equal(t, `{"encoding":"PNG","width":128}`, thumbs[1].ThumbnailKey)

	_, _, err = h.m.Thumbnail(ctx, item.ID, ThumbnailRequest{Width: 1})
	assert.True(t, apperr.Is(err, apperr.InvalidArgument), "got %v", err)
}

func TestThumbnailCachingDisabled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{maxThumbnails: 0})
	item, f := h.newImageItem(t, "slide")
	_, err := h.m.AttachPyramid(ctx, item.ID, f.ID, AttachOptions{})
	require.NoError(t, err)

	_, _, err = h.m.Thumbnail(ctx, item.ID, ThumbnailRequest{})
	require.NoError(t, err)
	thumbs, err := h.store.ListThumbnails(ctx, item.ID, "", store.NewestFirst)
	require.NoError(t, err)
	assert.Empty(t, thumbs)
}

func TestRemoveThumbnailFiles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{maxThumbnails: 10})
	item, f := h.newImageItem(t, "slide")
	_, err := h.m.AttachPyramid(ctx, item.ID, f.ID, AttachOptions{})
	require.NoError(t, err)
	for _, w := range []int{32, 48, 64} {
		_, _, err := h.m.Thumbnail(ctx, item.ID, ThumbnailRequest{Width: w})
		require.NoError(t, err)
	}

	present, removed, err := h.m.RemoveThumbnailFiles(ctx, item.ID, 1, store.OldestFirst, "")
	require.NoError(t, err)
	assert.Equal(t, 3, present)
	assert.Equal(t, 2, removed)

	thumbs, err := h.store.ListThumbnails(ctx, item.ID, "", store.NewestFirst)
	require.NoError(t, err)
	require.Len(t, thumbs, 1)
	assert.Equal(t, `{"encoding":"PNG","width":32}`, thumbs[0].ThumbnailKey)
	ok, err := h.blobs.Exists(ctx, thumbs[0].Key)
	require.NoError(t, err)
	assert.True(t, ok)

	present, removed, err = h.m.RemoveThumbnailFiles(ctx, item.ID, 0, store.NewestFirst, `{"encoding":"PNG","width":99}`)
	require.NoError(t, err)
	assert.Zero(t, present)
	assert.Zero(t, removed)
}

func TestConversionJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{maxThumbnails: 5, directMaxPixels: 1000, startJobs: true})
	item, original := h.newImageItem(t, "scan")

	job, err := h.m.AttachPyramid(ctx, item.ID, original.ID, AttachOptions{Notify: true})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobConvert, job.Type)

	done := h.waitJob(t, job.ID)
	require.Equal(t, store.JobStatusSuccess, done.Status, done.Error)

	got, err := h.m.Item(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Pyramid)
	assert.Nil(t, got.Pending)
	assert.Equal(t, "zarr", got.Pyramid.Backend)
	assert.Equal(t, original.ID, got.Pyramid.OriginalID)
	assert.Equal(t, job.ID, got.Pyramid.JobID)
	assert.NotEqual(t, original.ID, got.Pyramid.FileID)

	derived, err := h.store.GetFile(ctx, got.Pyramid.FileID)
	require.NoError(t, err)
	require.NotNil(t, derived)
	assert.Equal(t, "scan.zarr", derived.Name)
	assert.Equal(t, tilesource.LayoutZarr, derived.Layout)
	assert.Positive(t, derived.Size)

	meta, err := h.m.Metadata(ctx, item.ID, tilesource.OpenParams{})
	require.NoError(t, err)
	assert.Equal(t, 300, meta.SizeX)
	assert.Equal(t, 3, meta.Levels)
	_, _, err = h.m.Thumbnail(ctx, item.ID, ThumbnailRequest{Width: 64})
	require.NoError(t, err)

	deleted, err := h.m.DeletePyramid(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	gone, err := h.store.GetFile(ctx, derived.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	keys, err := h.blobs.List(ctx, derived.Key+"/")
	require.NoError(t, err)
	assert.Empty(t, keys)
	kept, err := h.store.GetFile(ctx, original.ID)
	require.NoError(t, err)
	assert.NotNil(t, kept)
	thumbs, err := h.store.ListThumbnails(ctx, item.ID, "", store.NewestFirst)
	require.NoError(t, err)
	assert.Empty(t, thumbs)

	deleted, err = h.m.DeletePyramid(ctx, item.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDeleteRefusedWhileConversionPending(t *testing.T) {
	ctx := context.Background()
	// the job manager is not started, so the conversion stays queued
	h := newHarness(t, harnessOptions{directMaxPixels: 1000})
	item, original := h.newImageItem(t, "scan")

	job, err := h.m.AttachPyramid(ctx, item.ID, original.ID, AttachOptions{})
	require.NoError(t, err)
	require.NotNil(t, job)

	_, err = h.m.AttachPyramid(ctx, item.ID, original.ID, AttachOptions{})
	assert.True(t, apperr.Is(err, apperr.Conflict), "attach while pending: %v", err)
	_, err = h.m.Metadata(ctx, item.ID, tilesource.OpenParams{})
	assert.True(t, apperr.Is(err, apperr.NotReady), "metadata while pending: %v", err)

	_, err = h.m.DeletePyramid(ctx, item.ID)
	assert.True(t, apperr.Is(err, apperr.Conflict), "delete while queued: %v", err)
	still, err := h.m.Item(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, still.Pending)
	assert.Equal(t, job.ID, still.Pending.JobID)

	require.True(t, h.jobs.Cancel(ctx, job.ID))
	deleted, err := h.m.DeletePyramid(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	cleared, err := h.m.Item(ctx, item.ID)
	require.NoError(t, err)
	assert.Nil(t, cleared.Pending)
	assert.Nil(t, cleared.Pyramid)
}

func TestDirectOnlyAttach(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{directMaxPixels: 1000})
	item, f := h.newImageItem(t, "scan")
	_, err := h.m.AttachPyramid(ctx, item.ID, f.ID, AttachOptions{DirectOnly: true})
	assert.True(t, apperr.Is(err, apperr.UnsupportedFormat), "got %v", err)
	got, err := h.m.Item(ctx, item.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Pending)
}

func TestThumbnailBatchJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{maxThumbnails: 5, startJobs: true})
	for _, name := range []string{"a", "b"} {
		item, f := h.newImageItem(t, name)
		_, err := h.m.AttachPyramid(ctx, item.ID, f.ID, AttachOptions{})
		require.NoError(t, err)
	}
	// an item without a pyramid is skipped
	_, err := h.m.CreateItem(ctx, "empty")
	require.NoError(t, err)

	specs := []ThumbnailRequest{{Width: 64}, {Width: 32, Encoding: "JPEG"}}
	job, err := h.m.CreateThumbnails(ctx, specs)
	require.NoError(t, err)
	done := h.waitJob(t, job.ID)
	require.Equal(t, store.JobStatusSuccess, done.Status, done.Error)

	items, err := h.store.ListItems(ctx)
	require.NoError(t, err)
	total := 0
	for _, item := range items {
		thumbs, err := h.store.ListThumbnails(ctx, item.ID, "", store.NewestFirst)
		require.NoError(t, err)
		total += len(thumbs)
	}
	assert.Equal(t, 4, total)

	removed, err := h.m.DeleteThumbnails(ctx, []ThumbnailRequest{{Width: 32, Encoding: "jpg"}})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	removed, err = h.m.DeleteThumbnails(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}
