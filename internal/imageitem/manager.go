// Package imageitem attaches pyramids to image items, serves tiles and
// thumbnails through the shared source cache, and runs the conversion and
// thumbnail batch jobs.
package imageitem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/large-image/server/internal/apperr"
	"github.com/large-image/server/internal/blobstore"
	"github.com/large-image/server/internal/cache"
	"github.com/large-image/server/internal/convert"
	"github.com/large-image/server/internal/jobs"
	"github.com/large-image/server/internal/metrics"
	"github.com/large-image/server/internal/render"
	"github.com/large-image/server/internal/sourcecache"
	"github.com/large-image/server/internal/store"
	"github.com/large-image/server/internal/tilesource"
)

// Job types registered by NewManager.
const (
	JobConvert          = "convert"
	JobCreateThumbnails = "thumbnails.create"
)

// Config contains image item configuration.
type Config struct {
	// MaxThumbnailFiles is the number of cached thumbnail files kept per
	// item. Zero disables thumbnail caching.
	MaxThumbnailFiles int
	Convert           convert.Options
	Observer          metrics.Observer
}

// Deps are the collaborators shared with the rest of the server.
type Deps struct {
	Store    *store.Store
	Blobs    *blobstore.Store
	Registry *tilesource.Registry
	Sources  *sourcecache.Cache[tilesource.Source]
	Tiles    *cache.Manager
	Renderer *render.Renderer
	Jobs     *jobs.Manager
}

// Manager is the image item manager.
type Manager struct {
	cfg      Config
	store    *store.Store
	blobs    *blobstore.Store
	registry *tilesource.Registry
	sources  *sourcecache.Cache[tilesource.Source]
	tiles    *cache.Manager
	renderer *render.Renderer
	jobs     *jobs.Manager
	now      func() time.Time
}

// NewManager creates the manager and registers its job executors. It must
// be called before the job manager is started.
func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.Observer == nil {
		cfg.Observer = metrics.Nop()
	}
	m := &Manager{
		cfg:      cfg,
		store:    deps.Store,
		blobs:    deps.Blobs,
		registry: deps.Registry,
		sources:  deps.Sources,
		tiles:    deps.Tiles,
		renderer: deps.Renderer,
		jobs:     deps.Jobs,
		now:      time.Now,
	}
	m.jobs.Register(JobConvert, m.CompleteConversion)
	m.jobs.Register(JobCreateThumbnails, m.runCreateThumbnails)
	return m
}

// CreateItem creates an empty image item.
func (m *Manager) CreateItem(ctx context.Context, name string) (*store.Item, error) {
	if name == "" {
		return nil, apperr.New(apperr.InvalidArgument, "item name is required")
	}
	item := &store.Item{ID: uuid.NewString(), Name: name, CreatedAt: m.now()}
	if err := m.store.CreateItem(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// Item returns an item, or NotFound.
func (m *Manager) Item(ctx context.Context, id string) (*store.Item, error) {
	item, err := m.store.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperr.New(apperr.NotFound, "item %s not found", id)
	}
	return item, nil
}

// Items lists all items.
func (m *Manager) Items(ctx context.Context) ([]*store.Item, error) {
	return m.store.ListItems(ctx)
}

// Files lists the files of an item, cached thumbnails included.
func (m *Manager) Files(ctx context.Context, itemID string) ([]*store.File, error) {
	if _, err := m.Item(ctx, itemID); err != nil {
		return nil, err
	}
	return m.store.ListFiles(ctx, itemID)
}

// UploadFile stores the bytes read from r as a file of an item.
func (m *Manager) UploadFile(ctx context.Context, itemID, name, mimeType string, r io.Reader) (*store.File, error) {
	if _, err := m.Item(ctx, itemID); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, apperr.New(apperr.InvalidArgument, "file name is required")
	}
	id := uuid.NewString()
	key := path.Join("items", itemID, id, path.Base(name))
	size, err := m.blobs.PutStream(ctx, key, r, mimeType)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err, "failed to store %s", name)
	}
	f := &store.File{
		ID:        id,
		ItemID:    itemID,
		Name:      name,
		MimeType:  mimeType,
		Size:      size,
		Key:       key,
		Layout:    tilesource.LayoutBlob,
		CreatedAt: m.now(),
	}
	if err := m.store.CreateFile(ctx, f); err != nil {
		_ = m.blobs.Delete(ctx, key)
		return nil, err
	}
	log.Printf("[ImageItem] uploaded %s to item %s (%s)", name, itemID, humanize.Bytes(uint64(size)))
	return f, nil
}

// AttachOptions controls AttachPyramid.
type AttachOptions struct {
	// Params are stored on the pyramid and used when a request does not
	// override them.
	Params tilesource.OpenParams
	// DirectOnly fails instead of scheduling a conversion.
	DirectOnly bool
	// Notify is recorded on the pending conversion marker.
	Notify bool
	// CRS and GeoTransform georeference a converted image.
	CRS          string
	GeoTransform []float64
}

// ConvertParams are the parameters of a conversion job.
type ConvertParams struct {
	OriginalID   string    `json:"originalId"`
	OutputName   string    `json:"outputName"`
	CRS          string    `json:"crs,omitempty"`
	GeoTransform []float64 `json:"geotransform,omitempty"`
	Projection   string    `json:"projection,omitempty"`
	Style        string    `json:"style,omitempty"`
}

// AttachPyramid makes fileID the pyramid of an item. If a backend can
// decode the file directly the pyramid is set at once and no job is
// returned; otherwise a conversion job is scheduled and the item is marked
// as pending until it finishes.
func (m *Manager) AttachPyramid(ctx context.Context, itemID, fileID string, opts AttachOptions) (*store.Job, error) {
	item, err := m.Item(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Pyramid != nil {
		return nil, apperr.New(apperr.Conflict, "item %s already has a large image", itemID)
	}
	if item.Pending != nil {
		return nil, apperr.New(apperr.Conflict, "item %s is scheduled to generate a large image", itemID)
	}
	f, err := m.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, apperr.New(apperr.NotFound, "file %s not found", fileID)
	}
	if f.ItemID != itemID || f.IsThumbnail {
		return nil, apperr.New(apperr.InvalidArgument, "file %s is not a file of item %s", fileID, itemID)
	}

	backend, probeErr := m.registry.Probe(ctx, tileFile(f))
	if probeErr == nil {
		pyramid := &store.Pyramid{
			FileID:        f.ID,
			Backend:       backend.Name(),
			Projection:    opts.Params.Projection,
			Style:         opts.Params.Style,
			UnitsPerPixel: opts.Params.UnitsPerPixel,
		}
		if err := m.claim(ctx, itemID, pyramid, nil); err != nil {
			return nil, err
		}
		log.Printf("[ImageItem] item %s uses %s directly with the %s backend", itemID, f.Name, backend.Name())
		return nil, nil
	}
	if opts.DirectOnly {
		return nil, probeErr
	}

	params := ConvertParams{
		OriginalID:   f.ID,
		OutputName:   convert.OutputName(f.Name, m.now()),
		CRS:          opts.CRS,
		GeoTransform: opts.GeoTransform,
		Projection:   opts.Params.Projection,
		Style:        opts.Params.Style,
	}
	job, err := m.jobs.Prepare(ctx, JobConvert, itemID, params)
	if err != nil {
		return nil, err
	}
	pending := &store.PendingConversion{JobID: job.ID, OriginalID: f.ID, Notify: opts.Notify}
	if err := m.claim(ctx, itemID, nil, pending); err != nil {
		m.jobs.Cancel(ctx, job.ID)
		return nil, err
	}
	m.jobs.Enqueue(ctx, job)
	log.Printf("[ImageItem] scheduled conversion job %s for %s", job.ID, f.Name)
	return job, nil
}

func (m *Manager) claim(ctx context.Context, itemID string, pyramid *store.Pyramid, pending *store.PendingConversion) error {
	ok, err := m.store.ClaimLargeImage(ctx, itemID, pyramid, pending)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.Conflict, "item %s already has a large image", itemID)
	}
	return nil
}

// CompleteConversion is the executor of conversion jobs. It writes the
// pyramid next to the original file and replaces the pending marker with
// the pyramid descriptor.
func (m *Manager) CompleteConversion(ctx context.Context, job *store.Job, progress jobs.Progress) error {
	var params ConvertParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return fmt.Errorf("failed to parse conversion params: %w", err)
	}
	item, err := m.Item(ctx, job.ItemID)
	if err != nil {
		return err
	}
	if item.Pending == nil || item.Pending.JobID != job.ID {
		return apperr.New(apperr.Conflict, "item %s is not waiting for job %s", item.ID, job.ID)
	}
	original, err := m.store.GetFile(ctx, params.OriginalID)
	if err != nil {
		return err
	}
	if original == nil {
		return apperr.New(apperr.NotFound, "original file %s not found", params.OriginalID)
	}

	progress("decode", 0, 1)
	data, err := m.blobs.Get(ctx, original.Key)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "failed to read %s", original.Name)
	}
	img, format, err := convert.Decode(data)
	if err != nil {
		return err
	}
	log.Printf("[ImageItem] converting %s (%s, %dx%d)", original.Name, format, img.Bounds().Dx(), img.Bounds().Dy())

	id := uuid.NewString()
	prefix := path.Join("items", item.ID, id, params.OutputName)
	opts := m.cfg.Convert
	opts.CRS, opts.GeoTransform = params.CRS, params.GeoTransform
	opts.Progress = func(done, total int) { progress("pyramid", done, total) }
	res, err := convert.WritePyramid(ctx, m.blobs, prefix, img, opts)
	if err != nil {
		m.removeBlobs(prefix, tilesource.LayoutZarr)
		return err
	}

	f := &store.File{
		ID:        id,
		ItemID:    item.ID,
		Name:      params.OutputName,
		MimeType:  "application/vnd+zarr",
		Size:      m.prefixSize(ctx, prefix),
		Key:       prefix,
		Layout:    tilesource.LayoutZarr,
		CreatedAt: m.now(),
	}
	if err := m.store.CreateFile(ctx, f); err != nil {
		m.removeBlobs(prefix, tilesource.LayoutZarr)
		return err
	}
	backend, err := m.registry.Probe(ctx, tileFile(f))
	if err != nil {
		m.deleteFile(context.Background(), f)
		return err
	}
	pyramid := &store.Pyramid{
		FileID:     f.ID,
		Backend:    backend.Name(),
		Projection: params.Projection,
		Style:      params.Style,
		OriginalID: original.ID,
		JobID:      job.ID,
	}
	if err := m.store.SetLargeImage(ctx, item.ID, pyramid, nil); err != nil {
		m.deleteFile(context.Background(), f)
		return err
	}
	log.Printf("[ImageItem] item %s converted: %d levels, %s", item.ID, res.Levels, humanize.Bytes(uint64(f.Size)))
	return nil
}

// DeletePyramid removes the pyramid or pending marker of an item, the
// derived pyramid file and every cached thumbnail. It reports whether the
// item had a pyramid or marker. It is refused while a conversion job is
// queued or running.
func (m *Manager) DeletePyramid(ctx context.Context, itemID string) (bool, error) {
	item, err := m.Item(ctx, itemID)
	if err != nil {
		return false, err
	}
	if item.Pending != nil {
		job, err := m.store.GetJob(ctx, item.Pending.JobID)
		if err != nil {
			return false, err
		}
		// a missing job no longer guards the item
		if job != nil && !job.Status.Terminal() {
			return false, apperr.New(apperr.Conflict, "conversion job %s of item %s is %s", job.ID, itemID, job.Status)
		}
	}

	deleted := false
	if item.Pyramid != nil || item.Pending != nil {
		if p := item.Pyramid; p != nil && p.OriginalID != "" && p.FileID != p.OriginalID {
			f, err := m.store.GetFile(ctx, p.FileID)
			if err != nil {
				return false, err
			}
			if f != nil {
				if err := m.deleteFile(ctx, f); err != nil {
					return false, err
				}
			}
		}
		if err := m.store.SetLargeImage(ctx, itemID, nil, nil); err != nil {
			return false, err
		}
		deleted = true
	}
	if _, _, err := m.RemoveThumbnailFiles(ctx, itemID, 0, store.NewestFirst, ""); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// DeleteItem deletes the pyramid state of an item and then the item with
// all of its files.
func (m *Manager) DeleteItem(ctx context.Context, itemID string) error {
	if _, err := m.DeletePyramid(ctx, itemID); err != nil {
		return err
	}
	files, err := m.store.ListFiles(ctx, itemID)
	if err != nil {
		return err
	}
	for _, f := range files {
		m.removeBlobs(f.Key, f.Layout)
	}
	return m.store.DeleteItem(ctx, itemID)
}

// deleteFile removes a file record and its blobs. It reports no error when
// the record was already gone.
func (m *Manager) deleteFile(ctx context.Context, f *store.File) error {
	if _, err := m.store.DeleteFile(ctx, f.ID); err != nil {
		return err
	}
	m.removeBlobs(f.Key, f.Layout)
	return nil
}

func (m *Manager) removeBlobs(key, layout string) {
	ctx := context.Background()
	var err error
	if layout == tilesource.LayoutZarr {
		_, err = m.blobs.DeletePrefix(ctx, key+"/")
	} else {
		err = m.blobs.Delete(ctx, key)
	}
	if err != nil {
		log.Printf("[ImageItem] failed to delete blobs of %s: %v", key, err)
	}
}

func (m *Manager) prefixSize(ctx context.Context, prefix string) int64 {
	keys, err := m.blobs.List(ctx, prefix+"/")
	if err != nil {
		return 0
	}
	var total int64
	for _, k := range keys {
		if n, err := m.blobs.Size(ctx, k); err == nil {
			total += n
		} else if !errors.Is(err, blobstore.ErrNotFound) {
			log.Printf("[ImageItem] failed to stat %s: %v", k, err)
		}
	}
	return total
}

func tileFile(f *store.File) *tilesource.File {
	return &tilesource.File{
		ID:       f.ID,
		Name:     f.Name,
		MimeType: f.MimeType,
		Size:     f.Size,
		Key:      f.Key,
		Layout:   f.Layout,
	}
}
