package imageitem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/large-image/server/internal/blobstore"
	"github.com/large-image/server/internal/jobs"
	"github.com/large-image/server/internal/metrics"
	"github.com/large-image/server/internal/render"
	"github.com/large-image/server/internal/store"
	"github.com/large-image/server/internal/tilesource"
)

const thumbnailFileName = "_largeImageThumbnail"

// ThumbnailRequest holds every parameter that affects thumbnail output.
type ThumbnailRequest struct {
	tilesource.OpenParams
	Width           int    `json:"width,omitempty"`
	Height          int    `json:"height,omitempty"`
	Frame           int    `json:"frame,omitempty"`
	Encoding        string `json:"encoding,omitempty"`
	JPEGQuality     int    `json:"jpegQuality,omitempty"`
	JPEGSubsampling int    `json:"jpegSubsampling,omitempty"`
	TIFFCompression string `json:"tiffCompression,omitempty"`
	Fill            string `json:"fill,omitempty"`
}

// ThumbnailKey returns the canonical key of a request: compact JSON with
// sorted keys, without unset parameters. A fill of "none" counts as unset
// and the encoding is normalized.
func (m *Manager) ThumbnailKey(req ThumbnailRequest) (string, error) {
	enc, err := m.renderer.NormalizeEncoding(req.Encoding)
	if err != nil {
		return "", err
	}
	req.Encoding = enc
	if strings.EqualFold(req.Fill, "none") {
		req.Fill = ""
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode thumbnail key: %w", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("failed to encode thumbnail key: %w", err)
	}
	// json.Marshal sorts map keys
	key, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode thumbnail key: %w", err)
	}
	return string(key), nil
}

// Thumbnail returns an encoded thumbnail of an item. Rendered thumbnails
// are stored as files of the item under their canonical key when caching
// is enabled, after pruning the cached files to one below the maximum.
// Two concurrent misses for the same key may both store a file; pruning
// bounds the count again later.
func (m *Manager) Thumbnail(ctx context.Context, itemID string, req ThumbnailRequest) (data []byte, mime string, err error) {
	start := time.Now()
	defer func() { metrics.Since(m.cfg.Observer, "imageitem", "thumbnail", start, err) }()

	key, err := m.ThumbnailKey(req)
	if err != nil {
		return nil, "", err
	}
	existing, err := m.store.FindThumbnail(ctx, itemID, key)
	if err != nil {
		return nil, "", err
	}
	if existing != nil {
		data, err := m.blobs.Get(ctx, existing.Key)
		if err == nil {
			return data, existing.MimeType, nil
		}
		if !errors.Is(err, blobstore.ErrNotFound) {
			return nil, "", err
		}
		log.Printf("[ImageItem] thumbnail file %s lost its blob; rendering again", existing.ID)
		if _, err := m.store.DeleteFile(ctx, existing.ID); err != nil {
			return nil, "", err
		}
	}

	data, mime, err = m.renderThumbnail(ctx, itemID, req)
	if err != nil {
		return nil, "", err
	}
	if m.cfg.MaxThumbnailFiles > 0 {
		if _, _, err := m.RemoveThumbnailFiles(ctx, itemID, m.cfg.MaxThumbnailFiles-1, store.NewestFirst, ""); err != nil {
			log.Printf("[ImageItem] failed to prune thumbnails of item %s: %v", itemID, err)
		}
		if err := m.storeThumbnail(ctx, itemID, key, data, mime); err != nil {
			log.Printf("[ImageItem] failed to store thumbnail of item %s: %v", itemID, err)
		}
	}
	return data, mime, nil
}

func (m *Manager) renderThumbnail(ctx context.Context, itemID string, req ThumbnailRequest) ([]byte, string, error) {
	src, err := m.source(ctx, itemID, req.OpenParams)
	if err != nil {
		return nil, "", err
	}
	defer src.Release()
	img, err := src.Source().Thumbnail(ctx, tilesource.ThumbnailOptions{Width: req.Width, Height: req.Height, Frame: req.Frame})
	if err != nil {
		return nil, "", err
	}
	return m.renderer.Encode(img, render.EncodeOptions{
		Encoding:        req.Encoding,
		JPEGQuality:     req.JPEGQuality,
		JPEGSubsampling: req.JPEGSubsampling,
		TIFFCompression: req.TIFFCompression,
		Fill:            req.Fill,
		Width:           req.Width,
		Height:          req.Height,
	})
}

func (m *Manager) storeThumbnail(ctx context.Context, itemID, key string, data []byte, mime string) error {
	id := uuid.NewString()
	blobKey := path.Join("items", itemID, "thumbnails", id)
	if err := m.blobs.Put(ctx, blobKey, data, mime); err != nil {
		return err
	}
	f := &store.File{
		ID:           id,
		ItemID:       itemID,
		Name:         thumbnailFileName,
		MimeType:     mime,
		Size:         int64(len(data)),
		Key:          blobKey,
		Layout:       tilesource.LayoutBlob,
		IsThumbnail:  true,
		ThumbnailKey: key,
		CreatedAt:    m.now(),
	}
	if err := m.store.CreateFile(ctx, f); err != nil {
		_ = m.blobs.Delete(ctx, blobKey)
		return err
	}
	return nil
}

// RemoveThumbnailFiles deletes the cached thumbnails of an item, keeping the
// first keep files in the given order. A non-empty key restricts removal to
// that thumbnail key. It returns the number of files present before removal
// and the number removed; files deleted concurrently are not counted.
func (m *Manager) RemoveThumbnailFiles(ctx context.Context, itemID string, keep int, order store.ThumbnailOrder, key string) (present, removed int, err error) {
	files, err := m.store.ListThumbnails(ctx, itemID, key, order)
	if err != nil {
		return 0, 0, err
	}
	for _, f := range files {
		present++
		if keep > 0 {
			keep--
			continue
		}
		ok, err := m.store.DeleteFile(ctx, f.ID)
		if err != nil {
			return present, removed, err
		}
		if ok {
			m.removeBlobs(f.Key, f.Layout)
			removed++
		}
	}
	return present, removed, nil
}

// CreateThumbnailsParams are the parameters of a thumbnail batch job.
type CreateThumbnailsParams struct {
	Specs []ThumbnailRequest `json:"spec"`
}

// CreateThumbnails schedules a job that makes sure every item with a
// pyramid has a cached thumbnail for each spec.
func (m *Manager) CreateThumbnails(ctx context.Context, specs []ThumbnailRequest) (*store.Job, error) {
	if len(specs) == 0 {
		specs = []ThumbnailRequest{{}}
	}
	for _, spec := range specs {
		if _, err := m.ThumbnailKey(spec); err != nil {
			return nil, err
		}
	}
	return m.jobs.Submit(ctx, JobCreateThumbnails, "", CreateThumbnailsParams{Specs: specs})
}

func (m *Manager) runCreateThumbnails(ctx context.Context, job *store.Job, progress jobs.Progress) error {
	var params CreateThumbnailsParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return fmt.Errorf("failed to parse thumbnail params: %w", err)
	}
	items, err := m.store.ListItems(ctx)
	if err != nil {
		return err
	}
	var made, failed int
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		progress("thumbnails", i, len(items))
		if item.Pyramid == nil {
			continue
		}
		for _, spec := range params.Specs {
			if _, _, err := m.Thumbnail(ctx, item.ID, spec); err != nil {
				failed++
				log.Printf("[ImageItem] thumbnail of item %s failed: %v", item.ID, err)
				continue
			}
			made++
		}
	}
	progress("thumbnails", len(items), len(items))
	log.Printf("[ImageItem] thumbnail job %s: %d ready, %d failed", job.ID, made, failed)
	if failed > 0 && made == 0 {
		return fmt.Errorf("all %d thumbnails failed", failed)
	}
	return nil
}

// DeleteThumbnails removes cached thumbnails of every item. With specs only
// thumbnails matching one of their keys are removed. It returns the number
// of files removed.
func (m *Manager) DeleteThumbnails(ctx context.Context, specs []ThumbnailRequest) (int, error) {
	keys := []string{""}
	if len(specs) > 0 {
		keys = keys[:0]
		for _, spec := range specs {
			key, err := m.ThumbnailKey(spec)
			if err != nil {
				return 0, err
			}
			keys = append(keys, key)
		}
	}
	items, err := m.store.ListItems(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, item := range items {
		for _, key := range keys {
			_, removed, err := m.RemoveThumbnailFiles(ctx, item.ID, 0, store.NewestFirst, key)
			if err != nil {
				return total, err
			}
			total += removed
		}
	}
	return total, nil
}
