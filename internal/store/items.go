package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Pyramid describes the usable pyramid of an item.
type Pyramid struct {
	FileID        string  `json:"fileId"`
	Backend       string  `json:"sourceName"`
	Projection    string  `json:"projection,omitempty"`
	Style         string  `json:"style,omitempty"`
	UnitsPerPixel float64 `json:"unitsPerPixel,omitempty"`
	// OriginalID is set when the pyramid was produced by a conversion job
	// from a different uploaded file.
	OriginalID string `json:"originalId,omitempty"`
	JobID      string `json:"jobId,omitempty"`
}

// PendingConversion marks an item whose pyramid is being generated.
type PendingConversion struct {
	JobID      string `json:"jobId"`
	OriginalID string `json:"originalId"`
	Notify     bool   `json:"notify,omitempty"`
}

// Item is one uploaded image. Pyramid and Pending are never both set.
type Item struct {
	ID        string             `json:"_id"`
	Name      string             `json:"name"`
	CreatedAt time.Time          `json:"created"`
	Pyramid   *Pyramid           `json:"largeImage,omitempty"`
	Pending   *PendingConversion `json:"pendingConversion,omitempty"`
}

// File is a stored blob attached to an item.
type File struct {
	Seq          int64     `json:"-"`
	ID           string    `json:"_id"`
	ItemID       string    `json:"itemId"`
	Name         string    `json:"name"`
	MimeType     string    `json:"mimeType"`
	Size         int64     `json:"size"`
	Key          string    `json:"-"`
	Layout       string    `json:"layout,omitempty"`
	IsThumbnail  bool      `json:"isLargeImageThumbnail,omitempty"`
	ThumbnailKey string    `json:"thumbnailKey,omitempty"`
	CreatedAt    time.Time `json:"created"`
}

func encodeJSON(v interface{}) (interface{}, error) {
	switch p := v.(type) {
	case *Pyramid:
		if p == nil {
			return nil, nil
		}
	case *PendingConversion:
		if p == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal: %w", err)
	}
	return string(data), nil
}

// CreateItem inserts a new item.
func (s *Store) CreateItem(ctx context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pyramid, err := encodeJSON(item.Pyramid)
	if err != nil {
		return err
	}
	pending, err := encodeJSON(item.Pending)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO items (id, name, created_at, pyramid_json, pending_json)
		VALUES (?, ?, ?, ?, ?)
	`, item.ID, item.Name, formatTime(item.CreatedAt), pyramid, pending)
	return unavailable(err, "failed to create item %s", item.ID)
}

const itemColumns = `id, name, created_at, pyramid_json, pending_json`

func scanItem(scan func(...interface{}) error) (*Item, error) {
	var item Item
	var createdAt string
	var pyramid, pending sql.NullString
	if err := scan(&item.ID, &item.Name, &createdAt, &pyramid, &pending); err != nil {
		return nil, err
	}
	item.CreatedAt = parseTime(createdAt)
	if pyramid.Valid {
		item.Pyramid = &Pyramid{}
		if err := json.Unmarshal([]byte(pyramid.String), item.Pyramid); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pyramid: %w", err)
		}
	}
	if pending.Valid {
		item.Pending = &PendingConversion{}
		if err := json.Unmarshal([]byte(pending.String), item.Pending); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending conversion: %w", err)
		}
	}
	return &item, nil
}

// GetItem retrieves an item by ID. It returns nil when the item does not
// exist.
func (s *Store) GetItem(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	item, err := scanItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err, "failed to get item %s", id)
	}
	return item, nil
}

// ListItems returns all items, oldest first.
func (s *Store) ListItems(ctx context.Context) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, unavailable(err, "failed to list items")
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, unavailable(err, "failed to scan item")
		}
		items = append(items, item)
	}
	return items, unavailable(rows.Err(), "failed to list items")
}

// ClaimLargeImage sets the pyramid or pending marker of an item only if it
// has neither. It reports false when the item was already claimed.
func (s *Store) ClaimLargeImage(ctx context.Context, id string, pyramid *Pyramid, pending *PendingConversion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := encodeJSON(pyramid)
	if err != nil {
		return false, err
	}
	m, err := encodeJSON(pending)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET pyramid_json = ?, pending_json = ?
		WHERE id = ? AND pyramid_json IS NULL AND pending_json IS NULL
	`, p, m, id)
	if err != nil {
		return false, unavailable(err, "failed to update item %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err, "failed to update item %s", id)
	}
	return n == 1, nil
}

// SetLargeImage overwrites the pyramid and pending marker of an item.
func (s *Store) SetLargeImage(ctx context.Context, id string, pyramid *Pyramid, pending *PendingConversion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := encodeJSON(pyramid)
	if err != nil {
		return err
	}
	m, err := encodeJSON(pending)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE items SET pyramid_json = ?, pending_json = ? WHERE id = ?`, p, m, id)
	return unavailable(err, "failed to update item %s", id)
}

// DeleteItem deletes an item and its file records.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE item_id = ?", id); err != nil {
		return unavailable(err, "failed to delete files of item %s", id)
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM items WHERE id = ?", id)
	return unavailable(err, "failed to delete item %s", id)
}

// CreateFile inserts a file record and fills in its sequence number.
func (s *Store) CreateFile(ctx context.Context, f *File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, item_id, name, mime_type, size, blob_key, layout, is_thumbnail, thumbnail_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.ItemID, f.Name, f.MimeType, f.Size, f.Key, f.Layout, f.IsThumbnail, f.ThumbnailKey, formatTime(f.CreatedAt))
	if err != nil {
		return unavailable(err, "failed to create file %s", f.ID)
	}
	f.Seq, err = res.LastInsertId()
	return unavailable(err, "failed to read file sequence")
}

const fileColumns = `seq, id, item_id, name, mime_type, size, blob_key, layout, is_thumbnail, thumbnail_key, created_at`

func scanFile(scan func(...interface{}) error) (*File, error) {
	var f File
	var createdAt string
	if err := scan(&f.Seq, &f.ID, &f.ItemID, &f.Name, &f.MimeType, &f.Size, &f.Key, &f.Layout, &f.IsThumbnail, &f.ThumbnailKey, &createdAt); err != nil {
		return nil, err
	}
	f.CreatedAt = parseTime(createdAt)
	return &f, nil
}

func (s *Store) queryFiles(ctx context.Context, query string, args ...interface{}) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err, "failed to query files")
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows.Scan)
		if err != nil {
			return nil, unavailable(err, "failed to scan file")
		}
		files = append(files, f)
	}
	return files, unavailable(rows.Err(), "failed to query files")
}

// GetFile retrieves a file by ID. It returns nil when the file does not
// exist.
func (s *Store) GetFile(ctx context.Context, id string) (*File, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	f, err := scanFile(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err, "failed to get file %s", id)
	}
	return f, nil
}

// ListFiles returns the files of an item in upload order, cached
// thumbnails included.
func (s *Store) ListFiles(ctx context.Context, itemID string) ([]*File, error) {
	return s.queryFiles(ctx, `SELECT `+fileColumns+` FROM files WHERE item_id = ? ORDER BY seq ASC`, itemID)
}

// FindThumbnail returns the first thumbnail file of an item with the given
// key, or nil.
func (s *Store) FindThumbnail(ctx context.Context, itemID, key string) (*File, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE is_thumbnail = 1 AND item_id = ? AND thumbnail_key = ?
		ORDER BY seq ASC LIMIT 1
	`, itemID, key)
	f, err := scanFile(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err, "failed to find thumbnail")
	}
	return f, nil
}

// ThumbnailOrder selects the order in which thumbnails are listed.
type ThumbnailOrder int

const (
	// NewestFirst lists the most recently stored thumbnails first.
	NewestFirst ThumbnailOrder = iota
	// OldestFirst lists the oldest thumbnails first.
	OldestFirst
	// LargestFirst lists the biggest thumbnails first.
	LargestFirst
)

// ListThumbnails returns the thumbnail files of an item. A non-empty key
// restricts the result to that thumbnail key.
func (s *Store) ListThumbnails(ctx context.Context, itemID, key string, order ThumbnailOrder) ([]*File, error) {
	orderBy := "seq DESC"
	switch order {
	case OldestFirst:
		orderBy = "seq ASC"
	case LargestFirst:
		orderBy = "size DESC, seq DESC"
	}
	query := `SELECT ` + fileColumns + ` FROM files WHERE is_thumbnail = 1 AND item_id = ?`
	args := []interface{}{itemID}
	if key != "" {
		query += ` AND thumbnail_key = ?`
		args = append(args, key)
	}
	return s.queryFiles(ctx, query+` ORDER BY `+orderBy, args...)
}

// DeleteFile deletes a file record. It reports false if the record was
// already gone.
func (s *Store) DeleteFile(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE id = ?", id)
	if err != nil {
		return false, unavailable(err, "failed to delete file %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err, "failed to delete file %s", id)
	}
	return n > 0, nil
}
