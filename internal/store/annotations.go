package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/large-image/server/internal/apperr"
)

// BBox is the precomputed bounding box of an annotation element.
type BBox struct {
	LowX    float64 `json:"lowx"`
	LowY    float64 `json:"lowy"`
	LowZ    float64 `json:"lowz"`
	HighX   float64 `json:"highx"`
	HighY   float64 `json:"highy"`
	HighZ   float64 `json:"highz"`
	Size    float64 `json:"size"`
	Details int     `json:"details"`
}

// ElementRecord is one stored annotation element.
type ElementRecord struct {
	ID           int64
	AnnotationID string
	Version      int64
	Created      time.Time
	BBox         BBox
	Element      json.RawMessage
}

// Comparison operators accepted in element conditions.
const (
	OpEQ  = "$eq"
	OpGT  = "$gt"
	OpGTE = "$gte"
	OpLT  = "$lt"
	OpLTE = "$lte"
)

var sqlOps = map[string]string{
	OpEQ:  "=",
	OpGT:  ">",
	OpGTE: ">=",
	OpLT:  "<",
	OpLTE: "<=",
}

// element record fields that may be filtered or sorted on
var elementFields = map[string]string{
	"_id":          "seq",
	"_version":     "version",
	"created":      "created",
	"bbox.lowx":    "lowx",
	"bbox.lowy":    "lowy",
	"bbox.lowz":    "lowz",
	"bbox.highx":   "highx",
	"bbox.highy":   "highy",
	"bbox.highz":   "highz",
	"bbox.size":    "size",
	"bbox.details": "details",
}

// ElementFieldPrefix marks a sort key as a path inside the element
// document, as in "element.label.value".
const ElementFieldPrefix = "element."

var elementPath = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// IsRecordField reports whether name is a stored field of element records.
func IsRecordField(name string) bool {
	_, ok := elementFields[name]
	return ok
}

// sortColumn returns the SQL expression ordering by a record field or an
// element document path.
func sortColumn(field string) (string, error) {
	if col, ok := elementFields[field]; ok {
		return col, nil
	}
	if path, ok := strings.CutPrefix(field, ElementFieldPrefix); ok && elementPath.MatchString(path) {
		return fmt.Sprintf("json_extract(element_json, '$.%s')", path), nil
	}
	return "", apperr.New(apperr.InvalidArgument, "unknown sort field %q", field)
}

// Condition compares one element field with a value.
type Condition struct {
	Field string
	Op    string
	Value float64
}

// ElementFilter selects element records.
type ElementFilter struct {
	AnnotationID string
	Conditions   []Condition
}

// Unscoped reports whether the filter names no annotation, so that it may
// match records of every annotation.
func (f ElementFilter) Unscoped() bool {
	return f.AnnotationID == ""
}

// ElementQuery is a filtered, sorted and paged element lookup.
type ElementQuery struct {
	Filter ElementFilter
	// Sort is a record field or an ElementFieldPrefix path; empty sorts by
	// insertion order.
	Sort string
	// SortDir is 1 for ascending and -1 for descending.
	SortDir int
	Offset  int
	// Limit of 0 means unbounded.
	Limit int
}

func (f ElementFilter) where() (string, []interface{}, error) {
	var clauses []string
	var args []interface{}
	if f.AnnotationID != "" {
		clauses = append(clauses, "annotation_id = ?")
		args = append(args, f.AnnotationID)
	}
	for _, c := range f.Conditions {
		col, ok := elementFields[c.Field]
		if !ok {
			return "", nil, apperr.New(apperr.InvalidArgument, "unknown element field %q", c.Field)
		}
		op, ok := sqlOps[c.Op]
		if !ok {
			return "", nil, apperr.New(apperr.InvalidArgument, "unknown operator %q", c.Op)
		}
		clauses = append(clauses, fmt.Sprintf("%s %s ?", col, op))
		args = append(args, c.Value)
	}
	if len(clauses) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// InsertElements inserts element records in one transaction and returns
// their storage ids in order.
func (s *Store) InsertElements(ctx context.Context, records []ElementRecord) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(err, "failed to begin element insert")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO annotation_elements (annotation_id, version, created, lowx, lowy, lowz, highx, highy, highz, size, details, element_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, unavailable(err, "failed to prepare element insert")
	}
	defer stmt.Close()

	ids := make([]int64, len(records))
	for i, r := range records {
		b := r.BBox
		res, err := stmt.ExecContext(ctx,
			r.AnnotationID, r.Version, formatTime(r.Created),
			b.LowX, b.LowY, b.LowZ, b.HighX, b.HighY, b.HighZ, b.Size, b.Details,
			string(r.Element),
		)
		if err != nil {
			return nil, unavailable(err, "failed to insert element")
		}
		if ids[i], err = res.LastInsertId(); err != nil {
			return nil, unavailable(err, "failed to read element id")
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable(err, "failed to commit elements")
	}
	return ids, nil
}

// FindElements returns the records matching q.
func (s *Store) FindElements(ctx context.Context, q ElementQuery) ([]ElementRecord, error) {
	where, args, err := q.Filter.where()
	if err != nil {
		return nil, err
	}
	col := "seq"
	if q.Sort != "" {
		if col, err = sortColumn(q.Sort); err != nil {
			return nil, err
		}
	}
	dir := "ASC"
	if q.SortDir < 0 {
		dir = "DESC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	query := fmt.Sprintf(`
		SELECT seq, annotation_id, version, created, lowx, lowy, lowz, highx, highy, highz, size, details, element_json
		FROM annotation_elements%s
		ORDER BY %s %s, seq %s
		LIMIT ? OFFSET ?
	`, where, col, dir, dir)
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, q.Offset)...)
	if err != nil {
		return nil, unavailable(err, "failed to query elements")
	}
	defer rows.Close()

	var records []ElementRecord
	for rows.Next() {
		var r ElementRecord
		var created, element string
		b := &r.BBox
		if err := rows.Scan(&r.ID, &r.AnnotationID, &r.Version, &created,
			&b.LowX, &b.LowY, &b.LowZ, &b.HighX, &b.HighY, &b.HighZ, &b.Size, &b.Details, &element); err != nil {
			return nil, unavailable(err, "failed to scan element")
		}
		r.Created = parseTime(created)
		r.Element = json.RawMessage(element)
		records = append(records, r)
	}
	return records, unavailable(rows.Err(), "failed to query elements")
}

// CountElements counts the records matching f.
func (s *Store) CountElements(ctx context.Context, f ElementFilter) (int64, error) {
	where, args, err := f.where()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM annotation_elements"+where, args...).Scan(&n); err != nil {
		return 0, unavailable(err, "failed to count elements")
	}
	return n, nil
}

// DeleteElements deletes the records matching f. A filter without an
// annotation id is refused.
func (s *Store) DeleteElements(ctx context.Context, f ElementFilter) (int64, error) {
	if f.Unscoped() {
		return 0, apperr.New(apperr.InvalidArgument, "refusing to delete elements without an annotation id")
	}
	where, args, err := f.where()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM annotation_elements"+where, args...)
	if err != nil {
		return 0, unavailable(err, "failed to delete elements")
	}
	return res.RowsAffected()
}

// AnnotationRecord is the stored document of an annotation without its
// elements.
type AnnotationRecord struct {
	ID        string
	ItemID    string
	Version   int64
	Body      json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PutAnnotation inserts or replaces an annotation record. A record is never
// replaced by one with a lower version.
func (s *Store) PutAnnotation(ctx context.Context, rec *AnnotationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body := string(rec.Body)
	if body == "" {
		body = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotations (id, item_id, version, body_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			item_id = excluded.item_id,
			version = excluded.version,
			body_json = excluded.body_json,
			updated_at = excluded.updated_at
		WHERE excluded.version >= annotations.version
	`, rec.ID, rec.ItemID, rec.Version, body, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	return unavailable(err, "failed to save annotation %s", rec.ID)
}

const annotationColumns = `id, item_id, version, body_json, created_at, updated_at`

func scanAnnotation(scan func(...interface{}) error) (*AnnotationRecord, error) {
	var rec AnnotationRecord
	var body, created, updated string
	if err := scan(&rec.ID, &rec.ItemID, &rec.Version, &body, &created, &updated); err != nil {
		return nil, err
	}
	rec.Body = json.RawMessage(body)
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return &rec, nil
}

// GetAnnotation returns an annotation record, or nil when it does not
// exist.
func (s *Store) GetAnnotation(ctx context.Context, id string) (*AnnotationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE id = ?`, id)
	rec, err := scanAnnotation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err, "failed to get annotation %s", id)
	}
	return rec, nil
}

// ListAnnotations returns the annotation records of an item.
func (s *Store) ListAnnotations(ctx context.Context, itemID string) ([]*AnnotationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE item_id = ? ORDER BY created_at ASC`, itemID)
	if err != nil {
		return nil, unavailable(err, "failed to list annotations")
	}
	defer rows.Close()

	var recs []*AnnotationRecord
	for rows.Next() {
		rec, err := scanAnnotation(rows.Scan)
		if err != nil {
			return nil, unavailable(err, "failed to scan annotation")
		}
		recs = append(recs, rec)
	}
	return recs, unavailable(rows.Err(), "failed to list annotations")
}

// DeleteAnnotation deletes an annotation record.
func (s *Store) DeleteAnnotation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM annotations WHERE id = ?", id)
	return unavailable(err, "failed to delete annotation %s", id)
}
