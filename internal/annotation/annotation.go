// Package annotation stores the geometric elements of annotations as
// individually queryable, versioned records with precomputed bounding
// boxes.
package annotation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/large-image/server/internal/apperr"
	"github.com/large-image/server/internal/metrics"
	"github.com/large-image/server/internal/store"
)

// Collection is the element storage the annotation store needs.
type Collection interface {
	NextVersion(ctx context.Context) (int64, error)
	InsertElements(ctx context.Context, records []store.ElementRecord) ([]int64, error)
	FindElements(ctx context.Context, q store.ElementQuery) ([]store.ElementRecord, error)
	CountElements(ctx context.Context, f store.ElementFilter) (int64, error)
	DeleteElements(ctx context.Context, f store.ElementFilter) (int64, error)
}

// Records persists annotation documents without their elements.
type Records interface {
	PutAnnotation(ctx context.Context, rec *store.AnnotationRecord) error
	GetAnnotation(ctx context.Context, id string) (*store.AnnotationRecord, error)
	ListAnnotations(ctx context.Context, itemID string) ([]*store.AnnotationRecord, error)
	DeleteAnnotation(ctx context.Context, id string) error
}

// Body is the user-visible content of an annotation.
type Body struct {
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Elements    []Element `json:"elements"`
}

// Annotation is a set of elements overlaid on one image item.
type Annotation struct {
	ID           string        `json:"_id"`
	ItemID       string        `json:"itemId,omitempty"`
	Version      int64         `json:"_version"`
	Created      time.Time     `json:"created"`
	Updated      time.Time     `json:"updated"`
	Annotation   Body          `json:"annotation"`
	ElementQuery *ElementQuery `json:"_elementQuery,omitempty"`
}

// Config controls element persistence.
type Config struct {
	// ChunkSize is the number of elements inserted per transaction.
	ChunkSize int
	// SlowInsert is the total insert time after which progress is logged.
	SlowInsert time.Duration
	Observer   metrics.Observer
}

// DefaultConfig returns the default element persistence settings.
func DefaultConfig() Config {
	return Config{ChunkSize: 100000, SlowInsert: 10 * time.Second}
}

// Store saves and queries annotation elements.
type Store struct {
	coll    Collection
	records Records
	cfg     Config
	now     func() time.Time
}

// NewStore creates an annotation store over coll and records.
func NewStore(coll Collection, records Records, cfg Config) *Store {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.SlowInsert <= 0 {
		cfg.SlowInsert = def.SlowInsert
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.Nop()
	}
	return &Store{coll: coll, records: records, cfg: cfg, now: time.Now}
}

// NextVersion returns the next value of the shared version sequence.
func (s *Store) NextVersion(ctx context.Context) (int64, error) {
	return s.coll.NextVersion(ctx)
}

// Save stamps a new version on the annotation, stores its elements, then
// the annotation record, and finally retires the version it replaced.
func (s *Store) Save(ctx context.Context, a *Annotation) (err error) {
	start := time.Now()
	defer func() { metrics.Since(s.cfg.Observer, "annotation", "save", start, err) }()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	prev, err := s.records.GetAnnotation(ctx, a.ID)
	if err != nil {
		return err
	}
	version, err := s.coll.NextVersion(ctx)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	a.Version = version
	a.Updated = now
	switch {
	case prev != nil:
		a.Created = prev.CreatedAt
	case a.Created.IsZero():
		a.Created = now
	}

	if err := s.SaveElements(ctx, a); err != nil {
		return err
	}
	body := a.Annotation
	body.Elements = nil
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal annotation: %w", err)
	}
	rec := &store.AnnotationRecord{ID: a.ID, ItemID: a.ItemID, Version: a.Version, Body: data, CreatedAt: a.Created, UpdatedAt: a.Updated}
	if err := s.records.PutAnnotation(ctx, rec); err != nil {
		return err
	}
	if prev != nil {
		old := prev.Version
		if _, err := s.RemoveOldElements(ctx, a, &old); err != nil {
			return err
		}
	}
	return nil
}

// SaveElements inserts the annotation's elements stamped with its current
// version and a shared creation time. Elements without an id get one
// derived from their storage id.
func (s *Store) SaveElements(ctx context.Context, a *Annotation) error {
	elements := a.Annotation.Elements
	if len(elements) == 0 {
		return nil
	}
	start := time.Now()
	created := s.now().UTC()
	for chunk := 0; chunk < len(elements); chunk += s.cfg.ChunkSize {
		chunkStart := time.Now()
		end := min(chunk+s.cfg.ChunkSize, len(elements))
		records := make([]store.ElementRecord, 0, end-chunk)
		for i, el := range elements[chunk:end] {
			bbox, err := BoundingBox(el)
			if err != nil {
				return fmt.Errorf("element %d: %w", chunk+i, err)
			}
			payload, err := json.Marshal(el)
			if err != nil {
				return apperr.Wrap(apperr.InvalidArgument, err, "element %d is not serializable", chunk+i)
			}
			records = append(records, store.ElementRecord{
				AnnotationID: a.ID,
				Version:      a.Version,
				Created:      created,
				BBox:         bbox,
				Element:      payload,
			})
		}
		prepTime := time.Since(chunkStart)
		ids, err := s.coll.InsertElements(ctx, records)
		if err != nil {
			return err
		}
		for i, el := range elements[chunk:end] {
			if _, ok := el["id"]; !ok {
				el["id"] = strconv.FormatInt(ids[i], 10)
			}
		}
		if time.Since(start) > s.cfg.SlowInsert {
			log.Printf("[Annotation] insert %d elements in %.2fs (prep time %.2fs), done %d/%d",
				len(records), time.Since(chunkStart).Seconds(), prepTime.Seconds(), end, len(elements))
		}
	}
	if d := time.Since(start); d > s.cfg.SlowInsert {
		log.Printf("[Annotation] inserted %d elements in %.2fs", len(elements), d.Seconds())
	}
	s.cfg.Observer.RecordCount("annotation", "insert", len(elements))
	return nil
}

// RemoveOldElements deletes superseded elements of the annotation. With no
// oldVersion, or one at or above the current version, every version below
// the current one goes; otherwise versions up to and including oldVersion.
func (s *Store) RemoveOldElements(ctx context.Context, a *Annotation, oldVersion *int64) (int64, error) {
	if a.ID == "" {
		return 0, apperr.New(apperr.InvalidArgument, "annotation has no id")
	}
	cond := store.Condition{Field: "_version", Op: store.OpLT, Value: float64(a.Version)}
	if oldVersion != nil && *oldVersion < a.Version {
		cond = store.Condition{Field: "_version", Op: store.OpLTE, Value: float64(*oldVersion)}
	}
	return s.coll.DeleteElements(ctx, store.ElementFilter{AnnotationID: a.ID, Conditions: []store.Condition{cond}})
}

// RemoveElements deletes every version of the annotation's elements.
func (s *Store) RemoveElements(ctx context.Context, a *Annotation) (int64, error) {
	return s.coll.DeleteElements(ctx, store.ElementFilter{AnnotationID: a.ID})
}

// Load returns a saved annotation with the elements selected by region.
func (s *Store) Load(ctx context.Context, id string, region Region) (*Annotation, error) {
	rec, err := s.records.GetAnnotation(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperr.New(apperr.NotFound, "annotation %s not found", id)
	}
	a, err := fromRecord(rec)
	if err != nil {
		return nil, err
	}
	if err := s.GetElements(ctx, a, region); err != nil {
		return nil, err
	}
	return a, nil
}

// List returns the annotations of an item without their elements.
func (s *Store) List(ctx context.Context, itemID string) ([]*Annotation, error) {
	recs, err := s.records.ListAnnotations(ctx, itemID)
	if err != nil {
		return nil, err
	}
	out := make([]*Annotation, 0, len(recs))
	for _, rec := range recs {
		a, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Delete removes an annotation and all of its elements.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.RemoveElements(ctx, &Annotation{ID: id}); err != nil {
		return err
	}
	return s.records.DeleteAnnotation(ctx, id)
}

func fromRecord(rec *store.AnnotationRecord) (*Annotation, error) {
	a := &Annotation{ID: rec.ID, ItemID: rec.ItemID, Version: rec.Version, Created: rec.CreatedAt, Updated: rec.UpdatedAt}
	if err := json.Unmarshal(rec.Body, &a.Annotation); err != nil {
		return nil, fmt.Errorf("failed to unmarshal annotation %s: %w", rec.ID, err)
	}
	a.Annotation.Elements = nil
	return a, nil
}
