package annotation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/large-image/server/internal/apperr"
	"github.com/large-image/server/internal/metrics"
	"github.com/large-image/server/internal/store"
)

// Region restricts and pages an element query. Spatial bounds select
// elements whose bounding box at least partly overlaps the area.
type Region struct {
	Left        *float64
	Right       *float64
	Top         *float64
	Bottom      *float64
	Low         *float64
	High        *float64
	MinimumSize *float64
	// Sort is size, details, another region key, a record field such as
	// _id or a path into the element document ("label.value" or
	// "element.label.value").
	Sort string
	// SortDir is 1 (default) or -1.
	SortDir    int
	Limit      int
	Offset     int
	MaxDetails int
}

// bboxKey maps a region key to the bbox field it constrains.
type bboxKey struct {
	name  string
	field string
	op    string
}

var bboxKeys = []bboxKey{
	{"left", "bbox.highx", store.OpGTE},
	{"right", "bbox.lowx", store.OpLT},
	{"top", "bbox.highy", store.OpGTE},
	{"bottom", "bbox.lowy", store.OpLT},
	{"low", "bbox.highz", store.OpGTE},
	{"high", "bbox.lowz", store.OpLT},
	{"minimumSize", "bbox.size", store.OpGTE},
	{"size", "bbox.size", ""},
	{"details", "bbox.details", ""},
}

func (r Region) bound(name string) *float64 {
	switch name {
	case "left":
		return r.Left
	case "right":
		return r.Right
	case "top":
		return r.Top
	case "bottom":
		return r.Bottom
	case "low":
		return r.Low
	case "high":
		return r.High
	case "minimumSize":
		return r.MinimumSize
	}
	return nil
}

// ElementQuery echoes the query that produced a page of elements so that
// clients can request the next one.
type ElementQuery struct {
	Count      int64                  `json:"count"`
	Offset     int                    `json:"offset"`
	Filter     map[string]interface{} `json:"filter"`
	Sort       []interface{}          `json:"sort"`
	Limit      int                    `json:"limit,omitempty"`
	MaxDetails int                    `json:"maxDetails,omitempty"`
	Returned   int                    `json:"returned"`
	Details    int                    `json:"details"`
}

// GetElements fetches the elements of the annotation's current version
// selected by region into a.Annotation.Elements and records the query echo
// in a.ElementQuery. Consumption stops at limit elements or once the summed
// details reach maxDetails, whichever comes first; the last element may
// carry the sum past maxDetails.
func (s *Store) GetElements(ctx context.Context, a *Annotation, region Region) (err error) {
	start := time.Now()
	defer func() { metrics.Since(s.cfg.Observer, "annotation", "get_elements", start, err) }()

	if a.Version <= 0 {
		return apperr.New(apperr.NotReady, "annotation %s has not been saved", a.ID)
	}
	if region.Limit < 0 || region.Offset < 0 || region.MaxDetails < 0 {
		return apperr.New(apperr.InvalidArgument, "limit, offset and maxDetails must not be negative")
	}

	filter := store.ElementFilter{
		AnnotationID: a.ID,
		Conditions:   []store.Condition{{Field: "_version", Op: store.OpEQ, Value: float64(a.Version)}},
	}
	echo := map[string]interface{}{"annotationId": a.ID, "_version": a.Version}
	for _, k := range bboxKeys {
		v := region.bound(k.name)
		if v == nil || k.op == "" {
			continue
		}
		filter.Conditions = append(filter.Conditions, store.Condition{Field: k.field, Op: k.op, Value: *v})
		echo[k.field] = map[string]float64{k.op: *v}
	}

	sortKey := "_id"
	if region.Sort != "" {
		sortKey = region.Sort
		for _, k := range bboxKeys {
			if k.name == region.Sort {
				sortKey = k.field
				break
			}
		}
		if !store.IsRecordField(sortKey) && !strings.HasPrefix(sortKey, store.ElementFieldPrefix) {
			sortKey = store.ElementFieldPrefix + sortKey
		}
	}
	sortDir := 1
	if region.SortDir != 0 {
		sortDir = region.SortDir
	}
	limit, maxDetails := region.Limit, region.MaxDetails
	// every element has at least one detail
	queryLimit := limit
	if maxDetails > 0 && (limit == 0 || maxDetails < limit) {
		queryLimit = maxDetails
	}

	count, err := s.coll.CountElements(ctx, filter)
	if err != nil {
		return err
	}
	records, err := s.coll.FindElements(ctx, store.ElementQuery{
		Filter:  filter,
		Sort:    sortKey,
		SortDir: sortDir,
		Offset:  region.Offset,
		Limit:   queryLimit,
	})
	if err != nil {
		return err
	}

	q := &ElementQuery{
		Count:      count,
		Offset:     region.Offset,
		Filter:     echo,
		Sort:       []interface{}{sortKey, sortDir},
		Limit:      limit,
		MaxDetails: maxDetails,
	}
	elements := make([]Element, 0, len(records))
	details := 0
	for _, rec := range records {
		var el Element
		if err := json.Unmarshal(rec.Element, &el); err != nil {
			return fmt.Errorf("failed to unmarshal element %d: %w", rec.ID, err)
		}
		if el == nil {
			el = Element{}
		}
		if _, ok := el["id"]; !ok {
			el["id"] = strconv.FormatInt(rec.ID, 10)
		}
		elements = append(elements, el)
		d := rec.BBox.Details
		if d <= 0 {
			d = 1
		}
		details += d
		if maxDetails > 0 && details >= maxDetails {
			break
		}
	}
	q.Returned = len(elements)
	q.Details = details
	a.Annotation.Elements = elements
	a.ElementQuery = q
	return nil
}
