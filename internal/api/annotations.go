package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/large-image/server/internal/annotation"
	"github.com/large-image/server/internal/apperr"
	"github.com/large-image/server/internal/cache"
)

type annotationHandlers struct {
	store   *annotation.Store
	queries *cache.Manager
}

type annotationRequest struct {
	ItemID     string          `json:"itemId"`
	Annotation annotation.Body `json:"annotation"`
}

func (h *annotationHandlers) create(w http.ResponseWriter, r *http.Request) {
	var req annotationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ItemID == "" {
		writeError(w, r, badRequest("itemId is required"))
		return
	}
	a := &annotation.Annotation{ItemID: req.ItemID, Annotation: req.Annotation}
	if err := h.store.Save(r.Context(), a); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *annotationHandlers) list(w http.ResponseWriter, r *http.Request) {
	itemID := r.URL.Query().Get("itemId")
	if itemID == "" {
		writeError(w, r, badRequest("itemId is required"))
		return
	}
	list, err := h.store.List(r.Context(), itemID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// get returns an annotation with the elements selected by the query
// string. Responses are cached per annotation until it changes.
func (h *annotationHandlers) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "annotation")
	q := r.URL.Query()
	region, err := elementRegion(q)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var key string
	if h.queries != nil {
		params := make(map[string]interface{}, len(q))
		for k := range q {
			params[k] = q.Get(k)
		}
		key = cache.QueryKey(queryPrefix(id), params)
		if data, ok := h.queries.GetQuery(key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "HIT")
			w.Write(data)
			return
		}
	}

	a, err := h.store.Load(r.Context(), id, region)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(a); err != nil {
		writeError(w, r, err)
		return
	}
	if h.queries != nil {
		h.queries.SetQuery(key, buf.Bytes())
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(buf.Bytes())
}

// update replaces the content of an annotation, creating a new version.
func (h *annotationHandlers) update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "annotation")
	var req annotationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	prev, err := h.store.Load(r.Context(), id, annotation.Region{Limit: 1})
	if err != nil {
		writeError(w, r, err)
		return
	}
	a := &annotation.Annotation{ID: id, ItemID: prev.ItemID, Annotation: req.Annotation}
	if err := h.store.Save(r.Context(), a); err != nil {
		writeError(w, r, err)
		return
	}
	h.invalidate(id)
	writeJSON(w, http.StatusOK, a)
}

func (h *annotationHandlers) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "annotation")
	if _, err := h.store.Load(r.Context(), id, annotation.Region{Limit: 1}); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	h.invalidate(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *annotationHandlers) invalidate(id string) {
	if h.queries != nil {
		h.queries.RemoveQueries(queryPrefix(id))
	}
}

func queryPrefix(id string) string {
	return "annotation:" + id
}

// elementRegion reads the element query parameters.
func elementRegion(q url.Values) (annotation.Region, error) {
	var region annotation.Region
	var err error
	for name, dst := range map[string]**float64{
		"left":        &region.Left,
		"right":       &region.Right,
		"top":         &region.Top,
		"bottom":      &region.Bottom,
		"low":         &region.Low,
		"high":        &region.High,
		"minimumSize": &region.MinimumSize,
	} {
		if *dst, err = floatParam(q, name); err != nil {
			return region, err
		}
	}
	region.Sort = q.Get("sort")
	if region.SortDir, err = intParam(q, "sortdir", 1); err != nil {
		return region, err
	}
	if region.SortDir != 1 && region.SortDir != -1 {
		return region, apperr.New(apperr.InvalidArgument, "sortdir must be 1 or -1")
	}
	if region.Limit, err = intParam(q, "limit", 0); err != nil {
		return region, err
	}
	if region.Offset, err = intParam(q, "offset", 0); err != nil {
		return region, err
	}
	if region.MaxDetails, err = intParam(q, "maxDetails", 0); err != nil {
		return region, err
	}
	if region.Limit < 0 || region.Offset < 0 || region.MaxDetails < 0 {
		return region, apperr.New(apperr.InvalidArgument, "limit, offset and maxDetails must not be negative")
	}
	return region, nil
}
