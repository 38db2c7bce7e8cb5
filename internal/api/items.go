package api

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/large-image/server/internal/geometry"
	"github.com/large-image/server/internal/imageitem"
	"github.com/large-image/server/internal/render"
	"github.com/large-image/server/internal/store"
	"github.com/large-image/server/internal/tilesource"
)

type itemHandlers struct {
	items *imageitem.Manager
}

func (h *itemHandlers) create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	item, err := h.items.CreateItem(r.Context(), body.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *itemHandlers) list(w http.ResponseWriter, r *http.Request) {
	items, err := h.items.Items(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *itemHandlers) get(w http.ResponseWriter, r *http.Request) {
	item, err := h.items.Item(r.Context(), chi.URLParam(r, "item"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *itemHandlers) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.items.DeleteItem(r.Context(), chi.URLParam(r, "item")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// upload stores the raw request body as a file named by ?name=.
func (h *itemHandlers) upload(w http.ResponseWriter, r *http.Request) {
	mime := r.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	f, err := h.items.UploadFile(r.Context(), chi.URLParam(r, "item"), r.URL.Query().Get("name"), mime, r.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (h *itemHandlers) files(w http.ResponseWriter, r *http.Request) {
	files, err := h.items.Files(r.Context(), chi.URLParam(r, "item"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

type attachRequest struct {
	FileID string `json:"fileId"`
	tilesource.OpenParams
	DirectOnly   bool      `json:"directOnly"`
	Notify       bool      `json:"notify"`
	CRS          string    `json:"crs"`
	GeoTransform []float64 `json:"geotransform"`
}

// attach makes a file the item's large image. It answers 200 with the
// item when the file is served directly and 202 with the job when a
// conversion was scheduled.
func (h *itemHandlers) attach(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.FileID == "" {
		writeError(w, r, badRequest("fileId is required"))
		return
	}
	itemID := chi.URLParam(r, "item")
	job, err := h.items.AttachPyramid(r.Context(), itemID, req.FileID, imageitem.AttachOptions{
		Params:       req.OpenParams,
		DirectOnly:   req.DirectOnly,
		Notify:       req.Notify,
		CRS:          req.CRS,
		GeoTransform: req.GeoTransform,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if job != nil {
		writeJSON(w, http.StatusAccepted, job)
		return
	}
	item, err := h.items.Item(r.Context(), itemID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *itemHandlers) deletePyramid(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.items.DeletePyramid(r.Context(), chi.URLParam(r, "item"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

// openParams reads the per-request source parameters.
func openParams(q url.Values) (tilesource.OpenParams, error) {
	p := tilesource.OpenParams{
		Projection: q.Get("projection"),
		Style:      q.Get("style"),
	}
	upp, err := floatParam(q, "unitsPerPixel")
	if err != nil {
		return p, err
	}
	if upp != nil {
		p.UnitsPerPixel = *upp
	}
	return p, nil
}

func (h *itemHandlers) metadata(w http.ResponseWriter, r *http.Request) {
	params, err := openParams(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	meta, err := h.items.Metadata(r.Context(), chi.URLParam(r, "item"), params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (h *itemHandlers) tile(w http.ResponseWriter, r *http.Request) {
	z, err1 := strconv.Atoi(chi.URLParam(r, "z"))
	x, err2 := strconv.Atoi(chi.URLParam(r, "x"))
	y, err3 := strconv.Atoi(chi.URLParam(r, "y"))
	if err1 != nil || err2 != nil || err3 != nil {
		writeError(w, r, badRequest("invalid tile coordinates"))
		return
	}
	q := r.URL.Query()
	params, err := openParams(q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	frame, err := intParam(q, "frame", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	data, mime, err := h.items.Tile(r.Context(), chi.URLParam(r, "item"), imageitem.TileRequest{
		Params:   params,
		Z:        z,
		X:        x,
		Y:        y,
		Frame:    frame,
		Encoding: q.Get("encoding"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeImage(w, data, mime, "86400")
}

// encodeOptions reads the output encoding parameters.
func encodeOptions(q url.Values) (render.EncodeOptions, error) {
	opts := render.EncodeOptions{
		Encoding:        q.Get("encoding"),
		TIFFCompression: q.Get("tiffCompression"),
		Fill:            q.Get("fill"),
	}
	var err error
	if opts.JPEGQuality, err = intParam(q, "jpegQuality", 0); err != nil {
		return opts, err
	}
	if opts.JPEGSubsampling, err = intParam(q, "jpegSubsampling", 0); err != nil {
		return opts, err
	}
	if opts.Width, err = intParam(q, "width", 0); err != nil {
		return opts, err
	}
	if opts.Height, err = intParam(q, "height", 0); err != nil {
		return opts, err
	}
	return opts, nil
}

func (h *itemHandlers) region(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params, err := openParams(q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	enc, err := encodeOptions(q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	region := geometry.RegionRequest{Units: q.Get("units"), UnitsWH: q.Get("unitsWH")}
	for name, dst := range map[string]**float64{
		"left":         &region.Left,
		"top":          &region.Top,
		"right":        &region.Right,
		"bottom":       &region.Bottom,
		"regionWidth":  &region.Width,
		"regionHeight": &region.Height,
	} {
		if *dst, err = floatParam(q, name); err != nil {
			writeError(w, r, err)
			return
		}
	}
	exact, err := boolParam(q, "exact")
	if err != nil {
		writeError(w, r, err)
		return
	}
	frame, err := intParam(q, "frame", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	data, mime, err := h.items.Region(r.Context(), chi.URLParam(r, "item"), imageitem.RegionRequest{
		Params: params,
		Region: tilesource.RegionOptions{
			Region: region,
			Width:  enc.Width,
			Height: enc.Height,
			Exact:  exact,
			Frame:  frame,
		},
		Encode: enc,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeImage(w, data, mime, "")
}

// thumbnailRequest reads the thumbnail parameters from the query string.
func thumbnailRequest(q url.Values) (imageitem.ThumbnailRequest, error) {
	params, err := openParams(q)
	if err != nil {
		return imageitem.ThumbnailRequest{}, err
	}
	enc, err := encodeOptions(q)
	if err != nil {
		return imageitem.ThumbnailRequest{}, err
	}
	frame, err := intParam(q, "frame", 0)
	if err != nil {
		return imageitem.ThumbnailRequest{}, err
	}
	return imageitem.ThumbnailRequest{
		OpenParams:      params,
		Width:           enc.Width,
		Height:          enc.Height,
		Frame:           frame,
		Encoding:        enc.Encoding,
		JPEGQuality:     enc.JPEGQuality,
		JPEGSubsampling: enc.JPEGSubsampling,
		TIFFCompression: enc.TIFFCompression,
		Fill:            enc.Fill,
	}, nil
}

func (h *itemHandlers) thumbnail(w http.ResponseWriter, r *http.Request) {
	req, err := thumbnailRequest(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	data, mime, err := h.items.Thumbnail(r.Context(), chi.URLParam(r, "item"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeImage(w, data, mime, "3600")
}

func (h *itemHandlers) pixel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params, err := openParams(q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	x, err := floatParam(q, "left")
	if err != nil {
		writeError(w, r, err)
		return
	}
	y, err := floatParam(q, "top")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if x == nil || y == nil {
		writeError(w, r, badRequest("left and top are required"))
		return
	}
	frame, err := intParam(q, "frame", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	px, err := h.items.Pixel(r.Context(), chi.URLParam(r, "item"), params, tilesource.PixelOptions{
		X:     *x,
		Y:     *y,
		Units: q.Get("units"),
		Frame: frame,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, px)
}

func (h *itemHandlers) associatedImages(w http.ResponseWriter, r *http.Request) {
	keys, err := h.items.AssociatedImages(r.Context(), chi.URLParam(r, "item"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (h *itemHandlers) associatedImage(w http.ResponseWriter, r *http.Request) {
	enc, err := encodeOptions(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	image := chi.URLParam(r, "image")
	data, mime, err := h.items.AssociatedImage(r.Context(), chi.URLParam(r, "item"), image, enc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if data == nil {
		http.Error(w, "No associated image "+image, http.StatusNotFound)
		return
	}
	writeImage(w, data, mime, "3600")
}

// removeThumbnails drops cached thumbnails of one item. ?keep= keeps the
// newest files.
func (h *itemHandlers) removeThumbnails(w http.ResponseWriter, r *http.Request) {
	keep, err := intParam(r.URL.Query(), "keep", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	present, removed, err := h.items.RemoveThumbnailFiles(r.Context(), chi.URLParam(r, "item"), keep, store.NewestFirst, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"present": present, "removed": removed})
}

type thumbnailBatch struct {
	Spec []imageitem.ThumbnailRequest `json:"spec"`
}

func (h *itemHandlers) createThumbnails(w http.ResponseWriter, r *http.Request) {
	var body thumbnailBatch
	if err := decodeOptionalBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := h.items.CreateThumbnails(r.Context(), body.Spec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *itemHandlers) deleteThumbnails(w http.ResponseWriter, r *http.Request) {
	var body thumbnailBatch
	if err := decodeOptionalBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	removed, err := h.items.DeleteThumbnails(r.Context(), body.Spec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
