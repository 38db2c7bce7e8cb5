// Package api provides HTTP handlers for the large image server.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/large-image/server/internal/annotation"
	"github.com/large-image/server/internal/apperr"
	"github.com/large-image/server/internal/cache"
	"github.com/large-image/server/internal/imageitem"
	"github.com/large-image/server/internal/jobs"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Items       *imageitem.Manager
	Annotations *annotation.Store
	Jobs        *jobs.Manager
	// Queries caches element query responses. Nil disables caching.
	Queries     *cache.Manager
	CORSOrigins []string
	// Metrics serves /metrics when set.
	Metrics     http.Handler
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	items := &itemHandlers{items: cfg.Items}
	r.Route("/api/items", func(r chi.Router) {
		r.Post("/", items.create)
		r.Get("/", items.list)
		r.Route("/{item}", func(r chi.Router) {
			r.Get("/", items.get)
			r.Delete("/", items.delete)
			r.Post("/files", items.upload)
			r.Get("/files", items.files)

			r.Route("/tiles", func(r chi.Router) {
				r.Post("/", items.attach)
				r.Delete("/", items.deletePyramid)
				r.Get("/", items.metadata)
				r.Get("/zxy/{z}/{x}/{y}", items.tile)
				r.Get("/region", items.region)
				r.Get("/thumbnail", items.thumbnail)
				r.Get("/pixel", items.pixel)
				r.Get("/images", items.associatedImages)
				r.Get("/images/{image}", items.associatedImage)
				r.Delete("/thumbnails", items.removeThumbnails)
			})
		})
	})
	r.Route("/api/thumbnails", func(r chi.Router) {
		r.Post("/", items.createThumbnails)
		r.Delete("/", items.deleteThumbnails)
	})

	jh := &jobHandlers{jobs: cfg.Jobs}
	r.Route("/api/jobs/{job}", func(r chi.Router) {
		r.Get("/", jh.get)
		r.Delete("/", jh.cancel)
	})

	ah := &annotationHandlers{store: cfg.Annotations, queries: cfg.Queries}
	r.Route("/api/annotations", func(r chi.Router) {
		r.Post("/", ah.create)
		r.Get("/", ah.list)
		r.Route("/{annotation}", func(r chi.Router) {
			r.Get("/", ah.get)
			r.Put("/", ah.update)
			r.Delete("/", ah.delete)
		})
	})

	return r
}

// statusOf maps an error kind to an HTTP status.
func statusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.InvalidArgument:
		return http.StatusBadRequest
	case apperr.NotFound, apperr.OutOfRange:
		return http.StatusNotFound
	case apperr.Conflict, apperr.NotReady:
		return http.StatusConflict
	case apperr.UnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case apperr.ResourceExceeded:
		return http.StatusRequestEntityTooLarge
	case apperr.Unavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= 500 {
		log.Printf("[API] %s %s: %v", r.Method, r.URL.Path, err)
	}
	kind := apperr.KindOf(err)
	msg := err.Error()
	if status >= 500 && kind == apperr.Unknown {
		msg = "internal server error"
	}
	w.Header().Set("Content-Type", "application/json")
	if kind.Retryable() {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": msg,
		"type":    kind.String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeImage(w http.ResponseWriter, data []byte, mime string, maxAge string) {
	w.Header().Set("Content-Type", mime)
	if maxAge != "" {
		w.Header().Set("Cache-Control", "public, max-age="+maxAge)
	}
	w.Write(data)
}

func badRequest(format string, args ...interface{}) error {
	return apperr.New(apperr.InvalidArgument, format, args...)
}

// intParam parses an optional integer query parameter.
func intParam(q url.Values, name string, def int) (int, error) {
	s := q.Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, badRequest("invalid %s %q", name, s)
	}
	return v, nil
}

// floatParam parses an optional float query parameter; absent gives nil.
func floatParam(q url.Values, name string) (*float64, error) {
	s := q.Get(name)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, badRequest("invalid %s %q", name, s)
	}
	return &v, nil
}

func boolParam(q url.Values, name string) (bool, error) {
	s := q.Get(name)
	if s == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, badRequest("invalid %s %q", name, s)
	}
	return v, nil
}

// decodeOptionalBody is decodeBody that accepts an empty body.
func decodeOptionalBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}
