package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/large-image/server/internal/annotation"
	"github.com/large-image/server/internal/blobstore"
	"github.com/large-image/server/internal/cache"
	"github.com/large-image/server/internal/imageitem"
	"github.com/large-image/server/internal/jobs"
	"github.com/large-image/server/internal/render"
	"github.com/large-image/server/internal/sourcecache"
	"github.com/large-image/server/internal/store"
	"github.com/large-image/server/internal/tilesource"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server *httptest.Server
	cache  *cache.Manager
}

// setupTestServer wires every component over a temporary database and an
// in-memory bucket.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	blobs, err := blobstore.Open(ctx, "mem://")
	if err != nil {
		t.Fatalf("Failed to open bucket: %v", err)
	}

	tcfg := tilesource.DefaultConfig()
	tcfg.TileSize = 128
	registry := tilesource.NewRegistry(
		tilesource.NewGeoBackend(blobs, tcfg),
		tilesource.NewStackBackend(blobs, tcfg),
		tilesource.NewImageBackend(blobs, tcfg),
	)
	sources, err := sourcecache.New[tilesource.Source](4)
	if err != nil {
		t.Fatalf("Failed to create source cache: %v", err)
	}
	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: 16,
		TileTTL:         time.Minute,
		QueryCacheSize:  100,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}
	jm := jobs.NewManager(st, jobs.Config{MaxConcurrent: 1})
	items := imageitem.NewManager(imageitem.Config{MaxThumbnailFiles: 5}, imageitem.Deps{
		Store:    st,
		Blobs:    blobs,
		Registry: registry,
		Sources:  sources,
		Tiles:    cacheManager,
		Renderer: render.NewRenderer(render.Config{TileSize: 128}),
		Jobs:     jm,
	})
	jm.Start()

	router := NewRouter(RouterConfig{
		Items:       items,
		Annotations: annotation.NewStore(st, st, annotation.DefaultConfig()),
		Jobs:        jm,
		Queries:     cacheManager,
		CORSOrigins: []string{"http://localhost:3000"},
	})
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		jm.Stop()
		sources.Clear()
		cacheManager.Close()
		blobs.Close()
		st.Close()
	})
	return &testServer{server: server, cache: cacheManager}
}

func (ts *testServer) do(t *testing.T, method, path, contentType string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.server.URL+path, body)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) doJSON(t *testing.T, method, path string, in interface{}, wantStatus int, out interface{}) {
	t.Helper()
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			t.Fatal(err)
		}
		body = bytes.NewReader(data)
	}
	resp := ts.do(t, method, path, "application/json", body)
	if resp.StatusCode != wantStatus {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, wantStatus, resp.StatusCode, data)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode %s response: %v", path, err)
		}
	}
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// newLargeImage creates an item with an uploaded 300x200 PNG attached as
// its large image and returns the item ID.
func (ts *testServer) newLargeImage(t *testing.T) string {
	t.Helper()
	var item store.Item
	ts.doJSON(t, http.MethodPost, "/api/items", map[string]string{"name": "slide"}, http.StatusCreated, &item)

	resp := ts.do(t, http.MethodPost, "/api/items/"+item.ID+"/files?name=slide.png", "image/png", bytes.NewReader(testPNG(t, 300, 200)))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload: expected status 201, got %d", resp.StatusCode)
	}
	var f store.File
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		t.Fatal(err)
	}

	var attached store.Item
	ts.doJSON(t, http.MethodPost, "/api/items/"+item.ID+"/tiles", map[string]string{"fileId": f.ID}, http.StatusOK, &attached)
	if attached.Pyramid == nil || attached.Pyramid.FileID != f.ID {
		t.Fatalf("expected the upload to become the large image, got %+v", attached.Pyramid)
	}
	return item.ID
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got '%s'", string(body))
	}
}

func TestTileEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	itemID := ts.newLargeImage(t)
	base := "/api/items/" + itemID + "/tiles"

	var meta tilesource.Metadata
	ts.doJSON(t, http.MethodGet, base, nil, http.StatusOK, &meta)
	if meta.SizeX != 300 || meta.SizeY != 200 {
		t.Errorf("Expected 300x200, got %dx%d", meta.SizeX, meta.SizeY)
	}
	if meta.Levels != 3 {
		t.Errorf("Expected 3 levels, got %d", meta.Levels)
	}

	t.Run("tile", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, base+"/zxy/2/1/0", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
			t.Errorf("Expected image/png, got %s", ct)
		}
		img, err := png.Decode(resp.Body)
		if err != nil {
			t.Fatalf("Failed to decode tile: %v", err)
		}
		if img.Bounds().Dx() != 128 || img.Bounds().Dy() != 128 {
			t.Errorf("Expected 128x128 tile, got %v", img.Bounds())
		}
	})

	t.Run("jpeg tile", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, base+"/zxy/0/0/0?encoding=jpg", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("Expected image/jpeg, got %s", ct)
		}
	})

	t.Run("out of range", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, base+"/zxy/5/0/0", "", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", resp.StatusCode)
		}
	})

	t.Run("bad coordinates", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, base+"/zxy/a/0/0", "", nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", resp.StatusCode)
		}
	})

	t.Run("unknown encoding", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, base+"/zxy/0/0/0?encoding=webp", "", nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", resp.StatusCode)
		}
	})

	t.Run("region", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, base+"/region?left=10&top=20&right=110&bottom=70", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", resp.StatusCode)
		}
		img, err := png.Decode(resp.Body)
		if err != nil {
			t.Fatalf("Failed to decode region: %v", err)
		}
		if img.Bounds().Dx() != 100 || img.Bounds().Dy() != 50 {
			t.Errorf("Expected 100x50 region, got %v", img.Bounds())
		}
	})

	t.Run("pixel", func(t *testing.T) {
		var px tilesource.Pixel
		ts.doJSON(t, http.MethodGet, base+"/pixel?left=10&top=20", nil, http.StatusOK, &px)
		if len(px.Channels) < 3 || px.Channels[0] != 10 || px.Channels[1] != 20 || px.Channels[2] != 90 {
			t.Errorf("Unexpected pixel channels %v", px.Channels)
		}
	})

	t.Run("pixel requires position", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, base+"/pixel?left=10", "", nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", resp.StatusCode)
		}
	})

	t.Run("associated images", func(t *testing.T) {
		var keys []string
		ts.doJSON(t, http.MethodGet, base+"/images", nil, http.StatusOK, &keys)
		if len(keys) != 0 {
			t.Errorf("Expected no associated images, got %v", keys)
		}
		resp := ts.do(t, http.MethodGet, base+"/images/label", "", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", resp.StatusCode)
		}
	})
}

func TestThumbnailEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	itemID := ts.newLargeImage(t)
	base := "/api/items/" + itemID

	for i := 0; i < 2; i++ {
		resp := ts.do(t, http.MethodGet, base+"/tiles/thumbnail?width=100", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", resp.StatusCode)
		}
		img, err := png.Decode(resp.Body)
		if err != nil {
			t.Fatalf("Failed to decode thumbnail: %v", err)
		}
		if img.Bounds().Dx() != 100 {
			t.Errorf("Expected width 100, got %d", img.Bounds().Dx())
		}
	}

	var files []store.File
	ts.doJSON(t, http.MethodGet, base+"/files", nil, http.StatusOK, &files)
	thumbs := 0
	for _, f := range files {
		if f.IsThumbnail {
			thumbs++
		}
	}
	if thumbs != 1 {
		t.Errorf("Expected 1 cached thumbnail, got %d", thumbs)
	}

	var removed map[string]int
	ts.doJSON(t, http.MethodDelete, base+"/tiles/thumbnails", nil, http.StatusOK, &removed)
	if removed["present"] != 1 || removed["removed"] != 1 {
		t.Errorf("Unexpected removal counts %v", removed)
	}
}

func TestThumbnailBatchJob(t *testing.T) {
	ts := setupTestServer(t)
	ts.newLargeImage(t)

	var job store.Job
	spec := map[string]interface{}{"spec": []map[string]interface{}{{"width": 64}, {"width": 32, "encoding": "JPEG"}}}
	ts.doJSON(t, http.MethodPost, "/api/thumbnails", spec, http.StatusAccepted, &job)

	deadline := time.Now().Add(10 * time.Second)
	for !job.Status.Terminal() {
		if time.Now().After(deadline) {
			t.Fatalf("job %s did not finish, status %s", job.ID, job.Status)
		}
		time.Sleep(20 * time.Millisecond)
		ts.doJSON(t, http.MethodGet, "/api/jobs/"+job.ID, nil, http.StatusOK, &job)
	}
	if job.Status != store.JobStatusSuccess {
		t.Fatalf("Expected success, got %s: %s", job.Status, job.Error)
	}

	var removed map[string]int
	ts.doJSON(t, http.MethodDelete, "/api/thumbnails", nil, http.StatusOK, &removed)
	if removed["removed"] != 2 {
		t.Errorf("Expected 2 thumbnails removed, got %v", removed)
	}

	// finished jobs are deleted on DELETE
	resp := ts.do(t, http.MethodDelete, "/api/jobs/"+job.ID, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodGet, "/api/jobs/"+job.ID, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestItemErrors(t *testing.T) {
	ts := setupTestServer(t)

	var item store.Item
	ts.doJSON(t, http.MethodPost, "/api/items", map[string]string{"name": "empty"}, http.StatusCreated, &item)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"missing item", http.MethodGet, "/api/items/nope", "", http.StatusNotFound},
		{"no large image", http.MethodGet, "/api/items/" + item.ID + "/tiles", "", http.StatusNotFound},
		{"missing name", http.MethodPost, "/api/items", `{}`, http.StatusBadRequest},
		{"bad body", http.MethodPost, "/api/items", `{`, http.StatusBadRequest},
		{"missing file id", http.MethodPost, "/api/items/" + item.ID + "/tiles", `{}`, http.StatusBadRequest},
		{"unknown file", http.MethodPost, "/api/items/" + item.ID + "/tiles", `{"fileId":"nope"}`, http.StatusNotFound},
		{"missing job", http.MethodGet, "/api/jobs/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			resp := ts.do(t, tt.method, tt.path, "application/json", body)
			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Expected a JSON error, got %s", ct)
			}
		})
	}

	var deleted map[string]bool
	ts.doJSON(t, http.MethodDelete, "/api/items/"+item.ID+"/tiles", nil, http.StatusOK, &deleted)
	if deleted["deleted"] {
		t.Errorf("Expected nothing to delete")
	}
}

func TestAnnotationEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	body := map[string]interface{}{
		"itemId": "item-1",
		"annotation": map[string]interface{}{
			"name": "cells",
			"elements": []map[string]interface{}{
				{"type": "point", "center": []float64{10, 10, 0}},
				{"type": "rectangle", "center": []float64{100, 100, 0}, "width": 20, "height": 10},
				{"type": "polyline", "points": [][]float64{{200, 200, 0}, {220, 200, 0}, {220, 230, 0}}},
			},
		},
	}
	var created annotation.Annotation
	ts.doJSON(t, http.MethodPost, "/api/annotations", body, http.StatusCreated, &created)
	if created.ID == "" || created.Version <= 0 {
		t.Fatalf("Expected an id and a version, got %q %d", created.ID, created.Version)
	}
	path := "/api/annotations/" + created.ID

	var got annotation.Annotation
	ts.doJSON(t, http.MethodGet, path+"?left=50&right=150&top=50&bottom=150", nil, http.StatusOK, &got)
	if len(got.Annotation.Elements) != 1 || got.Annotation.Elements[0]["type"] != "rectangle" {
		t.Fatalf("Expected only the rectangle, got %v", got.Annotation.Elements)
	}
	if got.ElementQuery == nil || got.ElementQuery.Count != 1 {
		t.Errorf("Unexpected element query %+v", got.ElementQuery)
	}

	// second identical query comes from the query cache
	resp := ts.do(t, http.MethodGet, path+"?left=50&right=150&top=50&bottom=150", "", nil)
	if resp.Header.Get("X-Cache") != "HIT" {
		t.Errorf("Expected a cache hit")
	}

	var list []annotation.Annotation
	ts.doJSON(t, http.MethodGet, "/api/annotations?itemId=item-1", nil, http.StatusOK, &list)
	if len(list) != 1 || list[0].Annotation.Name != "cells" {
		t.Errorf("Unexpected annotation list %+v", list)
	}

	update := map[string]interface{}{
		"annotation": map[string]interface{}{
			"name":     "cells",
			"elements": []map[string]interface{}{{"type": "point", "center": []float64{120, 120, 0}}},
		},
	}
	var updated annotation.Annotation
	ts.doJSON(t, http.MethodPut, path, update, http.StatusOK, &updated)
	if updated.Version <= created.Version {
		t.Errorf("Expected a newer version, got %d after %d", updated.Version, created.Version)
	}
	if updated.ItemID != "item-1" {
		t.Errorf("Expected the item to be kept, got %q", updated.ItemID)
	}

	resp = ts.do(t, http.MethodGet, path+"?left=50&right=150&top=50&bottom=150", "", nil)
	if resp.Header.Get("X-Cache") == "HIT" {
		t.Errorf("Expected the update to invalidate cached queries")
	}
	var after annotation.Annotation
	if err := json.NewDecoder(resp.Body).Decode(&after); err != nil {
		t.Fatal(err)
	}
	if len(after.Annotation.Elements) != 1 || after.Annotation.Elements[0]["type"] != "point" {
		t.Errorf("Expected the new point only, got %v", after.Annotation.Elements)
	}

	t.Run("invalid query", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, path+"?sortdir=2", "", nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", resp.StatusCode)
		}
	})

	resp = ts.do(t, http.MethodDelete, path, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodGet, path, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}
