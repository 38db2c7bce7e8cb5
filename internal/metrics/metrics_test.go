package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/large-image/server/internal/apperr"
)

func TestPrometheusObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewPrometheusObserver("test", reg)
	if err != nil {
		t.Fatalf("NewPrometheusObserver: %v", err)
	}
	o.RecordOperation("tilesource", "tile", 10*time.Millisecond, nil)
	o.RecordOperation("tilesource", "tile", time.Millisecond, apperr.New(apperr.OutOfRange, "z"))
	o.RecordOperation("tilesource", "tile", time.Millisecond, errors.New("boom"))
	o.RecordCount("annotation", "insert", 5)

	if got := testutil.ToFloat64(o.errors.WithLabelValues("tilesource", "tile", "out of range")); got != 1 {
		t.Fatalf("out of range errors = %v", got)
	}
	if got := testutil.ToFloat64(o.counts.WithLabelValues("annotation", "insert")); got != 5 {
		t.Fatalf("insert count = %v", got)
	}

	// a second observer on the same registry reuses the collectors
	again, err := NewPrometheusObserver("test", reg)
	if err != nil {
		t.Fatalf("second NewPrometheusObserver: %v", err)
	}
	again.RecordCount("annotation", "insert", 1)
	if got := testutil.ToFloat64(o.counts.WithLabelValues("annotation", "insert")); got != 6 {
		t.Fatalf("shared insert count = %v", got)
	}

	if err := o.RegisterCache("sources", func() CacheStats { return CacheStats{Entries: 3, Hits: 7} }); err != nil {
		t.Fatalf("RegisterCache: %v", err)
	}
	if n, err := testutil.GatherAndCount(reg, "test_cache_entries", "test_cache_hits_total"); err != nil || n != 2 {
		t.Fatalf("GatherAndCount = %d, %v", n, err)
	}
}

func TestNopAndSince(t *testing.T) {
	Since(nil, "x", "y", time.Now(), nil)
	Since(Nop(), "x", "y", time.Now(), errors.New("ignored"))
}
