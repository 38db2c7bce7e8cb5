// Package metrics records operation latency, failures and cache counters.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/large-image/server/internal/apperr"
)

// Observer captures telemetry for tile, thumbnail and annotation operations.
type Observer interface {
	RecordOperation(component, operation string, duration time.Duration, err error)
	RecordCount(component, operation string, n int)
}

// Since records an operation that started at start.
func Since(o Observer, component, operation string, start time.Time, err error) {
	if o == nil {
		return
	}
	o.RecordOperation(component, operation, time.Since(start), err)
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Entries float64
	Hits    float64
	Misses  float64
}

// PrometheusObserver exports metrics to Prometheus.
type PrometheusObserver struct {
	namespace string
	reg       prometheus.Registerer
	duration  *prometheus.HistogramVec
	errors    *prometheus.CounterVec
	counts    *prometheus.CounterVec
}

// NewPrometheusObserver registers the operation metrics.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "large_image"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		namespace: namespace,
		reg:       reg,
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of tile source, image item and annotation operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component", "operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Count of failed operations by error kind.",
		}, []string{"component", "operation", "kind"}),
		counts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processed_total",
			Help:      "Count of elements, bytes or files processed by operations.",
		}, []string{"component", "operation"}),
	}
	if err := register(reg, o.duration, func(c prometheus.Collector) { o.duration = c.(*prometheus.HistogramVec) }); err != nil {
		return nil, err
	}
	if err := register(reg, o.errors, func(c prometheus.Collector) { o.errors = c.(*prometheus.CounterVec) }); err != nil {
		return nil, err
	}
	if err := register(reg, o.counts, func(c prometheus.Collector) { o.counts = c.(*prometheus.CounterVec) }); err != nil {
		return nil, err
	}
	return o, nil
}

// register adds c to reg, reusing an identical collector that is already
// registered.
func register(reg prometheus.Registerer, c prometheus.Collector, reuse func(prometheus.Collector)) error {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			reuse(are.ExistingCollector)
			return nil
		}
		return fmt.Errorf("failed to register metric: %w", err)
	}
	return nil
}

// RecordOperation implements Observer.
func (o *PrometheusObserver) RecordOperation(component, operation string, duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues(component, operation).Observe(duration.Seconds())
	if err != nil {
		o.errors.WithLabelValues(component, operation, apperr.KindOf(err).String()).Inc()
	}
}

// RecordCount implements Observer.
func (o *PrometheusObserver) RecordCount(component, operation string, n int) {
	if o == nil || n <= 0 {
		return
	}
	o.counts.WithLabelValues(component, operation).Add(float64(n))
}

// RegisterCache exports entries, hits and misses of a named cache, read
// from stats at scrape time.
func (o *PrometheusObserver) RegisterCache(name string, stats func() CacheStats) error {
	labels := prometheus.Labels{"cache": name}
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: o.namespace, Name: "cache_entries", Help: "Entries held by a cache.", ConstLabels: labels,
		}, func() float64 { return stats().Entries }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: o.namespace, Name: "cache_hits_total", Help: "Cache hits.", ConstLabels: labels,
		}, func() float64 { return stats().Hits }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: o.namespace, Name: "cache_misses_total", Help: "Cache misses.", ConstLabels: labels,
		}, func() float64 { return stats().Misses }),
	}
	for _, c := range collectors {
		if err := register(o.reg, c, func(prometheus.Collector) {}); err != nil {
			return err
		}
	}
	return nil
}

type nopObserver struct{}

func (nopObserver) RecordOperation(string, string, time.Duration, error) {}

func (nopObserver) RecordCount(string, string, int) {}

// Nop returns an Observer that records nothing.
func Nop() Observer { return nopObserver{} }

var _ Observer = (*PrometheusObserver)(nil)
