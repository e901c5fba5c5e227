// Package metrics backs the telemetry.Metrics capability with a Prometheus
// registry.
package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "lockstep"

// Registry lazily creates one collector per key. Keys are snake_case metric
// names without the namespace; a "_total" suffix is kept for counters.
type Registry struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
	buckets    map[string][]float64
}

// NewRegistry returns a registry with the Go runtime and process collectors
// installed.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		reg:        reg,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
		buckets:    make(map[string][]float64),
	}
}

// SetBuckets overrides the histogram buckets for key. It must be called before
// the first Observe for that key.
func (r *Registry) SetBuckets(key string, buckets []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets[key] = append([]float64(nil), buckets...)
}

// Add increments the counter for key.
func (r *Registry) Add(key string, delta uint64) {
	if r == nil {
		return
	}
	r.counter(key).Add(float64(delta))
}

// Store sets the gauge for key.
func (r *Registry) Store(key string, value uint64) {
	if r == nil {
		return
	}
	r.gauge(key).Set(float64(value))
}

// Observe records a sample in the histogram for key.
func (r *Registry) Observe(key string, value float64) {
	if r == nil {
		return
	}
	r.histogram(key).Observe(value)
}

// Handler exposes the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Snapshot returns the current value of every counter and gauge created
// through this registry, keyed as passed to Add or Store. Histograms report
// their sample count.
func (r *Registry) Snapshot() map[string]float64 {
	if r == nil {
		return nil
	}
	families, err := r.reg.Gather()
	if err != nil {
		return nil
	}
	out := make(map[string]float64)
	prefix := namespace + "_"
	for _, family := range families {
		name := family.GetName()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		key := strings.TrimPrefix(name, prefix)
		for _, metric := range family.GetMetric() {
			if value, ok := sampleValue(metric); ok {
				out[key] = value
			}
		}
	}
	return out
}

func sampleValue(metric *dto.Metric) (float64, bool) {
	switch {
	case metric.GetCounter() != nil:
		return metric.GetCounter().GetValue(), true
	case metric.GetGauge() != nil:
		return metric.GetGauge().GetValue(), true
	case metric.GetHistogram() != nil:
		return float64(metric.GetHistogram().GetSampleCount()), true
	default:
		return 0, false
	}
}

func (r *Registry) counter(key string) prometheus.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[key]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      key,
		Help:      helpFor(key),
	})
	r.reg.MustRegister(c)
	r.counters[key] = c
	return c
}

func (r *Registry) gauge(key string) prometheus.Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[key]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      key,
		Help:      helpFor(key),
	})
	r.reg.MustRegister(g)
	r.gauges[key] = g
	return g
}

func (r *Registry) histogram(key string) prometheus.Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[key]; ok {
		return h
	}
	buckets := r.buckets[key]
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      key,
		Help:      helpFor(key),
		Buckets:   buckets,
	})
	r.reg.MustRegister(h)
	r.histograms[key] = h
	return h
}

func helpFor(key string) string {
	return strings.ReplaceAll(key, "_", " ")
}
