package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// RunMetrics counts repair run activity on a private registry and exports it
// in the Prometheus text format
type RunMetrics struct {
	registry  *prometheus.Registry
	features  *prometheus.CounterVec
	units     *prometheus.CounterVec
	chunks    prometheus.Counter
	chunkSize prometheus.Gauge
	memory    prometheus.Gauge
}

// NewRunMetrics registers the run collectors
func NewRunMetrics() *RunMetrics {
	m := &RunMetrics{
		registry: prometheus.NewRegistry(),
		features: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jartic2geojson",
			Name:      "features_total",
			Help:      "Features processed, by repair method.",
		}, []string{"method"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jartic2geojson",
			Name:      "units_total",
			Help:      "Processed files, by result.",
		}, []string{"result"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jartic2geojson",
			Name:      "chunks_total",
			Help:      "Chunks repaired.",
		}),
		chunkSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jartic2geojson",
			Name:      "chunk_size",
			Help:      "Chunk size chosen by the scheduler for the latest chunk.",
		}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jartic2geojson",
			Name:      "process_memory_percent",
			Help:      "Latest sampled process memory utilization.",
		}),
	}
	m.registry.MustRegister(m.features, m.units, m.chunks, m.chunkSize, m.memory)
	return m
}

// ObserveFeature counts one feature outcome
func (m *RunMetrics) ObserveFeature(method string) {
	m.features.WithLabelValues(method).Inc()
}

// ObserveChunk records a repaired chunk and the size it was scheduled with
func (m *RunMetrics) ObserveChunk(size int) {
	m.chunks.Inc()
	m.chunkSize.Set(float64(size))
}

// ObserveUnit counts a finished file
func (m *RunMetrics) ObserveUnit(failed bool) {
	result := "ok"
	if failed {
		result = "failed"
	}
	m.units.WithLabelValues(result).Inc()
}

// ObserveMemory records a memory sample
func (m *RunMetrics) ObserveMemory(pct float64) {
	m.memory.Set(pct)
}

// Registry exposes the underlying registry
func (m *RunMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes all metrics to path, creating parent directories
func (m *RunMetrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}

// MemorySource samples process memory utilization
type MemorySource interface {
	MemoryPercent() (float64, error)
}

// ObservedMemory records every successful sample of src on the memory gauge
type ObservedMemory struct {
	src     MemorySource
	metrics *RunMetrics
}

// ObserveMemorySource wraps src so its samples are exported
func (m *RunMetrics) ObserveMemorySource(src MemorySource) *ObservedMemory {
	return &ObservedMemory{src: src, metrics: m}
}

// MemoryPercent samples src and records the value
func (o *ObservedMemory) MemoryPercent() (float64, error) {
	pct, err := o.src.MemoryPercent()
	if err == nil {
		o.metrics.ObserveMemory(pct)
	}
	return pct, err
}
