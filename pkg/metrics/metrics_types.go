package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the storage engine
type Registry struct {
	// Write path
	WritesTotal    prometheus.Counter
	DeletesTotal   prometheus.Counter
	FlushesTotal   *prometheus.CounterVec
	MemTableBytes  prometheus.Gauge
	ImmutableCount prometheus.Gauge

	// Read path
	ReadsTotal *prometheus.CounterVec
	RangeScans prometheus.Counter

	// Compaction
	CompactionsTotal   *prometheus.CounterVec
	CompactionDuration prometheus.Histogram
	SSTablesPerLevel   *prometheus.GaugeVec

	// Index sync
	SyncRunsTotal prometheus.Counter
	SyncDuration  prometheus.Histogram
	IndexKeys     prometheus.Gauge

	registry *prometheus.Registry
}

// NewRegistry creates a registry with all engine metrics registered
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initEngineMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
