package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initEngineMetrics() {
	r.WritesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "hybriddb_writes_total",
			Help: "Total number of put operations",
		},
	)

	r.DeletesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "hybriddb_deletes_total",
			Help: "Total number of remove operations",
		},
	)

	r.FlushesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "hybriddb_flushes_total",
			Help: "Total number of memtable flushes",
		},
		[]string{"status"},
	)

	r.MemTableBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "hybriddb_memtable_bytes",
			Help: "Bytes held by the active memtable",
		},
	)

	r.ImmutableCount = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "hybriddb_immutable_memtables",
			Help: "Number of sealed memtables waiting to be flushed",
		},
	)

	r.ReadsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "hybriddb_reads_total",
			Help: "Total number of get operations by serving layer",
		},
		[]string{"source"},
	)

	r.RangeScans = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "hybriddb_range_scans_total",
			Help: "Total number of range scans",
		},
	)

	r.CompactionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "hybriddb_compactions_total",
			Help: "Total number of compactions",
		},
		[]string{"status"},
	)

	r.CompactionDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hybriddb_compaction_duration_seconds",
			Help:    "Compaction duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
	)

	r.SSTablesPerLevel = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hybriddb_sstables",
			Help: "Number of SSTables per level",
		},
		[]string{"level"},
	)

	r.SyncRunsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "hybriddb_index_sync_runs_total",
			Help: "Total number of LSM to B+ tree sync passes",
		},
	)

	r.SyncDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hybriddb_index_sync_duration_seconds",
			Help:    "Index sync pass duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)

	r.IndexKeys = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "hybriddb_index_keys",
			Help: "Number of keys held by the B+ tree index",
		},
	)
}
