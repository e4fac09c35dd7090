package metrics

import (
	"strconv"
	"time"
)

// RecordRead records a get operation served by the given layer
// ("index", "memtable", "sstable", "miss"). Nil-safe.
func (r *Registry) RecordRead(source string) {
	if r == nil {
		return
	}
	r.ReadsTotal.WithLabelValues(source).Inc()
}

// RecordWrite records a put operation. Nil-safe.
func (r *Registry) RecordWrite() {
	if r == nil {
		return
	}
	r.WritesTotal.Inc()
}

// RecordDelete records a remove operation. Nil-safe.
func (r *Registry) RecordDelete() {
	if r == nil {
		return
	}
	r.DeletesTotal.Inc()
}

// RecordFlush records a memtable flush outcome. Nil-safe.
func (r *Registry) RecordFlush(ok bool) {
	if r == nil {
		return
	}
	r.FlushesTotal.WithLabelValues(statusLabel(ok)).Inc()
}

// RecordCompaction records a compaction outcome and duration. Nil-safe.
func (r *Registry) RecordCompaction(ok bool, duration time.Duration) {
	if r == nil {
		return
	}
	r.CompactionsTotal.WithLabelValues(statusLabel(ok)).Inc()
	r.CompactionDuration.Observe(duration.Seconds())
}

// RecordRangeScan records a range scan. Nil-safe.
func (r *Registry) RecordRangeScan() {
	if r == nil {
		return
	}
	r.RangeScans.Inc()
}

// RecordSync records an index sync pass. Nil-safe.
func (r *Registry) RecordSync(duration time.Duration, indexKeys int) {
	if r == nil {
		return
	}
	r.SyncRunsTotal.Inc()
	r.SyncDuration.Observe(duration.Seconds())
	r.IndexKeys.Set(float64(indexKeys))
}

// UpdateWritePath updates memtable gauges. Nil-safe.
func (r *Registry) UpdateWritePath(memTableBytes int, immutables int) {
	if r == nil {
		return
	}
	r.MemTableBytes.Set(float64(memTableBytes))
	r.ImmutableCount.Set(float64(immutables))
}

// UpdateLevelTableCount updates the per-level SSTable gauge. Nil-safe.
func (r *Registry) UpdateLevelTableCount(level, count int) {
	if r == nil {
		return
	}
	r.SSTablesPerLevel.WithLabelValues(strconv.Itoa(level)).Set(float64(count))
}

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
