package lsm

import (
	"sync"
	"sync/atomic"

	"github.com/kolbycheesey/hybriddb/pkg/allocator"
	"github.com/kolbycheesey/hybriddb/pkg/config"
	"github.com/kolbycheesey/hybriddb/pkg/logging"
	"github.com/kolbycheesey/hybriddb/pkg/metrics"
	"github.com/kolbycheesey/hybriddb/pkg/mmapfile"
)

// Tree is the LSM storage engine: an active memtable absorbing writes, a
// FIFO queue of sealed memtables awaiting flush, and levelled SSTables
// owned by the compaction manager.
type Tree struct {
	mu   sync.Mutex
	cond *sync.Cond // wakes the flusher; signals Flush waiters on drain

	// Write path
	active     *MemTable
	immutables []*MemTable // oldest first

	// Read path
	manager *Manager

	// Shared infrastructure
	reg   *mmapfile.Registry
	alloc *allocator.Allocator

	// Configuration
	dataDir      string
	memBytes     int
	autoFlushOff bool

	// Lifecycle
	stopped bool
	closed  atomic.Bool
	wg      sync.WaitGroup

	logger  logging.Logger
	metrics *metrics.Registry

	stats Stats
}

// Stats tracks engine counters with lock-free atomics
type Stats struct {
	Writes  atomic.Int64
	Deletes atomic.Int64
	Reads   atomic.Int64
	Flushes atomic.Int64
}

// StatsSnapshot is a point-in-time view of the tree's state
type StatsSnapshot struct {
	Writes         int64
	Deletes        int64
	Reads          int64
	Flushes        int64
	MemTableBytes  int
	ImmutableCount int
	LevelTables    []int
}

// Options configures an LSM tree
type Options struct {
	DataDir        string
	MemTableBytes  int
	LevelMaxTables []int

	// DisableAutoFlush stops rollovers from waking the flusher; sealed
	// memtables then accumulate until an explicit Flush or Close. Useful
	// for tests that need deterministic flush timing.
	DisableAutoFlush bool

	// Optional collaborators; created internally when nil
	Registry  *mmapfile.Registry
	Allocator *allocator.Allocator
	Logger    logging.Logger
	Metrics   *metrics.Registry
}

// DefaultOptions returns the default tree configuration for a data directory
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:        dataDir,
		MemTableBytes:  config.DefaultMemTableBytes,
		LevelMaxTables: config.DefaultLevelMaxTables(),
	}
}
