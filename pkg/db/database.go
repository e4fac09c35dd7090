// Package db is the top-level hybrid store: writes land in a
// write-optimized LSM tree, point reads prefer a read-optimized in-memory
// B+ tree index, and a background syncer mirrors every live LSM key
// (memtables included) into the index on a coarse interval.
package db

import (
	"bytes"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kolbycheesey/hybriddb/pkg/btree"
	"github.com/kolbycheesey/hybriddb/pkg/config"
	"github.com/kolbycheesey/hybriddb/pkg/logging"
	"github.com/kolbycheesey/hybriddb/pkg/lsm"
	"github.com/kolbycheesey/hybriddb/pkg/metrics"
)

// syncSlice is the granularity at which the syncer checks for shutdown, so
// Close returns promptly regardless of the configured sync interval.
const syncSlice = 100 * time.Millisecond

// Pair is one key-value result from a range scan
type Pair struct {
	Key   []byte
	Value []byte
}

// Database combines the LSM tree with a B+ tree read index
type Database struct {
	cfg *config.Config

	lsm     *lsm.Tree
	index   *btree.Tree
	indexMu sync.Mutex

	syncing atomic.Bool
	closed  atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	logger  logging.Logger
	metrics *metrics.Registry
}

// Open creates or reopens a database in the configured data directory and
// starts the background index syncer. Logger and metrics are optional.
func Open(cfg *config.Config, logger logging.Logger, m *metrics.Registry) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewJSONLogger(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	}

	tree, err := lsm.NewTree(lsm.Options{
		DataDir:        cfg.DataDir,
		MemTableBytes:  cfg.MemTableBytes,
		LevelMaxTables: cfg.LevelMaxTables,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		return nil, err
	}

	d := &Database{
		cfg:     cfg,
		lsm:     tree,
		index:   btree.New(),
		stopCh:  make(chan struct{}),
		logger:  logger.With(logging.Component("db")),
		metrics: m,
	}

	d.wg.Add(1)
	go d.syncer()

	d.logger.Info("database open",
		logging.Path(cfg.DataDir),
		logging.Int("memtable_bytes", cfg.MemTableBytes),
		logging.Duration("sync_interval", cfg.SyncInterval()))

	return d, nil
}

// Put writes a key-value pair. Writes go only to the LSM tree; the index
// catches up on the next sync pass.
func (d *Database) Put(key, value []byte) error {
	if d.closed.Load() {
		return lsm.ErrClosed
	}
	return d.lsm.Put(key, value)
}

// Remove deletes a key by writing a tombstone into the LSM tree
func (d *Database) Remove(key []byte) error {
	if d.closed.Load() {
		return lsm.ErrClosed
	}
	return d.lsm.Delete(key)
}

// Get retrieves a value, consulting the B+ tree index first and falling
// through to the LSM tree for keys the syncer has not mirrored yet.
func (d *Database) Get(key []byte) ([]byte, bool) {
	if d.closed.Load() {
		return nil, false
	}

	d.indexMu.Lock()
	value, ok := d.index.Find(key)
	d.indexMu.Unlock()
	if ok {
		d.metrics.RecordRead("index")
		return append([]byte(nil), value...), true
	}

	return d.lsm.Get(key)
}

// RangeScan returns pairs with lo <= key <= hi in ascending key order. The
// index and the LSM tree are both consulted; where both hold a key the LSM
// value wins, since it is at least as new.
func (d *Database) RangeScan(lo, hi []byte) []Pair {
	if d.closed.Load() {
		return nil
	}

	merged := make(map[string][]byte)

	d.indexMu.Lock()
	for _, pair := range d.index.RangeScan(lo, hi) {
		merged[string(pair.Key)] = append([]byte(nil), pair.Value...)
	}
	d.indexMu.Unlock()

	for _, entry := range d.lsm.RangeScan(lo, hi) {
		merged[string(entry.Key)] = entry.Value
	}

	results := make([]Pair, 0, len(merged))
	for key, value := range merged {
		results = append(results, Pair{Key: []byte(key), Value: value})
	}
	sort.Slice(results, func(i, j int) bool {
		return bytes.Compare(results[i].Key, results[j].Key) < 0
	})
	return results
}

// Sync snapshots every live key in the LSM tree and upserts it into the
// B+ tree index. At most one sync runs at a time; overlapping requests
// return immediately.
func (d *Database) Sync() {
	if d.closed.Load() {
		return
	}
	if !d.syncing.CompareAndSwap(false, true) {
		return
	}
	defer d.syncing.Store(false)

	start := time.Now()
	entries := d.lsm.ScanAll()

	d.indexMu.Lock()
	for _, entry := range entries {
		d.index.Insert(entry.Key, entry.Value)
	}
	indexKeys := d.index.Len()
	d.indexMu.Unlock()

	d.metrics.RecordSync(time.Since(start), indexKeys)
	d.logger.Debug("index sync complete",
		logging.KeyCount(len(entries)),
		logging.Duration("took", time.Since(start)))
}

// Flush seals the active memtable and waits for the flush queue to drain
func (d *Database) Flush() error {
	if d.closed.Load() {
		return lsm.ErrClosed
	}
	return d.lsm.Flush()
}

// Compact schedules a compaction of the given level
func (d *Database) Compact(level int, major bool) {
	if d.closed.Load() {
		return
	}
	d.lsm.Compact(level, major)
}

// WaitForCompactions blocks until the compaction queue is idle
func (d *Database) WaitForCompactions() {
	d.lsm.WaitForCompactions()
}

// Stats describes the engine's current shape
type Stats struct {
	LSM       lsm.StatsSnapshot
	IndexKeys int
}

// GetStats returns a snapshot of engine statistics
func (d *Database) GetStats() Stats {
	d.indexMu.Lock()
	indexKeys := d.index.Len()
	d.indexMu.Unlock()

	return Stats{
		LSM:       d.lsm.GetStats(),
		IndexKeys: indexKeys,
	}
}

// Close stops the syncer, flushes pending writes and shuts the LSM tree
// down. Idempotent; operations after Close fail.
func (d *Database) Close() error {
	if d.closed.Swap(true) {
		return nil
	}

	close(d.stopCh)
	d.wg.Wait()

	err := d.lsm.Close()
	d.logger.Info("database closed")
	return err
}

// syncer mirrors LSM state into the index every sync interval. The wait is
// sliced so a shutdown request is honored within one slice.
func (d *Database) syncer() {
	defer d.wg.Done()

	ticker := time.NewTicker(syncSlice)
	defer ticker.Stop()

	slicesPerSync := int(d.cfg.SyncInterval() / syncSlice)
	if slicesPerSync < 1 {
		slicesPerSync = 1
	}

	elapsed := 0
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			elapsed++
			if elapsed < slicesPerSync {
				continue
			}
			elapsed = 0
			d.Sync()
		}
	}
}
