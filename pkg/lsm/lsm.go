package lsm

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/kolbycheesey/hybriddb/pkg/allocator"
	"github.com/kolbycheesey/hybriddb/pkg/logging"
	"github.com/kolbycheesey/hybriddb/pkg/mmapfile"
)

// NewTree creates an LSM tree, restoring any SSTables already present in
// the data directory, and starts the background flusher.
func NewTree(opts Options) (*Tree, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("lsm: data directory required")
	}
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, err
	}
	if opts.MemTableBytes <= 0 {
		return nil, fmt.Errorf("lsm: memtable budget must be positive")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	reg := opts.Registry
	if reg == nil {
		reg = mmapfile.NewRegistry(logger)
	}
	alloc := opts.Allocator
	if alloc == nil {
		alloc = allocator.New()
	}

	manager, err := NewManager(opts.DataDir, opts.LevelMaxTables, reg, logger, opts.Metrics)
	if err != nil {
		return nil, err
	}

	t := &Tree{
		manager:      manager,
		reg:          reg,
		alloc:        alloc,
		dataDir:      opts.DataDir,
		memBytes:     opts.MemTableBytes,
		autoFlushOff: opts.DisableAutoFlush,
		logger:       logger.With(logging.Component("lsm")),
		metrics:      opts.Metrics,
	}
	t.cond = sync.NewCond(&t.mu)
	t.active = NewMemTable(t.memBytes, t.alloc)

	t.wg.Add(1)
	go t.flushWorker()

	return t, nil
}

// Put writes a key-value pair into the active memtable. A rejected write
// seals the active table, queues it for flush, and retries once on a fresh
// table.
func (t *Tree) Put(key, value []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.mu.Lock()
	err := t.active.Put(key, value)
	if err != nil {
		t.rotateLocked()
		err = t.active.Put(key, value)
	}
	t.mu.Unlock()

	if err != nil {
		return err
	}

	t.stats.Writes.Add(1)
	t.metrics.RecordWrite()
	return nil
}

// Delete writes a tombstone for the key. The marker masks any version of
// the key already flushed to disk.
func (t *Tree) Delete(key []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.mu.Lock()
	err := t.active.Delete(key)
	if err != nil {
		t.rotateLocked()
		err = t.active.Delete(key)
	}
	t.mu.Unlock()

	if err != nil {
		return err
	}

	t.stats.Deletes.Add(1)
	t.metrics.RecordDelete()
	return nil
}

// Get retrieves the newest version of a key: active memtable, sealed
// memtables newest-first, then SSTables newest-first. A tombstone anywhere
// on that path means not found.
func (t *Tree) Get(key []byte) ([]byte, bool) {
	if t.closed.Load() {
		return nil, false
	}
	t.stats.Reads.Add(1)

	t.mu.Lock()
	if entry, ok := t.active.Get(key); ok {
		value, live := valueOf(entry)
		t.mu.Unlock()
		t.metrics.RecordRead("memtable")
		return value, live
	}
	for i := len(t.immutables) - 1; i >= 0; i-- {
		if entry, ok := t.immutables[i].Get(key); ok {
			value, live := valueOf(entry)
			t.mu.Unlock()
			t.metrics.RecordRead("memtable")
			return value, live
		}
	}
	t.mu.Unlock()

	for _, sst := range t.manager.TablesForKey(key) {
		if entry, ok := sst.Get(key); ok {
			if entry.Tombstone {
				t.metrics.RecordRead("miss")
				return nil, false
			}
			t.metrics.RecordRead("sstable")
			return entry.Value, true
		}
	}

	t.metrics.RecordRead("miss")
	return nil, false
}

// valueOf copies a live entry's value out of memtable-owned storage
func valueOf(entry *Entry) ([]byte, bool) {
	if entry.Tombstone {
		return nil, false
	}
	return append([]byte(nil), entry.Value...), true
}

// RangeScan returns live entries with lo <= key <= hi in ascending key
// order. Sources are consulted newest-first and only the first observation
// of each key counts; tombstones suppress older versions and are dropped
// from the result.
func (t *Tree) RangeScan(lo, hi []byte) []*Entry {
	if t.closed.Load() {
		return nil
	}
	t.metrics.RecordRangeScan()

	seen := make(map[string]*Entry)

	collect := func(entries []*Entry, copyOut bool) {
		for _, e := range entries {
			keyStr := string(e.Key)
			if _, ok := seen[keyStr]; ok {
				continue
			}
			if copyOut {
				seen[keyStr] = e.clone()
			} else {
				seen[keyStr] = e
			}
		}
	}

	t.mu.Lock()
	collect(t.active.Scan(lo, hi), true)
	for i := len(t.immutables) - 1; i >= 0; i-- {
		collect(t.immutables[i].Scan(lo, hi), true)
	}
	t.mu.Unlock()

	for _, sst := range t.manager.TablesForRange(lo, hi) {
		collect(sst.Scan(lo, hi), false)
	}

	return sortedLiveEntries(seen)
}

// ScanAll returns every live entry in ascending key order. It is the
// whole-keyspace primitive backing the index syncer, avoiding any notion
// of universal minimum and maximum keys.
func (t *Tree) ScanAll() []*Entry {
	if t.closed.Load() {
		return nil
	}

	seen := make(map[string]*Entry)

	collectOne := func(e *Entry, copyOut bool) {
		keyStr := string(e.Key)
		if _, ok := seen[keyStr]; ok {
			return
		}
		if copyOut {
			seen[keyStr] = e.clone()
		} else {
			seen[keyStr] = e
		}
	}

	t.mu.Lock()
	for _, e := range t.active.Iterator() {
		collectOne(e, true)
	}
	for i := len(t.immutables) - 1; i >= 0; i-- {
		for _, e := range t.immutables[i].Iterator() {
			collectOne(e, true)
		}
	}
	t.mu.Unlock()

	for _, sst := range t.manager.AllTables() {
		sst.ForEach(func(e *Entry) {
			collectOne(e, false)
		})
	}

	return sortedLiveEntries(seen)
}

func sortedLiveEntries(seen map[string]*Entry) []*Entry {
	results := make([]*Entry, 0, len(seen))
	for _, e := range seen {
		if !e.Tombstone {
			results = append(results, e)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return bytes.Compare(results[i].Key, results[j].Key) < 0
	})
	return results
}

// rotateLocked seals the active memtable, queues it for flushing and
// installs a fresh one. Empty tables are released instead of queued.
func (t *Tree) rotateLocked() {
	t.active.Seal()
	if t.active.Len() > 0 {
		t.immutables = append(t.immutables, t.active)
	} else {
		t.active.Release()
	}
	t.active = NewMemTable(t.memBytes, t.alloc)
	t.metrics.UpdateWritePath(0, len(t.immutables))
	if !t.autoFlushOff {
		t.cond.Broadcast()
	}
}

// Flush seals the active memtable (if non-empty) and blocks until the
// immutable queue drains.
func (t *Tree) Flush() error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.flushAndWait()
	return nil
}

func (t *Tree) flushAndWait() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active.Len() > 0 {
		t.rotateLocked()
	}
	t.cond.Broadcast()
	for len(t.immutables) > 0 && !t.stopped {
		t.cond.Wait()
	}
}

// Compact schedules a compaction of the given level
func (t *Tree) Compact(level int, major bool) {
	if t.closed.Load() {
		return
	}
	t.manager.ScheduleCompaction(level, major)
}

// WaitForCompactions blocks until the compaction queue is idle
func (t *Tree) WaitForCompactions() {
	t.manager.WaitForCompactions()
}

// Manager exposes the compaction manager for level inspection
func (t *Tree) Manager() *Manager {
	return t.manager
}

// GetStats returns a snapshot of engine statistics
func (t *Tree) GetStats() StatsSnapshot {
	snap := StatsSnapshot{
		Writes:  t.stats.Writes.Load(),
		Deletes: t.stats.Deletes.Load(),
		Reads:   t.stats.Reads.Load(),
		Flushes: t.stats.Flushes.Load(),
	}

	t.mu.Lock()
	snap.MemTableBytes = t.active.SizeBytes()
	snap.ImmutableCount = len(t.immutables)
	t.mu.Unlock()

	levels := t.manager.LevelCount()
	for i := 0; i < levels; i++ {
		snap.LevelTables = append(snap.LevelTables, t.manager.TableCount(i))
	}
	return snap
}

// Close flushes pending writes, stops the background workers, shuts down
// the compaction manager, and unmaps every file. Idempotent.
func (t *Tree) Close() error {
	if t.closed.Swap(true) {
		return nil
	}

	// Drain the write path before stopping the flusher
	t.flushAndWait()

	t.mu.Lock()
	t.stopped = true
	t.cond.Broadcast()
	t.mu.Unlock()

	t.wg.Wait()
	t.manager.Shutdown()

	return t.reg.CloseAll()
}
