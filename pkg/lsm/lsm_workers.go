package lsm

import (
	"sort"
	"time"

	"github.com/kolbycheesey/hybriddb/pkg/logging"
)

// flushRetryDelay spaces out retries after a failed flush so a broken disk
// does not spin the worker.
const flushRetryDelay = 100 * time.Millisecond

// flushWorker materializes sealed memtables as level-0 SSTables. Each cycle
// drains the entire immutable queue into one merged table, so a burst of
// rollovers becomes a single flush. It signals Flush waiters once the queue
// is empty. A failed flush leaves the memtables queued and retries after a
// delay.
func (t *Tree) flushWorker() {
	defer t.wg.Done()

	t.mu.Lock()
	for {
		for len(t.immutables) == 0 && !t.stopped {
			t.cond.Wait()
		}
		if len(t.immutables) == 0 && t.stopped {
			t.mu.Unlock()
			return
		}

		batch := append([]*MemTable(nil), t.immutables...)
		t.mu.Unlock()

		entries := mergeMemTables(batch)
		sst, err := CreateSSTable(t.dataDir, 0, entries, t.reg)
		if err != nil {
			t.logger.Error("flush failed", logging.Error(err))
			t.metrics.RecordFlush(false)

			t.mu.Lock()
			if t.stopped {
				// Shutdown with a broken flush path: give up on the queue
				t.cond.Broadcast()
				t.mu.Unlock()
				return
			}
			t.mu.Unlock()

			time.Sleep(flushRetryDelay)
			t.mu.Lock()
			continue
		}

		t.manager.Ingest(sst)

		t.mu.Lock()
		t.immutables = t.immutables[len(batch):]
		drained := len(t.immutables) == 0
		t.metrics.UpdateWritePath(t.active.SizeBytes(), len(t.immutables))
		if drained {
			t.cond.Broadcast()
		}
		t.mu.Unlock()

		for _, mt := range batch {
			mt.Release()
		}
		t.stats.Flushes.Add(1)
		t.metrics.RecordFlush(true)
		t.logger.Debug("memtables flushed",
			logging.Path(sst.Path()),
			logging.Int("memtables", len(batch)),
			logging.KeyCount(sst.Metadata().KeyCount))

		t.mu.Lock()
	}
}

// mergeMemTables folds queued memtables into one sorted run. The queue is
// oldest-first, so iterating newest-first and keeping the first occurrence
// of each key preserves overwrite semantics. Tombstones are carried into
// the output to keep masking older SSTables.
func mergeMemTables(batch []*MemTable) []*Entry {
	seen := make(map[string]bool)
	entries := make([]*Entry, 0)

	for i := len(batch) - 1; i >= 0; i-- {
		for _, e := range batch[i].Iterator() {
			keyStr := string(e.Key)
			if seen[keyStr] {
				continue
			}
			seen[keyStr] = true
			entries = append(entries, e)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return EntryCompare(entries[i], entries[j]) < 0
	})
	return entries
}
