package lsm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kolbycheesey/hybriddb/pkg/logging"
	"github.com/kolbycheesey/hybriddb/pkg/metrics"
	"github.com/kolbycheesey/hybriddb/pkg/mmapfile"
)

// maxOutputBytes bounds a single merged table; larger merges split into
// multiple range-disjoint outputs.
const maxOutputBytes = 64 * 1024 * 1024

// Job asks the worker to compact one level
type Job struct {
	Level int
	Major bool
}

// Manager owns the levelled organization of SSTables and the background
// merge worker. Level 0 may hold overlapping tables (flush outputs, ordered
// oldest to newest); levels >= 1 hold range-disjoint tables sorted by min
// key. Every table belongs to exactly one level at a time.
type Manager struct {
	mu      sync.Mutex
	cond    *sync.Cond
	levels  [][]*SSTable
	queue   []Job
	running bool
	stopped bool

	maxTables []int
	dataDir   string
	reg       *mmapfile.Registry
	wg        sync.WaitGroup
	logger    logging.Logger
	metrics   *metrics.Registry
}

// NewManager scans the data directory for existing tables, restores the
// levels, and starts the merge worker.
func NewManager(dataDir string, maxTables []int, reg *mmapfile.Registry,
	logger logging.Logger, m *metrics.Registry) (*Manager, error) {

	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if len(maxTables) == 0 {
		return nil, fmt.Errorf("compaction: at least one level bound required")
	}

	cm := &Manager{
		levels:    make([][]*SSTable, 1),
		maxTables: maxTables,
		dataDir:   dataDir,
		reg:       reg,
		logger:    logger.With(logging.Component("compaction")),
		metrics:   m,
	}
	cm.cond = sync.NewCond(&cm.mu)

	if err := cm.loadExisting(); err != nil {
		return nil, err
	}

	cm.wg.Add(1)
	go cm.worker()

	return cm, nil
}

// loadExisting opens every sstable_L{n}_*.db file in the data directory and
// places it into its declared level. Malformed files are logged and skipped.
func (cm *Manager) loadExisting() error {
	pattern := filepath.Join(cm.dataDir, "sstable_L*_*.db")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("compaction: scan %s: %w", cm.dataDir, err)
	}

	for _, path := range files {
		level, _, ok := ParseSSTableName(filepath.Base(path))
		if !ok {
			cm.logger.Warn("skipping file with invalid name", logging.Path(path))
			continue
		}

		sst, err := OpenSSTable(path, cm.reg)
		if err != nil {
			cm.logger.Warn("skipping unreadable sstable", logging.Path(path), logging.Error(err))
			continue
		}

		cm.growLevelsLocked(level)
		cm.levels[level] = append(cm.levels[level], sst)
	}

	// Restore in-level ordering: creation order at level 0, key order above
	for level := range cm.levels {
		if level == 0 {
			sort.Slice(cm.levels[0], func(i, j int) bool {
				return cm.levels[0][i].seq < cm.levels[0][j].seq
			})
		} else {
			sortByMinKey(cm.levels[level])
		}
		cm.metrics.UpdateLevelTableCount(level, len(cm.levels[level]))
	}

	return nil
}

func sortByMinKey(tables []*SSTable) {
	sort.Slice(tables, func(i, j int) bool {
		return bytes.Compare(tables[i].meta.MinKey, tables[j].meta.MinKey) < 0
	})
}

func (cm *Manager) growLevelsLocked(level int) {
	for len(cm.levels) <= level {
		cm.levels = append(cm.levels, nil)
	}
}

func (cm *Manager) maxTablesFor(level int) int {
	if level < len(cm.maxTables) {
		return cm.maxTables[level]
	}
	return cm.maxTables[len(cm.maxTables)-1]
}

// bottomLevel is the deepest configured level; tombstones retire there
func (cm *Manager) bottomLevel() int {
	return len(cm.maxTables) - 1
}

// Ingest registers a freshly flushed table into level 0 and schedules a
// compaction if the level is over its bound.
func (cm *Manager) Ingest(sst *SSTable) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.levels[0] = append(cm.levels[0], sst)
	cm.metrics.UpdateLevelTableCount(0, len(cm.levels[0]))

	if len(cm.levels[0]) > cm.maxTablesFor(0) {
		cm.enqueueLocked(Job{Level: 0})
	}
}

// TablesForKey returns tables that might contain the key, newest first:
// level 0 in reverse creation order, then one candidate per deeper level.
func (cm *Manager) TablesForKey(key []byte) []*SSTable {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var tables []*SSTable

	if len(cm.levels) > 0 {
		l0 := cm.levels[0]
		for i := len(l0) - 1; i >= 0; i-- {
			if l0[i].MayContain(key) {
				tables = append(tables, l0[i])
			}
		}
	}

	for level := 1; level < len(cm.levels); level++ {
		if sst := findInDisjointLevel(cm.levels[level], key); sst != nil {
			tables = append(tables, sst)
		}
	}

	return tables
}

// findInDisjointLevel binary-searches a disjoint, min-key-sorted level
func findInDisjointLevel(tables []*SSTable, key []byte) *SSTable {
	idx := sort.Search(len(tables), func(i int) bool {
		return bytes.Compare(tables[i].meta.MaxKey, key) >= 0
	})
	if idx < len(tables) && tables[idx].MayContain(key) {
		return tables[idx]
	}
	return nil
}

// TablesForRange returns tables overlapping [lo, hi], newest first
func (cm *Manager) TablesForRange(lo, hi []byte) []*SSTable {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	overlaps := func(sst *SSTable) bool {
		return bytes.Compare(sst.meta.MinKey, hi) <= 0 &&
			bytes.Compare(sst.meta.MaxKey, lo) >= 0
	}

	var tables []*SSTable
	if len(cm.levels) > 0 {
		l0 := cm.levels[0]
		for i := len(l0) - 1; i >= 0; i-- {
			if overlaps(l0[i]) {
				tables = append(tables, l0[i])
			}
		}
	}
	for level := 1; level < len(cm.levels); level++ {
		for _, sst := range cm.levels[level] {
			if overlaps(sst) {
				tables = append(tables, sst)
			}
		}
	}
	return tables
}

// AllTables returns every table, newest first (for full scans)
func (cm *Manager) AllTables() []*SSTable {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var tables []*SSTable
	if len(cm.levels) > 0 {
		l0 := cm.levels[0]
		for i := len(l0) - 1; i >= 0; i-- {
			tables = append(tables, l0[i])
		}
	}
	for level := 1; level < len(cm.levels); level++ {
		tables = append(tables, cm.levels[level]...)
	}
	return tables
}

// ScheduleCompaction enqueues a compaction job for a level
func (cm *Manager) ScheduleCompaction(level int, major bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.stopped {
		return
	}
	cm.enqueueLocked(Job{Level: level, Major: major})
}

func (cm *Manager) enqueueLocked(job Job) {
	cm.queue = append(cm.queue, job)
	cm.cond.Broadcast()
}

// WaitForCompactions blocks until the queue is empty and the worker is idle
func (cm *Manager) WaitForCompactions() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for len(cm.queue) > 0 || cm.running {
		cm.cond.Wait()
	}
}

// LevelCount returns the number of levels currently tracked
func (cm *Manager) LevelCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.levels)
}

// TableCount returns the number of tables at a level
func (cm *Manager) TableCount(level int) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if level < 0 || level >= len(cm.levels) {
		return 0
	}
	return len(cm.levels[level])
}

// Shutdown drains the queue, stops the worker and releases all tables.
// Table files stay on disk for the next startup scan.
func (cm *Manager) Shutdown() {
	cm.mu.Lock()
	if cm.stopped {
		cm.mu.Unlock()
		return
	}
	cm.stopped = true
	cm.cond.Broadcast()
	cm.mu.Unlock()

	cm.wg.Wait()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, level := range cm.levels {
		for _, sst := range level {
			sst.Close()
		}
	}
	cm.levels = nil
}

// worker runs queued compaction jobs until shutdown drains the queue
func (cm *Manager) worker() {
	defer cm.wg.Done()

	for {
		cm.mu.Lock()
		for len(cm.queue) == 0 && !cm.stopped {
			cm.cond.Wait()
		}
		if len(cm.queue) == 0 && cm.stopped {
			cm.mu.Unlock()
			return
		}

		job := cm.queue[0]
		cm.queue = cm.queue[1:]
		sel := cm.selectVictimsLocked(job)
		cm.running = true
		cm.mu.Unlock()

		if sel != nil {
			start := time.Now()
			err := cm.runMerge(sel)
			cm.metrics.RecordCompaction(err == nil, time.Since(start))
			if err != nil {
				cm.logger.Error("compaction failed",
					logging.LevelNum(job.Level), logging.Error(err))
			}
		}

		cm.mu.Lock()
		cm.running = false
		cm.cond.Broadcast()
		cm.mu.Unlock()
	}
}

// selection records which tables were removed from which levels so a failed
// merge can reinstate them.
type selection struct {
	srcLevel  int
	srcTables []*SSTable // oldest first, as removed from srcLevel
	nextLevel int
	nextTables []*SSTable // overlapping tables removed from nextLevel
}

// selectVictimsLocked removes victim tables from their levels under the
// manager lock. Major jobs and over-bound levels surrender every table;
// minor jobs surrender the two oldest. Overlapping tables at the next level
// are always consumed too, which keeps levels >= 1 range-disjoint.
func (cm *Manager) selectVictimsLocked(job Job) *selection {
	level := job.Level
	if level < 0 || level >= len(cm.levels) || len(cm.levels[level]) == 0 {
		return nil
	}

	tables := cm.levels[level]
	var victims []*SSTable

	if job.Major || len(tables) > cm.maxTablesFor(level) {
		victims = tables
		cm.levels[level] = nil
	} else {
		n := 2
		if len(tables) < n {
			n = len(tables)
		}
		victims = oldestTables(tables, n)

		taken := make(map[*SSTable]bool, n)
		for _, sst := range victims {
			taken[sst] = true
		}
		remaining := make([]*SSTable, 0, len(tables)-n)
		for _, sst := range tables {
			if !taken[sst] {
				remaining = append(remaining, sst)
			}
		}
		cm.levels[level] = remaining
	}

	sel := &selection{
		srcLevel:  level,
		srcTables: victims,
		nextLevel: level + 1,
	}

	// Consume every next-level table overlapping the union of victim ranges
	lo, hi := rangeUnion(victims)
	if sel.nextLevel < len(cm.levels) {
		var kept, taken []*SSTable
		for _, sst := range cm.levels[sel.nextLevel] {
			if bytes.Compare(sst.meta.MinKey, hi) <= 0 &&
				bytes.Compare(sst.meta.MaxKey, lo) >= 0 {
				taken = append(taken, sst)
			} else {
				kept = append(kept, sst)
			}
		}
		cm.levels[sel.nextLevel] = kept
		sel.nextTables = taken
	}

	cm.metrics.UpdateLevelTableCount(sel.srcLevel, len(cm.levels[sel.srcLevel]))
	if sel.nextLevel < len(cm.levels) {
		cm.metrics.UpdateLevelTableCount(sel.nextLevel, len(cm.levels[sel.nextLevel]))
	}

	return sel
}

// oldestTables returns the n oldest tables by creation stamp, oldest first.
// Level 0 happens to store tables in that order already, but levels >= 1
// are kept sorted by min key, so age has to come from the seq field.
func oldestTables(tables []*SSTable, n int) []*SSTable {
	byAge := append([]*SSTable(nil), tables...)
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].seq < byAge[j].seq
	})
	return byAge[:n]
}

func rangeUnion(tables []*SSTable) (lo, hi []byte) {
	for _, sst := range tables {
		if lo == nil || bytes.Compare(sst.meta.MinKey, lo) < 0 {
			lo = sst.meta.MinKey
		}
		if hi == nil || bytes.Compare(sst.meta.MaxKey, hi) > 0 {
			hi = sst.meta.MaxKey
		}
	}
	return lo, hi
}

// runMerge merges the selected victims into the next level. On any failure
// the victims are reinstated and partial outputs are removed, so the merge
// is all-or-nothing.
func (cm *Manager) runMerge(sel *selection) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during compaction: %v", r)
			cm.reinstate(sel)
		}
	}()

	entries := cm.mergeEntries(sel)
	if len(entries) == 0 {
		// Everything merged away (all tombstones retired); victims are done
		cm.deleteVictims(sel)
		return nil
	}

	outputs, err := cm.writeOutputs(sel.nextLevel, entries)
	if err != nil {
		cm.reinstate(sel)
		return err
	}

	cm.mu.Lock()
	cm.growLevelsLocked(sel.nextLevel)
	cm.levels[sel.nextLevel] = append(cm.levels[sel.nextLevel], outputs...)
	sortByMinKey(cm.levels[sel.nextLevel])
	cm.metrics.UpdateLevelTableCount(sel.nextLevel, len(cm.levels[sel.nextLevel]))

	if len(cm.levels[sel.nextLevel]) > cm.maxTablesFor(sel.nextLevel) &&
		!cm.stopped && sel.nextLevel < cm.bottomLevel() {
		cm.enqueueLocked(Job{Level: sel.nextLevel})
	}
	cm.mu.Unlock()

	cm.logger.Info("compaction complete",
		logging.LevelNum(sel.srcLevel),
		logging.Int("victims", len(sel.srcTables)+len(sel.nextTables)),
		logging.Int("outputs", len(outputs)),
		logging.KeyCount(len(entries)))

	cm.deleteVictims(sel)
	return nil
}

// mergeEntries reads every victim newest-first and keeps the first
// occurrence of each key. Tombstones survive the merge unless the output
// lands at the bottom level, where nothing older can hide beneath them.
func (cm *Manager) mergeEntries(sel *selection) []*Entry {
	dropTombstones := sel.nextLevel >= cm.bottomLevel()

	seen := make(map[string]bool)
	entries := make([]*Entry, 0)

	absorb := func(sst *SSTable) {
		cm.reg.AdviseSequential(sst.path)
		sst.ForEach(func(e *Entry) {
			keyStr := string(e.Key)
			if seen[keyStr] {
				return
			}
			seen[keyStr] = true
			if e.Tombstone && dropTombstones {
				return
			}
			entries = append(entries, e)
		})
	}

	// Source level newest-first, then the strictly older next-level tables
	for i := len(sel.srcTables) - 1; i >= 0; i-- {
		absorb(sel.srcTables[i])
	}
	for _, sst := range sel.nextTables {
		absorb(sst)
	}

	sort.Slice(entries, func(i, j int) bool {
		return EntryCompare(entries[i], entries[j]) < 0
	})
	return entries
}

// writeOutputs emits merged entries as one or more size-bounded tables.
// The sorted input makes the outputs range-disjoint by construction.
func (cm *Manager) writeOutputs(level int, entries []*Entry) ([]*SSTable, error) {
	var outputs []*SSTable
	batch := make([]*Entry, 0)
	batchBytes := 0

	flushBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		sst, err := CreateSSTable(cm.dataDir, level, batch, cm.reg)
		if err != nil {
			return err
		}
		outputs = append(outputs, sst)
		batch = batch[:0]
		batchBytes = 0
		return nil
	}

	for _, entry := range entries {
		entrySize := len(entry.Key) + len(entry.Value) + 9
		if batchBytes+entrySize > maxOutputBytes && len(batch) > 0 {
			if err := flushBatch(); err != nil {
				cm.removeOutputs(outputs)
				return nil, err
			}
		}
		batch = append(batch, entry)
		batchBytes += entrySize
	}

	if err := flushBatch(); err != nil {
		cm.removeOutputs(outputs)
		return nil, err
	}
	return outputs, nil
}

func (cm *Manager) removeOutputs(outputs []*SSTable) {
	for _, sst := range outputs {
		if err := sst.Remove(); err != nil && !os.IsNotExist(err) {
			cm.logger.Warn("failed to remove partial output", logging.Path(sst.path), logging.Error(err))
		}
	}
}

// reinstate puts victims back into their original levels after a failed merge
func (cm *Manager) reinstate(sel *selection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.growLevelsLocked(sel.srcLevel)
	if sel.srcLevel == 0 {
		// Level 0 orders by creation; put victims back in front of newer flushes
		cm.levels[0] = append(append([]*SSTable(nil), sel.srcTables...), cm.levels[0]...)
	} else {
		cm.levels[sel.srcLevel] = append(cm.levels[sel.srcLevel], sel.srcTables...)
		sortByMinKey(cm.levels[sel.srcLevel])
	}

	if len(sel.nextTables) > 0 {
		cm.growLevelsLocked(sel.nextLevel)
		cm.levels[sel.nextLevel] = append(cm.levels[sel.nextLevel], sel.nextTables...)
		sortByMinKey(cm.levels[sel.nextLevel])
	}

	cm.metrics.UpdateLevelTableCount(sel.srcLevel, len(cm.levels[sel.srcLevel]))
	cm.metrics.UpdateLevelTableCount(sel.nextLevel, len(cm.levels[sel.nextLevel]))
}

// deleteVictims unlinks subsumed table files once the merge output is live.
// Mappings stay alive until registry close so in-flight scans that picked up
// a victim before the swap keep reading valid memory.
func (cm *Manager) deleteVictims(sel *selection) {
	for _, sst := range sel.srcTables {
		if err := sst.Unlink(); err != nil {
			cm.logger.Warn("failed to delete compacted table", logging.Path(sst.path), logging.Error(err))
		}
	}
	for _, sst := range sel.nextTables {
		if err := sst.Unlink(); err != nil {
			cm.logger.Warn("failed to delete compacted table", logging.Path(sst.path), logging.Error(err))
		}
	}
}
