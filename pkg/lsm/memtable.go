package lsm

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kolbycheesey/hybriddb/pkg/allocator"
)

// MemTable is a sorted, bounded in-memory write buffer. Keys and values are
// copied into slab-allocated blocks on insert and released in bulk once the
// table has been flushed. Sealing is a one-way transition after which all
// writes are rejected.
type MemTable struct {
	mu       sync.Mutex
	data     map[string]*Entry
	keys     []string // sorted lazily for iteration
	sorted   bool
	size     int // accounted bytes: key + value lengths
	maxBytes int
	sealed   atomic.Bool
	alloc    *allocator.Allocator
}

// NewMemTable creates a memtable with the given byte budget. The allocator
// is optional; without one, entries are plain heap copies.
func NewMemTable(maxBytes int, alloc *allocator.Allocator) *MemTable {
	return &MemTable{
		data:     make(map[string]*Entry),
		keys:     make([]string, 0),
		sorted:   true,
		maxBytes: maxBytes,
		alloc:    alloc,
	}
}

func (mt *MemTable) copyBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	if mt.alloc != nil {
		return mt.alloc.Copy(src)
	}
	return append([]byte(nil), src...)
}

func (mt *MemTable) freeBytes(b []byte) {
	if mt.alloc != nil {
		mt.alloc.Free(b)
	}
}

// Put inserts or overwrites a key-value pair. It fails with ErrSealed after
// Seal, and with ErrMemTableFull when the entry would push the table over
// its byte budget (unless the table is empty, so oversized single entries
// still make progress).
func (mt *MemTable) Put(key, value []byte) error {
	if mt.sealed.Load() {
		return ErrSealed
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	keyStr := string(key)
	existing, exists := mt.data[keyStr]

	var delta int
	if exists {
		delta = len(value) - len(existing.Value)
	} else {
		delta = len(key) + len(value)
	}

	if mt.size+delta > mt.maxBytes && len(mt.data) > 0 {
		return ErrMemTableFull
	}

	if exists {
		mt.freeBytes(existing.Value)
		existing.Value = mt.copyBytes(value)
		existing.Tombstone = false
	} else {
		mt.keys = append(mt.keys, keyStr)
		mt.sorted = false
		mt.data[keyStr] = &Entry{
			Key:   mt.copyBytes(key),
			Value: mt.copyBytes(value),
		}
	}

	mt.size += delta
	return nil
}

// Delete records a tombstone for the key. The marker masks older versions
// of the key in SSTables until compaction retires it.
func (mt *MemTable) Delete(key []byte) error {
	if mt.sealed.Load() {
		return ErrSealed
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	keyStr := string(key)
	if existing, exists := mt.data[keyStr]; exists {
		mt.size -= len(existing.Value)
		mt.freeBytes(existing.Value)
		existing.Value = nil
		existing.Tombstone = true
		return nil
	}

	if mt.size+len(key) > mt.maxBytes && len(mt.data) > 0 {
		return ErrMemTableFull
	}

	mt.keys = append(mt.keys, keyStr)
	mt.sorted = false
	mt.data[keyStr] = &Entry{
		Key:       mt.copyBytes(key),
		Tombstone: true,
	}
	mt.size += len(key)
	return nil
}

// Get retrieves the entry for a key. Tombstone entries are returned with
// found=true so callers stop searching older layers.
func (mt *MemTable) Get(key []byte) (*Entry, bool) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	entry, exists := mt.data[string(key)]
	return entry, exists
}

// Scan returns entries with lo <= key <= hi in key order, tombstones
// included.
func (mt *MemTable) Scan(lo, hi []byte) []*Entry {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.sortLocked()

	loStr, hiStr := string(lo), string(hi)
	results := make([]*Entry, 0)
	for _, key := range mt.keys {
		if key > hiStr {
			break
		}
		if key >= loStr {
			results = append(results, mt.data[key])
		}
	}
	return results
}

// Iterator returns all entries in key order, tombstones included
func (mt *MemTable) Iterator() []*Entry {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.sortLocked()

	entries := make([]*Entry, 0, len(mt.keys))
	for _, key := range mt.keys {
		entries = append(entries, mt.data[key])
	}
	return entries
}

// ForEach walks entries in key order
func (mt *MemTable) ForEach(fn func(*Entry)) {
	for _, e := range mt.Iterator() {
		fn(e)
	}
}

func (mt *MemTable) sortLocked() {
	if !mt.sorted {
		sort.Strings(mt.keys)
		mt.sorted = true
	}
}

// Seal makes the table immutable. One-way.
func (mt *MemTable) Seal() {
	mt.sealed.Store(true)
}

// IsSealed reports whether the table rejects writes
func (mt *MemTable) IsSealed() bool {
	return mt.sealed.Load()
}

// SizeBytes returns the accounted size in bytes
func (mt *MemTable) SizeBytes() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.size
}

// Len returns the number of entries, tombstones included
func (mt *MemTable) Len() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return len(mt.data)
}

// IsFull reports whether the table has reached its byte budget
func (mt *MemTable) IsFull() bool {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.size >= mt.maxBytes
}

// Release returns all slab blocks to the allocator and clears the table.
// Call only once the table's contents are durable elsewhere.
func (mt *MemTable) Release() {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.alloc != nil {
		for _, e := range mt.data {
			mt.alloc.Free(e.Key)
			mt.alloc.Free(e.Value)
		}
	}
	mt.data = make(map[string]*Entry)
	mt.keys = mt.keys[:0]
	mt.sorted = true
	mt.size = 0
}
