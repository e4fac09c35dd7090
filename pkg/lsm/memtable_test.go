package lsm

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/kolbycheesey/hybriddb/pkg/allocator"
)

func TestMemTablePutGet(t *testing.T) {
	mt := NewMemTable(1024*1024, nil)

	if err := mt.Put([]byte("key1"), []byte("value1")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	entry, ok := mt.Get([]byte("key1"))
	if !ok {
		t.Fatal("Key not found")
	}
	if !bytes.Equal(entry.Value, []byte("value1")) {
		t.Errorf("Got %q, want value1", entry.Value)
	}

	if _, ok := mt.Get([]byte("missing")); ok {
		t.Error("Found a key that was never inserted")
	}
}

func TestMemTableOverwrite(t *testing.T) {
	mt := NewMemTable(1024*1024, nil)

	mt.Put([]byte("key"), []byte("v1"))
	sizeAfterFirst := mt.SizeBytes()

	mt.Put([]byte("key"), []byte("v2"))

	entry, ok := mt.Get([]byte("key"))
	if !ok || !bytes.Equal(entry.Value, []byte("v2")) {
		t.Errorf("Expected v2 after overwrite, got %q", entry.Value)
	}
	if mt.Len() != 1 {
		t.Errorf("Overwrite should not add entries, got %d", mt.Len())
	}
	if mt.SizeBytes() != sizeAfterFirst {
		t.Errorf("Same-size overwrite changed accounting: %d -> %d", sizeAfterFirst, mt.SizeBytes())
	}
}

func TestMemTableSizeAccounting(t *testing.T) {
	mt := NewMemTable(1024, nil)

	mt.Put([]byte("abc"), []byte("defgh")) // 3 + 5
	if mt.SizeBytes() != 8 {
		t.Errorf("Expected 8 accounted bytes, got %d", mt.SizeBytes())
	}

	mt.Put([]byte("abc"), []byte("xy")) // value shrinks by 3
	if mt.SizeBytes() != 5 {
		t.Errorf("Expected 5 accounted bytes after shrink, got %d", mt.SizeBytes())
	}
}

func TestMemTableBudget(t *testing.T) {
	mt := NewMemTable(20, nil)

	if err := mt.Put([]byte("aaaa"), []byte("bbbb")); err != nil {
		t.Fatalf("First put should fit: %v", err)
	}
	if err := mt.Put([]byte("cccc"), []byte("dddd")); err != nil {
		t.Fatalf("Second put should fit: %v", err)
	}
	err := mt.Put([]byte("eeee"), []byte("ffff"))
	if !errors.Is(err, ErrMemTableFull) {
		t.Errorf("Expected ErrMemTableFull, got %v", err)
	}
}

func TestMemTableOversizedFirstEntry(t *testing.T) {
	mt := NewMemTable(8, nil)

	// A single entry over budget must still land in an empty table
	if err := mt.Put([]byte("bigkey"), []byte("enormous value")); err != nil {
		t.Fatalf("Oversized entry in empty table should be accepted: %v", err)
	}
	if !mt.IsFull() {
		t.Error("Table should report full after oversized entry")
	}
}

func TestMemTableSeal(t *testing.T) {
	mt := NewMemTable(1024, nil)
	mt.Put([]byte("k"), []byte("v"))

	if mt.IsSealed() {
		t.Fatal("New table should not be sealed")
	}
	mt.Seal()
	if !mt.IsSealed() {
		t.Fatal("Seal did not stick")
	}

	if err := mt.Put([]byte("k2"), []byte("v2")); !errors.Is(err, ErrSealed) {
		t.Errorf("Put on sealed table: expected ErrSealed, got %v", err)
	}
	if err := mt.Delete([]byte("k")); !errors.Is(err, ErrSealed) {
		t.Errorf("Delete on sealed table: expected ErrSealed, got %v", err)
	}

	// Reads still work after sealing
	if _, ok := mt.Get([]byte("k")); !ok {
		t.Error("Sealed table lost its entries")
	}
}

func TestMemTableDeleteWritesTombstone(t *testing.T) {
	mt := NewMemTable(1024, nil)

	mt.Put([]byte("k"), []byte("v"))
	if err := mt.Delete([]byte("k")); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}

	entry, ok := mt.Get([]byte("k"))
	if !ok {
		t.Fatal("Tombstone should be visible to Get")
	}
	if !entry.Tombstone {
		t.Error("Entry should be a tombstone")
	}

	// Deleting a key never seen still records a marker to mask disk state
	if err := mt.Delete([]byte("never-seen")); err != nil {
		t.Fatalf("Failed to delete unseen key: %v", err)
	}
	entry, ok = mt.Get([]byte("never-seen"))
	if !ok || !entry.Tombstone {
		t.Error("Expected tombstone for unseen key")
	}
}

func TestMemTableScan(t *testing.T) {
	mt := NewMemTable(1024*1024, nil)

	for i := 9; i >= 0; i-- {
		key := []byte(fmt.Sprintf("key%d", i))
		mt.Put(key, []byte(fmt.Sprintf("val%d", i)))
	}

	entries := mt.Scan([]byte("key3"), []byte("key6"))
	if len(entries) != 4 {
		t.Fatalf("Expected 4 entries in [key3,key6], got %d", len(entries))
	}
	for i, e := range entries {
		want := fmt.Sprintf("key%d", 3+i)
		if string(e.Key) != want {
			t.Errorf("Position %d: got %q, want %q", i, e.Key, want)
		}
	}
}

func TestMemTableIteratorSorted(t *testing.T) {
	mt := NewMemTable(1024*1024, nil)

	for _, k := range []string{"zebra", "apple", "mango", "berry"} {
		mt.Put([]byte(k), []byte("v"))
	}

	entries := mt.Iterator()
	if len(entries) != 4 {
		t.Fatalf("Expected 4 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if bytes.Compare(entries[i-1].Key, entries[i].Key) >= 0 {
			t.Fatal("Iterator not sorted")
		}
	}
}

func TestMemTableWithAllocator(t *testing.T) {
	alloc := allocator.New()
	mt := NewMemTable(1024*1024, alloc)

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		mt.Put(key, []byte(fmt.Sprintf("value%03d", i)))
	}
	if alloc.LiveBlocks() == 0 {
		t.Fatal("Expected entries to live in slab blocks")
	}

	// Inserted data must be independent of caller buffers
	probe := []byte("key000")
	entry, ok := mt.Get(probe)
	if !ok || !bytes.Equal(entry.Value, []byte("value000")) {
		t.Fatalf("Allocator-backed entry wrong: %q", entry.Value)
	}

	mt.Release()
	if alloc.LiveBlocks() != 0 {
		t.Errorf("Release leaked %d blocks", alloc.LiveBlocks())
	}
	if mt.Len() != 0 || mt.SizeBytes() != 0 {
		t.Error("Release should clear the table")
	}
}
