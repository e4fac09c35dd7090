package lsm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/kolbycheesey/hybriddb/pkg/mmapfile"
)

func testEntries(n int) []*Entry {
	entries := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, &Entry{
			Key:   []byte(fmt.Sprintf("key%05d", i)),
			Value: []byte(fmt.Sprintf("value%05d", i)),
		})
	}
	return entries
}

func newTestSSTable(t *testing.T, level, n int) (*SSTable, *mmapfile.Registry) {
	t.Helper()
	reg := mmapfile.NewRegistry(nil)
	sst, err := CreateSSTable(t.TempDir(), level, testEntries(n), reg)
	if err != nil {
		t.Fatalf("Failed to create SSTable: %v", err)
	}
	return sst, reg
}

func TestCreateAndGet(t *testing.T) {
	sst, reg := newTestSSTable(t, 0, 100)
	defer reg.CloseAll()

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key%05d", i))
		entry, ok := sst.Get(key)
		if !ok {
			t.Fatalf("Key %s not found", key)
		}
		want := fmt.Sprintf("value%05d", i)
		if string(entry.Value) != want {
			t.Fatalf("Key %s: got %q, want %q", key, entry.Value, want)
		}
	}

	if _, ok := sst.Get([]byte("key99999")); ok {
		t.Error("Found a key outside the table")
	}
}

func TestMetadata(t *testing.T) {
	sst, reg := newTestSSTable(t, 2, 50)
	defer reg.CloseAll()

	meta := sst.Metadata()
	if meta.Level != 2 {
		t.Errorf("Expected level 2, got %d", meta.Level)
	}
	if meta.KeyCount != 50 {
		t.Errorf("Expected 50 keys, got %d", meta.KeyCount)
	}
	if string(meta.MinKey) != "key00000" {
		t.Errorf("Wrong min key: %q", meta.MinKey)
	}
	if string(meta.MaxKey) != "key00049" {
		t.Errorf("Wrong max key: %q", meta.MaxKey)
	}
}

func TestMayContain(t *testing.T) {
	sst, reg := newTestSSTable(t, 0, 10)
	defer reg.CloseAll()

	if !sst.MayContain([]byte("key00005")) {
		t.Error("MayContain rejected an in-range key")
	}
	if sst.MayContain([]byte("aaa")) {
		t.Error("MayContain accepted a key below the range")
	}
	if sst.MayContain([]byte("zzz")) {
		t.Error("MayContain accepted a key above the range")
	}
}

func TestReopenExisting(t *testing.T) {
	dir := t.TempDir()
	reg := mmapfile.NewRegistry(nil)

	created, err := CreateSSTable(dir, 1, testEntries(20), reg)
	if err != nil {
		t.Fatalf("Failed to create SSTable: %v", err)
	}
	path := created.Path()
	created.Close()

	reopened, err := OpenSSTable(path, reg)
	if err != nil {
		t.Fatalf("Failed to reopen SSTable: %v", err)
	}
	defer reg.CloseAll()

	if reopened.Metadata().KeyCount != 20 {
		t.Errorf("Reopened table lost entries: %d", reopened.Metadata().KeyCount)
	}
	entry, ok := reopened.Get([]byte("key00007"))
	if !ok || !bytes.Equal(entry.Value, []byte("value00007")) {
		t.Errorf("Reopened table wrong value: %q", entry.Value)
	}
}

func TestScanRange(t *testing.T) {
	sst, reg := newTestSSTable(t, 0, 100)
	defer reg.CloseAll()

	entries := sst.Scan([]byte("key00040"), []byte("key00060"))
	if len(entries) != 21 {
		t.Fatalf("Expected 21 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if bytes.Compare(entries[i-1].Key, entries[i].Key) >= 0 {
			t.Fatal("Scan results not sorted")
		}
	}
}

func TestForEachVisitsAll(t *testing.T) {
	sst, reg := newTestSSTable(t, 0, 37)
	defer reg.CloseAll()

	count := 0
	sst.ForEach(func(e *Entry) {
		count++
	})
	if count != 37 {
		t.Errorf("ForEach visited %d entries, want 37", count)
	}
}

func TestTombstoneRoundTrip(t *testing.T) {
	reg := mmapfile.NewRegistry(nil)
	defer reg.CloseAll()

	entries := []*Entry{
		{Key: []byte("alive"), Value: []byte("v")},
		{Key: []byte("dead"), Tombstone: true},
	}
	sst, err := CreateSSTable(t.TempDir(), 0, entries, reg)
	if err != nil {
		t.Fatalf("Failed to create SSTable: %v", err)
	}

	entry, ok := sst.Get([]byte("dead"))
	if !ok {
		t.Fatal("Tombstone must be readable so it can mask older tables")
	}
	if !entry.Tombstone {
		t.Error("Tombstone flag lost in round trip")
	}

	entry, ok = sst.Get([]byte("alive"))
	if !ok || entry.Tombstone {
		t.Error("Live entry misread")
	}
}

func TestFileNameConvention(t *testing.T) {
	sst, reg := newTestSSTable(t, 3, 5)
	defer reg.CloseAll()

	base := filepath.Base(sst.Path())
	level, seq, ok := ParseSSTableName(base)
	if !ok {
		t.Fatalf("Created file name %q does not parse", base)
	}
	if level != 3 {
		t.Errorf("File name level %d does not match created level 3", level)
	}
	if seq <= 0 {
		t.Errorf("Implausible timestamp in file name: %d", seq)
	}
}

func TestParseSSTableName(t *testing.T) {
	cases := []struct {
		name  string
		level int
		ok    bool
	}{
		{"sstable_L0_1700000000000000000.db", 0, true},
		{"sstable_L12_42.db", 12, true},
		{"sstable_zero.db", 0, false},
		{".tmp-9f7b2c", 0, false},
		{"notasstable.db", 0, false},
	}
	for _, tc := range cases {
		level, _, ok := ParseSSTableName(tc.name)
		if ok != tc.ok {
			t.Errorf("ParseSSTableName(%q) ok = %v, want %v", tc.name, ok, tc.ok)
			continue
		}
		if ok && level != tc.level {
			t.Errorf("ParseSSTableName(%q) level = %d, want %d", tc.name, level, tc.level)
		}
	}
}

func TestOpenRejectsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	reg := mmapfile.NewRegistry(nil)
	defer reg.CloseAll()

	// Shorter than the trailer
	short := filepath.Join(dir, "sstable_L0_1.db")
	os.WriteFile(short, []byte{1, 2, 3}, 0644)
	if _, err := OpenSSTable(short, reg); err == nil {
		t.Error("Expected error for file shorter than trailer")
	}

	// Valid length, bad magic
	garbage := filepath.Join(dir, "sstable_L0_2.db")
	os.WriteFile(garbage, bytes.Repeat([]byte{0xAB}, 64), 0644)
	if _, err := OpenSSTable(garbage, reg); err == nil {
		t.Error("Expected error for bad magic")
	}

	if reg.Len() != 0 {
		t.Errorf("Failed opens leaked %d mappings", reg.Len())
	}
}

func TestCreateEmptyTableFails(t *testing.T) {
	reg := mmapfile.NewRegistry(nil)
	if _, err := CreateSSTable(t.TempDir(), 0, nil, reg); err == nil {
		t.Error("Expected error creating an empty table")
	}
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	reg := mmapfile.NewRegistry(nil)
	defer reg.CloseAll()

	if _, err := CreateSSTable(dir, 0, testEntries(10), reg); err != nil {
		t.Fatalf("Failed to create SSTable: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, ".tmp-*"))
	if len(matches) != 0 {
		t.Errorf("Temp files left behind: %v", matches)
	}
}
