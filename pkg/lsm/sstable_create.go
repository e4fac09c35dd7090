package lsm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kolbycheesey/hybriddb/pkg/mmapfile"
)

// lastTableSeq makes creation timestamps strictly monotonic so tables
// created in the same nanosecond still order and name uniquely.
var lastTableSeq atomic.Int64

func nextTableSeq() int64 {
	for {
		now := time.Now().UnixNano()
		last := lastTableSeq.Load()
		if now <= last {
			now = last + 1
		}
		if lastTableSeq.CompareAndSwap(last, now) {
			return now
		}
	}
}

// SSTableFileName returns the canonical file name for a table
func SSTableFileName(level int, seq int64) string {
	return fmt.Sprintf("sstable_L%d_%d.db", level, seq)
}

// ParseSSTableName extracts level and creation timestamp from a file name
func ParseSSTableName(name string) (level int, seq int64, ok bool) {
	var parsed int
	parsed, err := fmt.Sscanf(name, "sstable_L%d_%d.db", &level, &seq)
	if err != nil || parsed != 2 {
		return 0, 0, false
	}
	return level, seq, true
}

// CreateSSTable materializes sorted entries as a new table file in dir and
// opens it through the registry. The file is written under a temporary name
// and renamed into place only after a successful fsync, so a crashed or
// failed build never leaves a partial table behind.
func CreateSSTable(dir string, level int, entries []*Entry, reg *mmapfile.Registry) (*SSTable, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("sstable: refusing to create empty table")
	}

	sort.Slice(entries, func(i, j int) bool {
		return EntryCompare(entries[i], entries[j]) < 0
	})

	tmpPath := filepath.Join(dir, ".tmp-"+uuid.NewString())
	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, err
	}

	cleanup := func() {
		file.Close()
		os.Remove(tmpPath)
	}

	writer := bufio.NewWriter(file)

	// Data section, tracking per-record offsets for the dense index
	index := make([]IndexEntry, 0, len(entries))
	var offset uint64

	for _, entry := range entries {
		size, err := writeRecord(writer, entry)
		if err != nil {
			cleanup()
			return nil, err
		}
		index = append(index, IndexEntry{
			Key:    entry.Key,
			Offset: offset,
			Size:   uint32(size),
		})
		offset += uint64(size)
	}
	dataSize := offset

	// Index section
	for _, ie := range index {
		if err := writeBytesWithLen(writer, ie.Key); err != nil {
			cleanup()
			return nil, err
		}
		if err := binary.Write(writer, binary.LittleEndian, ie.Offset); err != nil {
			cleanup()
			return nil, err
		}
		if err := binary.Write(writer, binary.LittleEndian, ie.Size); err != nil {
			cleanup()
			return nil, err
		}
	}

	// Footer and trailer
	minKey := entries[0].Key
	maxKey := entries[len(entries)-1].Key
	footerSize := 4 + 8 + 8 + 4 + 4 + len(minKey) + 4 + len(maxKey)

	if err := writeFooter(writer, len(entries), dataSize, level, minKey, maxKey); err != nil {
		cleanup()
		return nil, err
	}
	if err := binary.Write(writer, binary.LittleEndian, uint32(footerSize)); err != nil {
		cleanup()
		return nil, err
	}
	if err := binary.Write(writer, binary.LittleEndian, uint32(sstMagic)); err != nil {
		cleanup()
		return nil, err
	}

	if err := writer.Flush(); err != nil {
		cleanup()
		return nil, err
	}
	if err := file.Sync(); err != nil {
		cleanup()
		return nil, err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	finalPath := filepath.Join(dir, SSTableFileName(level, nextTableSeq()))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	return OpenSSTable(finalPath, reg)
}

// writeRecord writes keyLen | key | valueLen | value | flags
func writeRecord(w *bufio.Writer, entry *Entry) (int, error) {
	if err := writeBytesWithLen(w, entry.Key); err != nil {
		return 0, err
	}
	if err := writeBytesWithLen(w, entry.Value); err != nil {
		return 0, err
	}

	var flags byte
	if entry.Tombstone {
		flags |= flagTombstone
	}
	if err := w.WriteByte(flags); err != nil {
		return 0, err
	}

	return 4 + len(entry.Key) + 4 + len(entry.Value) + 1, nil
}

func writeBytesWithLen(w *bufio.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func writeFooter(w *bufio.Writer, keyCount int, dataSize uint64, level int, minKey, maxKey []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(keyCount)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	// Index immediately follows the data section
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(level)); err != nil {
		return err
	}
	if err := writeBytesWithLen(w, minKey); err != nil {
		return err
	}
	return writeBytesWithLen(w, maxKey)
}
