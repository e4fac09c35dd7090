package lsm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/kolbycheesey/hybriddb/pkg/mmapfile"
)

// SSTable file layout, all integers little-endian:
//
//	[records]  per record: keyLen(u32) | key | valueLen(u32) | value | flags(u8)
//	[index]    per record: keyLen(u32) | key | dataOffset(u64) | recordSize(u32)
//	[footer]   keyCount(u32) | dataSize(u64) | indexOffset(u64) | level(u32) |
//	           minKeyLen(u32) | minKey | maxKeyLen(u32) | maxKey
//	[trailer]  footerSize(u32) | magic(u32)
//
// Index offsets are relative to the start of the data section. The fixed
// trailer lets a reader locate the variable-length footer from the file end.
const (
	sstMagic      = 0x48594254 // "HYBT"
	trailerSize   = 8
	flagTombstone = 1 << 0
)

// IndexEntry locates one record inside the data section
type IndexEntry struct {
	Key    []byte
	Offset uint64
	Size   uint32
}

// Metadata describes an SSTable
type Metadata struct {
	Path     string
	Level    int
	KeyCount int
	DataSize uint64
	MinKey   []byte
	MaxKey   []byte
}

// SSTable is an immutable on-disk sorted table read through a borrowed
// memory-mapped view. The mapped-file registry owns the mapping; the table
// must be closed before the registry unmaps its file.
type SSTable struct {
	path  string
	reg   *mmapfile.Registry
	data  []byte // data section of the mapped view
	index []IndexEntry
	meta  Metadata
	seq   int64 // creation timestamp from the file name
}

// OpenSSTable maps an existing table file and loads its dense index
func OpenSSTable(path string, reg *mmapfile.Registry) (*SSTable, error) {
	level, seq, ok := ParseSSTableName(filepath.Base(path))
	if !ok {
		return nil, fmt.Errorf("sstable %s: unrecognized file name", path)
	}

	view, err := reg.Map(path, 0, true, false)
	if err != nil {
		return nil, err
	}

	sst, err := parseSSTable(path, view)
	if err != nil {
		reg.Unmap(path)
		return nil, err
	}

	if sst.meta.Level != level {
		reg.Unmap(path)
		return nil, fmt.Errorf("sstable %s: footer level %d does not match file name", path, sst.meta.Level)
	}

	sst.reg = reg
	sst.seq = seq
	return sst, nil
}

func parseSSTable(path string, view []byte) (*SSTable, error) {
	if len(view) < trailerSize {
		return nil, fmt.Errorf("sstable %s: file shorter than trailer", path)
	}

	magic := binary.LittleEndian.Uint32(view[len(view)-4:])
	if magic != sstMagic {
		return nil, fmt.Errorf("sstable %s: bad magic %#x", path, magic)
	}

	footerSize := int(binary.LittleEndian.Uint32(view[len(view)-trailerSize:]))
	footerStart := len(view) - trailerSize - footerSize
	if footerStart < 0 {
		return nil, fmt.Errorf("sstable %s: footer size %d exceeds file", path, footerSize)
	}

	meta, indexOffset, err := parseFooter(view[footerStart : footerStart+footerSize])
	if err != nil {
		return nil, fmt.Errorf("sstable %s: %w", path, err)
	}
	meta.Path = path

	if indexOffset != meta.DataSize {
		return nil, fmt.Errorf("sstable %s: index offset %d does not follow data section %d",
			path, indexOffset, meta.DataSize)
	}
	if meta.DataSize > uint64(footerStart) {
		return nil, fmt.Errorf("sstable %s: data size %d exceeds file", path, meta.DataSize)
	}

	index, err := parseIndex(view[meta.DataSize:footerStart], meta.KeyCount)
	if err != nil {
		return nil, fmt.Errorf("sstable %s: %w", path, err)
	}

	return &SSTable{
		path:  path,
		data:  view[:meta.DataSize],
		index: index,
		meta:  meta,
	}, nil
}

func parseFooter(buf []byte) (Metadata, uint64, error) {
	var meta Metadata
	r := byteReader{buf: buf}

	meta.KeyCount = int(r.uint32())
	meta.DataSize = r.uint64()
	indexOffset := r.uint64()
	meta.Level = int(r.uint32())
	meta.MinKey = r.bytesWithLen()
	meta.MaxKey = r.bytesWithLen()

	if r.err {
		return meta, 0, fmt.Errorf("truncated footer")
	}
	return meta, indexOffset, nil
}

func parseIndex(buf []byte, count int) ([]IndexEntry, error) {
	index := make([]IndexEntry, 0, count)
	r := byteReader{buf: buf}

	for i := 0; i < count; i++ {
		var e IndexEntry
		e.Key = r.bytesWithLen()
		e.Offset = r.uint64()
		e.Size = r.uint32()
		if r.err {
			return nil, fmt.Errorf("truncated index at entry %d", i)
		}
		index = append(index, e)
	}
	return index, nil
}

// byteReader is a bounds-checked sequential reader over a mapped region
type byteReader struct {
	buf []byte
	off int
	err bool
}

func (r *byteReader) uint32() uint32 {
	if r.err || r.off+4 > len(r.buf) {
		r.err = true
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *byteReader) uint64() uint64 {
	if r.err || r.off+8 > len(r.buf) {
		r.err = true
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *byteReader) byte() byte {
	if r.err || r.off+1 > len(r.buf) {
		r.err = true
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

// bytesWithLen reads a u32 length prefix and copies that many bytes out of
// the mapped region, so the result survives an unmap.
func (r *byteReader) bytesWithLen() []byte {
	n := int(r.uint32())
	if r.err || r.off+n > len(r.buf) {
		r.err = true
		return nil
	}
	out := append([]byte(nil), r.buf[r.off:r.off+n]...)
	r.off += n
	return out
}

// MayContain rejects keys outside the table's [minKey, maxKey] range
func (sst *SSTable) MayContain(key []byte) bool {
	return bytes.Compare(key, sst.meta.MinKey) >= 0 &&
		bytes.Compare(key, sst.meta.MaxKey) <= 0
}

// Get retrieves the entry for a key via binary search over the dense index.
// Tombstone entries are returned with found=true so callers stop searching
// older tables.
func (sst *SSTable) Get(key []byte) (*Entry, bool) {
	if !sst.MayContain(key) {
		return nil, false
	}

	idx := sort.Search(len(sst.index), func(i int) bool {
		return bytes.Compare(sst.index[i].Key, key) >= 0
	})
	if idx >= len(sst.index) || !bytes.Equal(sst.index[idx].Key, key) {
		return nil, false
	}

	entry, err := sst.readRecord(sst.index[idx])
	if err != nil {
		return nil, false
	}
	return entry, true
}

// Scan returns entries with lo <= key <= hi in key order, tombstones
// included so upper layers can mask older versions.
func (sst *SSTable) Scan(lo, hi []byte) []*Entry {
	start := sort.Search(len(sst.index), func(i int) bool {
		return bytes.Compare(sst.index[i].Key, lo) >= 0
	})

	results := make([]*Entry, 0)
	for i := start; i < len(sst.index); i++ {
		if bytes.Compare(sst.index[i].Key, hi) > 0 {
			break
		}
		entry, err := sst.readRecord(sst.index[i])
		if err != nil {
			break
		}
		results = append(results, entry)
	}
	return results
}

// ForEach walks every record in key order
func (sst *SSTable) ForEach(fn func(*Entry)) {
	for _, ie := range sst.index {
		entry, err := sst.readRecord(ie)
		if err != nil {
			return
		}
		fn(entry)
	}
}

// readRecord decodes one record out of the mapped data section. Keys and
// values are copied so results do not alias the mapping.
func (sst *SSTable) readRecord(ie IndexEntry) (*Entry, error) {
	end := ie.Offset + uint64(ie.Size)
	if end > uint64(len(sst.data)) {
		return nil, fmt.Errorf("sstable %s: record at %d overruns data section", sst.path, ie.Offset)
	}

	r := byteReader{buf: sst.data[ie.Offset:end]}
	entry := &Entry{}
	entry.Key = r.bytesWithLen()
	entry.Value = r.bytesWithLen()
	flags := r.byte()
	if r.err {
		return nil, fmt.Errorf("sstable %s: truncated record at %d", sst.path, ie.Offset)
	}

	if flags&flagTombstone != 0 {
		entry.Tombstone = true
		entry.Value = nil
	}
	return entry, nil
}

// Metadata returns the table's descriptive metadata
func (sst *SSTable) Metadata() Metadata {
	return sst.meta
}

// Path returns the backing file path
func (sst *SSTable) Path() string {
	return sst.path
}

// Close releases the borrowed mapping
func (sst *SSTable) Close() {
	sst.reg.Unmap(sst.path)
}

// Remove unmaps and deletes the backing file
func (sst *SSTable) Remove() error {
	sst.Close()
	return os.Remove(sst.path)
}

// Unlink deletes the backing file but keeps the mapping alive, so readers
// holding a borrowed view stay valid; the registry reclaims the mapping on
// CloseAll. POSIX keeps unlinked mapped files readable until unmap.
func (sst *SSTable) Unlink() error {
	return os.Remove(sst.path)
}
