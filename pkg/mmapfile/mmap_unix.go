//go:build unix

package mmapfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// osMapping is one mapped file: descriptor plus the mapped region
type osMapping struct {
	file     *os.File
	data     []byte
	readOnly bool
}

func mapFile(path string, size int64, readOnly, create bool) (*osMapping, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	if create {
		flags |= os.O_CREATE
	}

	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}

	// Writable creates are extended to the requested size before mapping
	if create && !readOnly && size > 0 {
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, fmt.Errorf("truncate to %d: %w", size, err)
		}
	}

	if size <= 0 {
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, err
		}
		size = info.Size()
	}
	if size == 0 {
		file.Close()
		return nil, fmt.Errorf("cannot map empty file")
	}

	prot := unix.PROT_READ
	if !readOnly {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mmap: %w", err)
	}

	return &osMapping{file: file, data: data, readOnly: readOnly}, nil
}

func (m *osMapping) sync() error {
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m *osMapping) adviseSequential() error {
	return unix.Madvise(m.data, unix.MADV_SEQUENTIAL)
}

func (m *osMapping) unmap() error {
	// Push dirty pages out before dropping the view
	if !m.readOnly {
		if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
			m.file.Close()
			return fmt.Errorf("msync: %w", err)
		}
	}
	if err := unix.Munmap(m.data); err != nil {
		m.file.Close()
		return fmt.Errorf("munmap: %w", err)
	}
	m.data = nil
	return m.file.Close()
}
