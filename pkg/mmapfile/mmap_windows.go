//go:build windows

package mmapfile

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// osMapping is one mapped file: file handle, mapping handle and the view
type osMapping struct {
	file     windows.Handle
	mapping  windows.Handle
	data     []byte
	readOnly bool
}

func mapFile(path string, size int64, readOnly, create bool) (*osMapping, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}

	access := uint32(windows.GENERIC_READ)
	if !readOnly {
		access |= windows.GENERIC_WRITE
	}
	disposition := uint32(windows.OPEN_EXISTING)
	if create {
		disposition = windows.OPEN_ALWAYS
	}

	file, err := windows.CreateFile(pathPtr, access, windows.FILE_SHARE_READ, nil,
		disposition, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	// Writable creates are extended to the requested size before mapping
	if create && !readOnly && size > 0 {
		if _, err := windows.SetFilePointer(file, int32(size), nil, windows.FILE_BEGIN); err != nil {
			windows.CloseHandle(file)
			return nil, fmt.Errorf("seek to %d: %w", size, err)
		}
		if err := windows.SetEndOfFile(file); err != nil {
			windows.CloseHandle(file)
			return nil, fmt.Errorf("resize to %d: %w", size, err)
		}
	}

	if size <= 0 {
		var info windows.ByHandleFileInformation
		if err := windows.GetFileInformationByHandle(file, &info); err != nil {
			windows.CloseHandle(file)
			return nil, err
		}
		size = int64(info.FileSizeHigh)<<32 | int64(info.FileSizeLow)
	}
	if size == 0 {
		windows.CloseHandle(file)
		return nil, fmt.Errorf("cannot map empty file")
	}

	protect := uint32(windows.PAGE_READWRITE)
	if readOnly {
		protect = windows.PAGE_READONLY
	}

	mapping, err := windows.CreateFileMapping(file, nil, protect, 0, 0, nil)
	if err != nil {
		windows.CloseHandle(file)
		return nil, fmt.Errorf("create mapping: %w", err)
	}

	mapAccess := uint32(windows.FILE_MAP_READ)
	if !readOnly {
		mapAccess = windows.FILE_MAP_WRITE
	}

	addr, err := windows.MapViewOfFile(mapping, mapAccess, 0, 0, 0)
	if err != nil {
		windows.CloseHandle(mapping)
		windows.CloseHandle(file)
		return nil, fmt.Errorf("map view: %w", err)
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return &osMapping{file: file, mapping: mapping, data: data, readOnly: readOnly}, nil
}

func (m *osMapping) sync() error {
	addr := uintptr(unsafe.Pointer(&m.data[0]))
	if err := windows.FlushViewOfFile(addr, 0); err != nil {
		return fmt.Errorf("flush view: %w", err)
	}
	return windows.FlushFileBuffers(m.file)
}

func (m *osMapping) adviseSequential() error {
	// No post-mapping access hint on this platform; the kernel's own
	// readahead covers sequential scans.
	return nil
}

func (m *osMapping) unmap() error {
	if !m.readOnly {
		if err := m.sync(); err != nil {
			windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&m.data[0])))
			windows.CloseHandle(m.mapping)
			windows.CloseHandle(m.file)
			return err
		}
	}

	addr := uintptr(unsafe.Pointer(&m.data[0]))
	m.data = nil
	if err := windows.UnmapViewOfFile(addr); err != nil {
		windows.CloseHandle(m.mapping)
		windows.CloseHandle(m.file)
		return fmt.Errorf("unmap view: %w", err)
	}
	if err := windows.CloseHandle(m.mapping); err != nil {
		windows.CloseHandle(m.file)
		return err
	}
	return windows.CloseHandle(m.file)
}
