//go:build unix

package mmap

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = uint64(unix.Getpagesize())

// PageSize returns the system page size.
func PageSize() uint64 {
	return pageSize
}

// PageAlignDown rounds v down to a page boundary.
func PageAlignDown(v uint64) uint64 {
	return v &^ (pageSize - 1)
}

// PageAlign rounds v up to a page boundary.
func PageAlign(v uint64) uint64 {
	return (v + pageSize - 1) &^ (pageSize - 1)
}

// New creates a shared mapping of length bytes of fd starting at offset.
// The offset must be page-aligned. The mapping may extend past the end of
// the file; touching such pages raises SIGBUS.
func New(fd int, offset int64, length int, prot int) (*Map, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}

	ptr, err := unix.MmapPtr(fd, offset, nil, uintptr(length), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, &Error{Op: "mmap", Err: err}
	}

	return &Map{
		data:   unsafe.Slice((*byte)(ptr), length),
		fd:     fd,
		offset: offset,
		prot:   prot,
	}, nil
}

// Close releases the memory mapping. Closing twice is a no-op.
func (m *Map) Close() error {
	if m.data == nil {
		return nil
	}

	err := unix.MunmapPtr(unsafe.Pointer(unsafe.SliceData(m.data)), uintptr(len(m.data)))
	m.data = nil
	if err != nil {
		return &Error{Op: "munmap", Err: err}
	}
	return nil
}

// ReplaceAnonymous swaps the file pages behind the mapping for private,
// zero-filled anonymous pages at the same address and size. Slices handed out
// earlier stay valid to dereference but no longer reach the file.
func (m *Map) ReplaceAnonymous() error {
	if m.data == nil {
		return ErrNotMapped
	}
	if m.anonymous {
		return nil
	}

	addr := unsafe.Pointer(unsafe.SliceData(m.data))
	ptr, err := unix.MmapPtr(-1, 0, addr, uintptr(len(m.data)), m.prot,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED)
	if err != nil {
		return &Error{Op: "mmap anonymous", Err: err}
	}
	if ptr != addr {
		return ErrMoved
	}

	m.anonymous = true
	return nil
}
