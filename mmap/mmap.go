// Package mmap provides the memory mapping primitives used by the window cache.
package mmap

import "unsafe"

// Map represents a memory-mapped byte range of a file.
type Map struct {
	data      []byte // Mapped memory region
	fd        int    // File descriptor
	offset    int64  // File offset of data[0]
	prot      int    // Protection the region was mapped with
	anonymous bool   // True once the file pages were replaced by anonymous memory
}

// Data returns the mapped byte slice.
func (m *Map) Data() []byte {
	return m.data
}

// Size returns the mapped size in bytes.
func (m *Map) Size() int {
	return len(m.data)
}

// Offset returns the file offset the mapping starts at.
func (m *Map) Offset() int64 {
	return m.offset
}

// Fd returns the file descriptor.
func (m *Map) Fd() int {
	return m.fd
}

// Prot returns the protection flags.
func (m *Map) Prot() int {
	return m.prot
}

// Anonymous reports whether the file pages have been replaced by anonymous memory.
func (m *Map) Anonymous() bool {
	return m.anonymous
}

// Addr returns the virtual address of the first mapped byte, or 0 if not mapped.
func (m *Map) Addr() uintptr {
	if len(m.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(m.data)))
}

// Contains reports whether [addr, addr+n) lies within the mapping.
func (m *Map) Contains(addr uintptr, n int) bool {
	base := m.Addr()
	if base == 0 || n <= 0 {
		return false
	}
	return addr >= base && addr+uintptr(n) <= base+uintptr(len(m.data))
}

// Error represents an mmap error.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "mmap: " + e.Op + ": " + e.Err.Error()
	}
	return "mmap: " + e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Common errors
var (
	ErrInvalidSize = &Error{Op: "invalid size"}
	ErrNotMapped   = &Error{Op: "not mapped"}
	ErrMoved       = &Error{Op: "fixed mapping moved"}
)
