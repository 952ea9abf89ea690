package mmapcache

import (
	"github.com/Giulio2002/mmapcache/mmap"
)

// windowFlag holds one bit per Context plus two window state bits.
type windowFlag uint32

const (
	windowKeepAlways  windowFlag = 1 << (contextMax + 0)
	windowInvalidated windowFlag = 1 << (contextMax + 1)

	// Context bits and windowKeepAlways. A window with none of them set sits
	// on the unused list.
	windowUnusedMask = windowInvalidated - 1
)

func contextFlag(c Context) windowFlag {
	return 1 << uint(c)
}

// window is one active mapping of a byte range of a file descriptor.
//
// A window is linked into exactly one descriptor list through prev/next and,
// while unused, also sits on the cache's unused LRU keyed by its pointer.
type window struct {
	fd    *FileDescriptor
	flags windowFlag

	m      *mmap.Map
	offset uint64
	size   uint64

	prev, next *window
}

func (w *window) unused() bool {
	return w.flags&windowUnusedMask == 0
}

func (w *window) data() []byte {
	return w.m.Data()
}

func (w *window) addr() uintptr {
	return w.m.Addr()
}

// matches reports whether w belongs to f and covers [offset, offset+size).
func (w *window) matches(f *FileDescriptor, offset uint64, size uint64) bool {
	return w != nil &&
		w.fd == f &&
		offset >= w.offset &&
		offset+size <= w.offset+w.size
}

// matchesAddr reports whether w belongs to f and holds [addr, addr+size).
func (w *window) matchesAddr(f *FileDescriptor, addr uintptr, size int) bool {
	return w != nil &&
		w.fd == f &&
		w.m.Contains(addr, size)
}

// invalidate replaces the file pages with anonymous ones, so the file cannot
// raise any further SIGBUS through this window.
func (w *window) invalidate() error {
	if w.flags&windowInvalidated != 0 {
		return nil
	}
	if err := w.m.ReplaceAnonymous(); err != nil {
		return err
	}
	w.flags |= windowInvalidated
	return nil
}
