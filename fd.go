package mmapcache

import (
	"math"
	"os"
	"unsafe"

	"go.uber.org/multierr"

	"github.com/Giulio2002/mmapcache/mmap"
	"github.com/Giulio2002/mmapcache/sigbus"
)

// FileDescriptor is a file registered with a Cache. The caller keeps owning
// the underlying descriptor and must keep it open until Close.
type FileDescriptor struct {
	cache *Cache

	fd     int
	prot   int
	sigbus bool

	windows *window
}

// AddFD registers fd, to be mapped with the given protection (unix.PROT_*).
// Registering the same fd again with the same protection returns the
// existing descriptor with created set to false; a different protection
// fails with ErrExist.
func (m *Cache) AddFD(fd int, prot int) (f *FileDescriptor, created bool, err error) {
	if fd < 0 {
		return nil, false, errorf(ErrInvalid, nil, "file descriptor %d", fd)
	}

	if existing, ok := m.fds.Get(fd); ok {
		if existing.prot != prot {
			return nil, false, errorf(ErrExist, nil, "fd %d has protection %#x, requested %#x", fd, existing.prot, prot)
		}
		return existing, false, nil
	}

	f = &FileDescriptor{
		fd:   fd,
		prot: prot,
	}
	m.fds.Set(fd, f)
	f.cache = m.Ref()

	return f, true, nil
}

// Cache returns the cache f is registered with, or nil once closed.
func (f *FileDescriptor) Cache() *Cache {
	return f.cache
}

// Fd returns the file descriptor number.
func (f *FileDescriptor) Fd() int {
	return f.fd
}

// Prot returns the mapping protection.
func (f *FileDescriptor) Prot() int {
	return f.prot
}

func (f *FileDescriptor) prependWindow(w *window) {
	w.prev = nil
	w.next = f.windows
	if f.windows != nil {
		f.windows.prev = w
	}
	f.windows = w
}

func (f *FileDescriptor) removeWindow(w *window) {
	if w.prev != nil {
		w.prev.next = w.next
	} else {
		f.windows = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	}
	w.prev, w.next = nil, nil
}

// Get returns size bytes of the file starting at offset, backed by a window
// now attached to context c.
//
// The slice stays valid until c is moved to another window and that window
// is then evicted or recycled by a later call, or until f is closed. With
// keepAlways the window is never put on the unused list, so the slice lives
// until f is closed.
//
// fi, when non-nil, is used to clamp windows to the end of the file.
func (f *FileDescriptor) Get(c Context, keepAlways bool, offset uint64, size int, fi os.FileInfo) ([]byte, error) {
	m := f.cache
	if m == nil {
		return nil, ErrClosed
	}
	if size <= 0 {
		return nil, errorf(ErrInvalid, nil, "size %d", size)
	}
	if !c.valid() {
		return nil, errorf(ErrInvalid, nil, "%s", c)
	}
	// Mapping offsets are signed, and the end of the range must not wrap.
	if offset > math.MaxInt64-uint64(size) {
		return nil, errorf(ErrInvalid, nil, "range %d+%d out of bounds", offset, size)
	}

	m.processSigbus()
	if f.sigbus {
		return nil, ErrFault
	}

	usize := uint64(size)

	// Check whether the current context is the right one already
	w := m.windowsByContext[c]
	if w.matches(f, offset, usize) {
		m.nContextCacheHit.Add(1)
	} else {
		m.detachContext(c)

		w = nil
		for i := f.windows; i != nil; i = i.next {
			if i.matches(f, offset, usize) {
				w = i
				break
			}
		}

		if w != nil {
			m.nWindowListHit.Add(1)
		} else {
			m.nMissed.Add(1)

			var err error
			if w, err = f.addMmap(offset, usize, fi); err != nil {
				return nil, err
			}
		}
	}

	if keepAlways {
		w.flags |= windowKeepAlways
	}
	m.attachContext(c, w)

	start := offset - w.offset
	end := start + usize
	return w.data()[start:end:end], nil
}

// addMmap maps a new window around [offset, offset+size), padded to the
// cache's window size.
func (f *FileDescriptor) addMmap(offset, size uint64, fi os.FileInfo) (*window, error) {
	m := f.cache

	woffset := mmap.PageAlignDown(offset)
	wsize := mmap.PageAlign(size + (offset - woffset))

	if wsize < m.windowSize {
		delta := mmap.PageAlign((m.windowSize - wsize) / 2)
		if delta > offset {
			woffset = 0
		} else {
			woffset -= delta
		}
		wsize = m.windowSize
	}

	if fi != nil {
		// Mappings larger than the file have undefined pages past EOF.
		fsize := uint64(fi.Size())
		if woffset >= fsize {
			return nil, errorf(ErrNotAvailable, nil, "offset %d past end of file (%d bytes)", offset, fsize)
		}
		if woffset+wsize > fsize {
			wsize = mmap.PageAlign(fsize - woffset)
		}
		if offset+size > woffset+wsize {
			return nil, errorf(ErrNotAvailable, nil, "range %d+%d past end of file (%d bytes)", offset, size, fsize)
		}
	}

	mm, err := m.mmapTryHarder(f, woffset, wsize)
	if err != nil {
		return nil, err
	}

	w := m.addWindow(f, woffset, wsize, mm)
	m.log.Debug().
		Int("fd", f.fd).
		Uint64("offset", woffset).
		Uint64("size", wsize).
		Msg("mapped window")
	return w, nil
}

// Pin attaches the window holding b to ContextPin, so b stays valid while c
// moves on. b must have been returned by Get on f. It reports false when
// the window is already kept forever and nothing changed.
func (f *FileDescriptor) Pin(c Context, b []byte) (bool, error) {
	m := f.cache
	if m == nil {
		return false, ErrClosed
	}
	if len(b) == 0 {
		return false, errorf(ErrInvalid, nil, "size 0")
	}
	if !c.valid() {
		return false, errorf(ErrInvalid, nil, "%s", c)
	}

	m.processSigbus()
	if f.sigbus {
		return false, ErrFault
	}

	addr := uintptr(unsafe.Pointer(unsafe.SliceData(b)))

	w := m.windowsByContext[c]
	if w.matchesAddr(f, addr, len(b)) {
		m.nContextCacheHit.Add(1)
	} else {
		w = nil
		for i := f.windows; i != nil; i = i.next {
			if i.matchesAddr(f, addr, len(b)) {
				w = i
				break
			}
		}
		if w == nil {
			m.nMissed.Add(1)
			return false, errorf(ErrNotAvailable, nil, "no window holds %#x+%d", addr, len(b))
		}
		m.nWindowListHit.Add(1)
	}

	if w.flags&windowKeepAlways != 0 {
		return false, nil
	}

	m.attachContext(ContextPin, w)
	return true, nil
}

// Read copies len(dst) bytes at offset into dst through context c. A SIGBUS
// during the copy poisons f and is returned as ErrFault.
func (f *FileDescriptor) Read(c Context, offset uint64, dst []byte, fi os.FileInfo) error {
	src, err := f.Get(c, false, offset, len(dst), fi)
	if err != nil {
		return err
	}

	ferr := sigbus.Guard(f.cache.faults, func() { copy(dst, src) })
	if ferr == nil {
		return nil
	}

	// Seal the windows now rather than on the next call.
	f.Faulted()
	return errorf(ErrFault, ferr, "reading fd %d at offset %d", f.fd, offset)
}

// Faulted dispatches pending SIGBUS notifications and reports whether f got
// one. Once true it stays true for the lifetime of f.
func (f *FileDescriptor) Faulted() bool {
	if f.cache != nil {
		f.cache.processSigbus()
	}
	return f.sigbus
}

// Close unmaps every window of f, unregisters it and drops its cache
// reference. Closing twice is a no-op.
func (f *FileDescriptor) Close() error {
	m := f.cache
	if m == nil {
		return nil
	}

	// Dispatch queued faults first, so none is left pointing at memory that
	// is about to be unmapped.
	m.processSigbus()

	var err error
	for f.windows != nil {
		err = multierr.Append(err, m.freeWindow(f.windows))
	}

	if removed, ok := m.fds.Delete(f.fd); !ok || removed != f {
		panic("mmapcache: file descriptor missing from registry")
	}

	// Drop the reference last, so the cache is empty if this was the final one.
	f.cache = nil
	m.Unref()

	return err
}
