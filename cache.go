package mmapcache

import (
	"fmt"
	"math"
	"os"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/Giulio2002/mmapcache/internal/fastmap"
	"github.com/Giulio2002/mmapcache/mmap"
	"github.com/Giulio2002/mmapcache/sigbus"
)

// Cache multiplexes byte range requests on many file descriptors onto a
// bounded set of large memory mapped windows.
//
// A Cache is not safe for concurrent use. Callers sharing one between
// goroutines must serialize every call on the cache and its descriptors with
// a single mutex. Stats and the Prometheus collector may be read
// concurrently.
type Cache struct {
	nRef int

	nWindows         atomic.Int64
	nContextCacheHit atomic.Uint64
	nWindowListHit   atomic.Uint64
	nMissed          atomic.Uint64

	fds fastmap.FdMap[*FileDescriptor]

	// Windows no context references, most recently released first.
	unused *simplelru.LRU

	windowsByContext [contextMax]*window

	windowSize   uint64
	minWindows   int
	freeOnDetach bool
	faults       *sigbus.Queue
	log          zerolog.Logger

	mapFile func(fd int, offset int64, length int, prot int) (*mmap.Map, error)
	abort   func(err error, msg string)
}

// Stats holds lookup counters. They only ever increase.
type Stats struct {
	ContextCacheHit uint64
	WindowListHit   uint64
	Missed          uint64
}

// New creates an empty cache holding one reference owned by the caller.
// A nil opts selects DefaultOptions.
func New(opts *Options) *Cache {
	if opts == nil {
		opts = DefaultOptions()
	}

	// The size only bounds the list; it is never reached.
	unused, err := simplelru.NewLRU(math.MaxInt, nil)
	if err != nil {
		panic(err)
	}

	m := &Cache{
		nRef:         1,
		unused:       unused,
		windowSize:   opts.windowSize(),
		minWindows:   opts.minWindows(),
		freeOnDetach: opts.Debug,
		faults:       opts.faults(),
		log:          opts.logger(),
		mapFile:      mmap.New,
	}
	m.abort = m.fatal
	return m
}

// Ref takes another reference on the cache.
func (m *Cache) Ref() *Cache {
	m.nRef++
	return m
}

// Unref drops a reference. Every registered descriptor holds one, so the
// last reference can only go away once all descriptors are closed.
func (m *Cache) Unref() {
	if m.nRef <= 0 {
		panic("mmapcache: unref of a released cache")
	}
	m.nRef--
	if m.nRef == 0 {
		m.free()
	}
}

func (m *Cache) free() {
	// All windows are owned by descriptors, and each descriptor holds a
	// reference, so nothing may be left here.
	if m.fds.Len() != 0 {
		panic(fmt.Sprintf("mmapcache: cache released with %d registered file descriptors", m.fds.Len()))
	}
	if m.unused.Len() != 0 || m.nWindows.Load() != 0 {
		panic(fmt.Sprintf("mmapcache: cache released with %d live windows", m.nWindows.Load()))
	}
}

// Stats returns the lookup counters.
func (m *Cache) Stats() Stats {
	return Stats{
		ContextCacheHit: m.nContextCacheHit.Load(),
		WindowListHit:   m.nWindowListHit.Load(),
		Missed:          m.nMissed.Load(),
	}
}

// LogStats logs the lookup counters at debug level.
func (m *Cache) LogStats() {
	s := m.Stats()
	m.log.Debug().
		Uint64("context_cache_hit", s.ContextCacheHit).
		Uint64("window_list_hit", s.WindowListHit).
		Uint64("missed", s.Missed).
		Msg("mmap cache statistics")
}

// NumWindows returns the number of live windows.
func (m *Cache) NumWindows() int {
	return int(m.nWindows.Load())
}

// NumFDs returns the number of registered descriptors.
func (m *Cache) NumFDs() int {
	return m.fds.Len()
}

// fatal is the default abort hook. The bookkeeping no longer matches the
// address space, so the process must not continue.
func (m *Cache) fatal(err error, msg string) {
	l := m.log
	if l.GetLevel() == zerolog.Disabled {
		l = zerolog.New(os.Stderr).With().Timestamp().Str("module", "MMAPCACHE").Logger()
	}
	l.Fatal().Err(err).Msg(msg)
}

func (m *Cache) oldestUnused() *window {
	k, _, ok := m.unused.GetOldest()
	if !ok {
		return nil
	}
	return k.(*window)
}

// unlinkWindow unmaps w and takes it off every list and context slot, but
// keeps it counted so the record can be reused.
func (m *Cache) unlinkWindow(w *window) error {
	err := w.m.Close()
	if err != nil {
		m.log.Warn().Err(err).
			Int("fd", w.fd.fd).
			Uint64("offset", w.offset).
			Uint64("size", w.size).
			Msg("failed to unmap window")
	}

	if w.unused() {
		m.unused.Remove(w)
	} else {
		for c := Context(0); c < contextMax; c++ {
			if w.flags&contextFlag(c) == 0 {
				continue
			}
			if m.windowsByContext[c] != w {
				panic(fmt.Sprintf("mmapcache: context %s does not point at its window", c))
			}
			m.windowsByContext[c] = nil
		}
	}

	w.fd.removeWindow(w)
	return err
}

func (m *Cache) freeWindow(w *window) error {
	err := m.unlinkWindow(w)
	m.nWindows.Add(-1)
	return err
}

// addWindow records a new mapping for f. Past the live window floor the
// oldest unused window is recycled instead of growing the window count.
func (m *Cache) addWindow(f *FileDescriptor, offset, size uint64, mm *mmap.Map) *window {
	var w *window

	oldest := m.oldestUnused()
	if oldest == nil || m.NumWindows() <= m.minWindows {
		w = &window{}
		m.nWindows.Add(1)
	} else {
		m.log.Debug().
			Int("fd", oldest.fd.fd).
			Uint64("offset", oldest.offset).
			Uint64("size", oldest.size).
			Msg("recycling unused window")
		_ = m.unlinkWindow(oldest)
		w = oldest
	}

	*w = window{
		fd:     f,
		m:      mm,
		offset: offset,
		size:   size,
	}
	f.prependWindow(w)
	return w
}

func (m *Cache) detachContext(c Context) {
	w := m.windowsByContext[c]
	if w == nil {
		return
	}
	m.windowsByContext[c] = nil

	if w.flags&contextFlag(c) == 0 {
		panic(fmt.Sprintf("mmapcache: window attached to context %s lacks its flag", c))
	}
	w.flags &^= contextFlag(c)

	if !w.unused() {
		return
	}
	if m.freeOnDetach {
		// Unmap right away so stale slices fault instead of reading recycled pages.
		_ = m.freeWindow(w)
		return
	}
	m.unused.Add(w, nil)
}

func (m *Cache) attachContext(c Context, w *window) {
	if m.windowsByContext[c] == w {
		return
	}

	m.detachContext(c)

	// Referenced again, so it must not be evicted.
	m.unused.Remove(w)

	m.windowsByContext[c] = w
	w.flags |= contextFlag(c)
}

// mmapTryHarder maps the range, freeing the oldest unused window and retrying
// for as long as the kernel reports ENOMEM and unused windows remain.
func (m *Cache) mmapTryHarder(f *FileDescriptor, offset, size uint64) (*mmap.Map, error) {
	for {
		mm, err := m.mapFile(f.fd, int64(offset), int(size), f.prot)
		if err == nil {
			return mm, nil
		}
		if !errors.Is(err, unix.ENOMEM) {
			return nil, errors.Wrapf(err, "mapping fd %d at offset %d, size %d", f.fd, offset, size)
		}

		oldest := m.oldestUnused()
		if oldest == nil {
			// No free window, propagate the original error.
			return nil, errors.Wrapf(err, "mapping fd %d at offset %d, size %d", f.fd, offset, size)
		}

		m.log.Debug().
			Int("fd", oldest.fd.fd).
			Uint64("offset", oldest.offset).
			Uint64("size", oldest.size).
			Msg("out of address space, freeing oldest unused window")
		_ = m.freeWindow(oldest)
	}
}
