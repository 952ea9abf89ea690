package mmapcache

import (
	"bytes"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/Giulio2002/mmapcache/mmap"
	"github.com/Giulio2002/mmapcache/sigbus"
)

const mib = 1024 * 1024

// newTestCache creates a cache with a private fault queue whose abort hook
// fails the test.
func newTestCache(t *testing.T, opts *Options) *Cache {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	if opts.Faults == nil {
		opts.Faults = sigbus.NewQueue()
	}
	m := New(opts)
	m.abort = func(err error, msg string) {
		t.Fatalf("unexpected abort: %s: %v", msg, err)
	}
	t.Cleanup(func() { m.Unref() })
	return m
}

// createFile creates a sparse file of the given size.
func createFile(t *testing.T, size int64) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	require.NoError(t, f.Truncate(size))
	return f
}

func writeAt(t *testing.T, f *os.File, offset int64, data []byte) {
	t.Helper()
	_, err := f.WriteAt(data, offset)
	require.NoError(t, err)
}

func stat(t *testing.T, f *os.File) os.FileInfo {
	t.Helper()
	fi, err := f.Stat()
	require.NoError(t, err)
	return fi
}

// openFD registers f with m and closes the descriptor on cleanup.
func openFD(t *testing.T, m *Cache, f *os.File, prot int) *FileDescriptor {
	t.Helper()
	fd, created, err := m.AddFD(int(f.Fd()), prot)
	require.NoError(t, err)
	require.True(t, created)
	t.Cleanup(func() { require.NoError(t, fd.Close()) })
	return fd
}

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// windowFor returns the window of f holding b.
func windowFor(t *testing.T, f *FileDescriptor, b []byte) *window {
	t.Helper()
	for w := f.windows; w != nil; w = w.next {
		if w.matchesAddr(f, addrOf(b), len(b)) {
			return w
		}
	}
	t.Fatalf("no window holds %#x", addrOf(b))
	return nil
}

func numWindowsOf(f *FileDescriptor) int {
	n := 0
	for w := f.windows; w != nil; w = w.next {
		n++
	}
	return n
}

// checkInvariants verifies list membership, context slot ownership and the
// live window count across all descriptors of m.
func checkInvariants(t *testing.T, m *Cache) {
	t.Helper()

	var owners [contextMax]int
	total, unused := 0, 0

	m.fds.ForEach(func(_ int, f *FileDescriptor) bool {
		var prev *window
		for w := f.windows; w != nil; w = w.next {
			total++
			require.Same(t, f, w.fd)
			require.True(t, w.prev == prev, "broken prev link")

			inUnused := m.unused.Contains(w)
			require.Equal(t, w.unused(), inUnused, "unused flag and list disagree")
			if inUnused {
				unused++
			}
			if w.flags&windowKeepAlways != 0 {
				require.False(t, inUnused, "keep-always window on unused list")
			}

			for c := Context(0); c < contextMax; c++ {
				if w.flags&contextFlag(c) != 0 {
					owners[c]++
					require.True(t, m.windowsByContext[c] == w, "context %s slot mismatch", c)
				}
			}
			prev = w
		}
		return true
	})

	for c := Context(0); c < contextMax; c++ {
		require.LessOrEqual(t, owners[c], 1, "context %s owns several windows", c)
		if w := m.windowsByContext[c]; w != nil {
			require.NotZero(t, w.flags&contextFlag(c), "context %s slot without flag", c)
		}
	}
	require.Equal(t, m.NumWindows(), total)
	require.Equal(t, unused, m.unused.Len())
}

func TestEndToEnd(t *testing.T) {
	m := newTestCache(t, nil)
	file := createFile(t, 100*mib)
	writeAt(t, file, 0, []byte("0123456789"))
	writeAt(t, file, 50_000_000, []byte("abcdefghij"))
	fi := stat(t, file)

	fd := openFD(t, m, file, unix.PROT_READ)

	b, err := fd.Get(ContextAny, false, 0, 10, fi)
	require.NoError(t, err)
	require.Equal(t, []byte("0123456789"), b)
	require.Equal(t, 1, m.NumWindows())
	w1 := windowFor(t, fd, b)
	require.Equal(t, uint64(DefaultWindowSize), w1.size)
	require.Equal(t, w1.addr(), addrOf(b))

	b, err = fd.Get(ContextAny, false, 5, 5, fi)
	require.NoError(t, err)
	require.Equal(t, []byte("56789"), b)
	require.Equal(t, uint64(1), m.Stats().ContextCacheHit)
	require.Equal(t, 1, m.NumWindows())

	b, err = fd.Get(ContextData, false, 50_000_000, 10, fi)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdefghij"), b)
	require.Equal(t, uint64(2), m.Stats().Missed)
	require.Equal(t, 2, m.NumWindows())
	w2 := windowFor(t, fd, b)
	require.True(t, w1 != w2)

	// Moving ContextAny onto the second window leaves the first unreferenced.
	_, err = fd.Get(ContextAny, false, 50_000_005, 5, fi)
	require.NoError(t, err)
	require.Equal(t, uint64(1), m.Stats().WindowListHit)
	require.True(t, m.unused.Contains(w1))
	require.Equal(t, 1, m.unused.Len())
	checkInvariants(t, m)

	require.NoError(t, fd.Close())
	require.Zero(t, m.NumWindows())
	require.Zero(t, m.NumFDs())
	require.Zero(t, m.unused.Len())

	// Closing again is harmless.
	require.NoError(t, fd.Close())

	want := Stats{ContextCacheHit: 1, WindowListHit: 1, Missed: 2}
	if diff := cmp.Diff(want, m.Stats()); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestGetOffsetArithmetic(t *testing.T) {
	ps := mmap.PageSize()
	m := newTestCache(t, &Options{WindowSize: 16 * ps})
	file := createFile(t, int64(64*ps))
	fi := stat(t, file)

	content := make([]byte, 64*ps)
	rng := rand.New(rand.NewSource(7))
	rng.Read(content)
	writeAt(t, file, 0, content)

	fd := openFD(t, m, file, unix.PROT_READ)

	for i := 0; i < 200; i++ {
		size := 1 + rng.Intn(int(2*ps))
		offset := uint64(rng.Intn(len(content) - size))
		c := Context(rng.Intn(int(ContextPin)))

		b, err := fd.Get(c, false, offset, size, fi)
		require.NoError(t, err)
		require.Len(t, b, size)
		require.True(t, bytes.Equal(content[offset:offset+uint64(size)], b), "content mismatch at %d+%d", offset, size)

		w := windowFor(t, fd, b)
		require.Equal(t, uintptr(offset-w.offset), addrOf(b)-w.addr())
		require.Zero(t, w.offset%ps)
		require.Zero(t, w.size%ps)
	}
	checkInvariants(t, m)
}

func TestWindowGrowsAroundRequest(t *testing.T) {
	ps := mmap.PageSize()
	m := newTestCache(t, &Options{WindowSize: 16 * ps})
	file := createFile(t, int64(256*ps))
	fd := openFD(t, m, file, unix.PROT_READ)

	b, err := fd.Get(ContextAny, false, 100*ps+10, 10, nil)
	require.NoError(t, err)
	w := windowFor(t, fd, b)
	require.Equal(t, 92*ps, w.offset)
	require.Equal(t, 16*ps, w.size)

	// Close to the start the window is not moved before byte 0.
	b, err = fd.Get(ContextData, false, 2*ps, 10, nil)
	require.NoError(t, err)
	w = windowFor(t, fd, b)
	require.Zero(t, w.offset)
	require.Equal(t, 16*ps, w.size)

	// Requests larger than the window size get a window of their own size.
	b, err = fd.Get(ContextEntry, false, 200*ps+1, int(20*ps), nil)
	require.NoError(t, err)
	w = windowFor(t, fd, b)
	require.Equal(t, 200*ps, w.offset)
	require.Equal(t, 21*ps, w.size)
}

func TestWindowClampedToFileSize(t *testing.T) {
	ps := mmap.PageSize()
	m := newTestCache(t, nil)
	file := createFile(t, int64(3*ps+100))
	fi := stat(t, file)
	fd := openFD(t, m, file, unix.PROT_READ)

	b, err := fd.Get(ContextAny, false, 0, 10, fi)
	require.NoError(t, err)
	w := windowFor(t, fd, b)
	require.Zero(t, w.offset)
	require.Equal(t, 4*ps, w.size)

	// The tail of the last page is still servable.
	_, err = fd.Get(ContextData, false, 3*ps+50, 4000, fi)
	require.NoError(t, err)

	_, err = fd.Get(ContextData, false, 3*ps+50, int(2*ps), fi)
	require.ErrorIs(t, err, ErrNotAvailable)

	_, err = fd.Get(ContextData, false, 9*mib, 10, fi)
	require.ErrorIs(t, err, ErrNotAvailable)
	require.ErrorIs(t, err, unix.EADDRNOTAVAIL)
	checkInvariants(t, m)
}

func TestAddFDIdempotent(t *testing.T) {
	m := newTestCache(t, nil)
	file := createFile(t, mib)

	fd := openFD(t, m, file, unix.PROT_READ)
	require.Same(t, m, fd.Cache())
	require.Equal(t, int(file.Fd()), fd.Fd())
	require.Equal(t, unix.PROT_READ, fd.Prot())

	again, created, err := m.AddFD(int(file.Fd()), unix.PROT_READ)
	require.NoError(t, err)
	require.False(t, created)
	require.Same(t, fd, again)
	require.Equal(t, 1, m.NumFDs())

	_, _, err = m.AddFD(int(file.Fd()), unix.PROT_READ|unix.PROT_WRITE)
	require.ErrorIs(t, err, ErrExist)
	require.Equal(t, 1, m.NumFDs())
	require.Equal(t, unix.PROT_READ, fd.Prot())

	_, _, err = m.AddFD(-1, unix.PROT_READ)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestGetInvalidArguments(t *testing.T) {
	m := newTestCache(t, nil)
	file := createFile(t, mib)
	fd := openFD(t, m, file, unix.PROT_READ)

	_, err := fd.Get(ContextAny, false, 0, 0, nil)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = fd.Get(Context(-1), false, 0, 1, nil)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = fd.Get(contextMax, false, 0, 1, nil)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = fd.Pin(ContextAny, nil)
	require.ErrorIs(t, err, ErrInvalid)

	require.Zero(t, m.NumWindows())
	require.Equal(t, Stats{}, m.Stats())
}

func TestGetRangeOutOfBounds(t *testing.T) {
	m := newTestCache(t, nil)
	file := createFile(t, mib)
	fd := openFD(t, m, file, unix.PROT_READ)

	_, err := fd.Get(ContextAny, false, 0, 10, nil)
	require.NoError(t, err)

	// The end of the range would wrap around onto the window at offset 0.
	require.NotPanics(t, func() {
		_, err = fd.Get(ContextAny, false, math.MaxUint64-4, 10, nil)
	})
	require.ErrorIs(t, err, ErrInvalid)

	_, err = fd.Get(ContextData, false, math.MaxInt64, 1, nil)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = fd.Get(ContextData, false, math.MaxInt64-10, 11, nil)
	require.ErrorIs(t, err, ErrInvalid)

	require.Equal(t, 1, m.NumWindows())
	require.Equal(t, uint64(1), m.Stats().Missed)
	checkInvariants(t, m)
}

func TestUseAfterClose(t *testing.T) {
	m := newTestCache(t, nil)
	file := createFile(t, mib)

	fd, _, err := m.AddFD(int(file.Fd()), unix.PROT_READ)
	require.NoError(t, err)
	b, err := fd.Get(ContextAny, false, 0, 1, nil)
	require.NoError(t, err)
	require.NoError(t, fd.Close())
	require.Nil(t, fd.Cache())

	_, err = fd.Get(ContextAny, false, 0, 1, nil)
	require.ErrorIs(t, err, ErrClosed)
	_, err = fd.Pin(ContextAny, b)
	require.ErrorIs(t, err, ErrClosed)
	require.False(t, fd.Faulted())
}

func TestMapFailurePropagates(t *testing.T) {
	m := newTestCache(t, nil)
	file := createFile(t, mib)

	// Write access on a read-only descriptor is refused by the kernel.
	ro, err := os.Open(file.Name())
	require.NoError(t, err)
	defer ro.Close()

	fd := openFD(t, m, ro, unix.PROT_READ|unix.PROT_WRITE)
	_, err = fd.Get(ContextAny, false, 0, 10, nil)
	require.ErrorIs(t, err, unix.EACCES)
	require.Zero(t, m.NumWindows())
}

func TestKeepAlwaysNeverUnused(t *testing.T) {
	m := newTestCache(t, nil)
	file := createFile(t, 64*mib)
	fi := stat(t, file)
	fd := openFD(t, m, file, unix.PROT_READ)

	b, err := fd.Get(ContextAny, true, 0, 10, fi)
	require.NoError(t, err)
	kept := windowFor(t, fd, b)

	_, err = fd.Get(ContextAny, false, 40*mib, 10, fi)
	require.NoError(t, err)

	require.Zero(t, kept.flags&contextFlag(ContextAny))
	require.NotZero(t, kept.flags&windowKeepAlways)
	require.False(t, m.unused.Contains(kept))
	require.Zero(t, m.unused.Len())
	checkInvariants(t, m)
}

func TestPin(t *testing.T) {
	m := newTestCache(t, nil)
	file := createFile(t, 64*mib)
	fi := stat(t, file)
	fd := openFD(t, m, file, unix.PROT_READ)

	b, err := fd.Get(ContextEntry, false, 1000, 16, fi)
	require.NoError(t, err)
	w := windowFor(t, fd, b)

	pinned, err := fd.Pin(ContextEntry, b)
	require.NoError(t, err)
	require.True(t, pinned)
	require.True(t, m.windowsByContext[ContextPin] == w)

	// Moving the entry context away leaves the pinned window referenced.
	_, err = fd.Get(ContextEntry, false, 40*mib, 16, fi)
	require.NoError(t, err)
	require.False(t, m.unused.Contains(w))

	// Pinning from another context finds it through the window list.
	pinned, err = fd.Pin(ContextData, b[4:8])
	require.NoError(t, err)
	require.True(t, pinned)
	require.Equal(t, uint64(1), m.Stats().WindowListHit)

	// Windows kept forever need no pin.
	k, err := fd.Get(ContextField, true, 20*mib, 16, fi)
	require.NoError(t, err)
	pinned, err = fd.Pin(ContextField, k)
	require.NoError(t, err)
	require.False(t, pinned)
	require.True(t, m.windowsByContext[ContextPin] == w)
	checkInvariants(t, m)
}

func TestPinUnknownAddress(t *testing.T) {
	m := newTestCache(t, nil)
	file := createFile(t, mib)
	fd := openFD(t, m, file, unix.PROT_READ)

	_, err := fd.Get(ContextAny, false, 0, 16, nil)
	require.NoError(t, err)

	heap := make([]byte, 16)
	pinned, err := fd.Pin(ContextAny, heap)
	require.ErrorIs(t, err, ErrNotAvailable)
	require.False(t, pinned)
	require.Equal(t, uint64(2), m.Stats().Missed)
}

// enomemAfter returns a mapper that fails with ENOMEM while at least limit
// windows are live.
func enomemAfter(m *Cache, limit int, calls *int) func(int, int64, int, int) (*mmap.Map, error) {
	return func(fd int, offset int64, length int, prot int) (*mmap.Map, error) {
		*calls++
		if m.NumWindows() >= limit {
			return nil, &mmap.Error{Op: "mmap", Err: unix.ENOMEM}
		}
		return mmap.New(fd, offset, length, prot)
	}
}

// fillUnused maps n windows through ContextAny; all but the last end up on
// the unused list, oldest first.
func fillUnused(t *testing.T, fd *FileDescriptor, n int) []*window {
	t.Helper()
	var ws []*window
	for i := 0; i < n; i++ {
		b, err := fd.Get(ContextAny, false, uint64(i)*16*mib, 1, nil)
		require.NoError(t, err)
		ws = append(ws, windowFor(t, fd, b))
	}
	return ws
}

func TestMmapEvictsUnusedOnENOMEM(t *testing.T) {
	m := newTestCache(t, nil)
	file := createFile(t, 128*mib)
	fd := openFD(t, m, file, unix.PROT_READ)

	ws := fillUnused(t, fd, 3)
	require.Equal(t, 2, m.unused.Len())

	calls := 0
	m.mapFile = enomemAfter(m, 2, &calls)

	b, err := fd.Get(ContextData, false, 100*mib, 1, nil)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, m.NumWindows())
	require.Equal(t, 2, numWindowsOf(fd))

	// The two unused windows went, oldest first; the attached ones stay.
	survivors := map[*window]bool{}
	for w := fd.windows; w != nil; w = w.next {
		survivors[w] = true
	}
	require.False(t, survivors[ws[0]])
	require.False(t, survivors[ws[1]])
	require.True(t, survivors[ws[2]])
	require.True(t, survivors[windowFor(t, fd, b)])
	checkInvariants(t, m)
}

func TestMmapENOMEMWithoutUnusedWindows(t *testing.T) {
	m := newTestCache(t, nil)
	file := createFile(t, 128*mib)
	fd := openFD(t, m, file, unix.PROT_READ)

	fillUnused(t, fd, 3)

	calls := 0
	m.mapFile = enomemAfter(m, 0, &calls)

	_, err := fd.Get(ContextData, false, 100*mib, 1, nil)
	require.ErrorIs(t, err, unix.ENOMEM)
	require.Equal(t, 3, calls)
	require.Equal(t, 1, m.NumWindows())
	require.Zero(t, m.unused.Len())
	checkInvariants(t, m)
}

func TestMmapOtherErrorsNotRetried(t *testing.T) {
	m := newTestCache(t, nil)
	file := createFile(t, 128*mib)
	fd := openFD(t, m, file, unix.PROT_READ)

	fillUnused(t, fd, 3)

	calls := 0
	m.mapFile = func(int, int64, int, int) (*mmap.Map, error) {
		calls++
		return nil, &mmap.Error{Op: "mmap", Err: unix.EACCES}
	}

	_, err := fd.Get(ContextData, false, 100*mib, 1, nil)
	require.ErrorIs(t, err, unix.EACCES)
	require.Equal(t, 1, calls)
	require.Equal(t, 3, m.NumWindows())
	require.Equal(t, 2, m.unused.Len())
}

func TestRecyclesWindowRecords(t *testing.T) {
	m := newTestCache(t, &Options{MinWindows: 1})
	file := createFile(t, 128*mib)
	fd := openFD(t, m, file, unix.PROT_READ)

	ws := fillUnused(t, fd, 2)
	require.Equal(t, 2, m.NumWindows())

	b, err := fd.Get(ContextAny, false, 64*mib, 1, nil)
	require.NoError(t, err)

	// The oldest unused record was reused for the new mapping.
	require.Equal(t, 2, m.NumWindows())
	require.True(t, windowFor(t, fd, b) == ws[0])
	require.Equal(t, 64*mib-4*mib, int(ws[0].offset))
	checkInvariants(t, m)
}

func TestDebugFreesOnDetach(t *testing.T) {
	m := newTestCache(t, &Options{Debug: true})
	require.Equal(t, mmap.PageSize(), m.windowSize)

	file := createFile(t, mib)
	fd := openFD(t, m, file, unix.PROT_READ)

	b, err := fd.Get(ContextAny, false, 0, 10, nil)
	require.NoError(t, err)
	require.Equal(t, mmap.PageSize(), windowFor(t, fd, b).size)

	_, err = fd.Get(ContextAny, false, 512*1024, 10, nil)
	require.NoError(t, err)
	require.Equal(t, 1, m.NumWindows())
	require.Zero(t, m.unused.Len())
	checkInvariants(t, m)
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	ps := mmap.PageSize()
	for _, debug := range []bool{false, true} {
		m := newTestCache(t, &Options{WindowSize: 4 * ps, MinWindows: 4, Debug: debug})

		var fds []*FileDescriptor
		var infos []os.FileInfo
		for i := 0; i < 2; i++ {
			file := createFile(t, int64(256*ps))
			fds = append(fds, openFD(t, m, file, unix.PROT_READ))
			infos = append(infos, stat(t, file))
		}

		rng := rand.New(rand.NewSource(42))
		var seen [][]byte
		for i := 0; i < 2000; i++ {
			n := rng.Intn(len(fds))
			fd := fds[n]
			c := Context(rng.Intn(int(contextMax)))

			if len(seen) > 0 && rng.Intn(5) == 0 {
				// Stale slices are only compared by address, never read.
				_, err := fd.Pin(c, seen[rng.Intn(len(seen))])
				if err != nil {
					require.ErrorIs(t, err, ErrNotAvailable)
				}
			} else {
				size := 1 + rng.Intn(int(2*ps))
				offset := uint64(rng.Intn(int(256*ps) - size))
				b, err := fd.Get(c, rng.Intn(50) == 0, offset, size, infos[n])
				require.NoError(t, err)
				seen = append(seen, b)
			}
			checkInvariants(t, m)
		}
	}
}

func TestUnrefWithOpenDescriptorPanics(t *testing.T) {
	m := New(&Options{Faults: sigbus.NewQueue()})
	file := createFile(t, mib)
	fd, _, err := m.AddFD(int(file.Fd()), unix.PROT_READ)
	require.NoError(t, err)

	m.Ref()
	m.Unref()
	m.Unref()
	require.Panics(t, func() { m.Unref() })
	fd.cache = nil
}

func TestContextString(t *testing.T) {
	require.Equal(t, "any", ContextAny.String())
	require.Equal(t, "entry-array", ContextEntryArray.String())
	require.Equal(t, "pin", ContextPin.String())
	require.Equal(t, "context(42)", Context(42).String())
}

func TestLogStats(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	m := newTestCache(t, &Options{Logger: &logger})

	file := createFile(t, mib)
	fd := openFD(t, m, file, unix.PROT_READ)
	_, err := fd.Get(ContextAny, false, 0, 1, nil)
	require.NoError(t, err)
	_, err = fd.Get(ContextAny, false, 1, 1, nil)
	require.NoError(t, err)

	buf.Reset()
	m.LogStats()
	out := buf.String()
	require.True(t, strings.Contains(out, `"message":"mmap cache statistics"`), out)
	require.True(t, strings.Contains(out, `"context_cache_hit":1`), out)
	require.True(t, strings.Contains(out, `"missed":1`), out)
	require.True(t, strings.Contains(out, `"module":"MMAPCACHE"`), out)
}

func TestVersion(t *testing.T) {
	require.Equal(t, "mmapcache 0.1.0", Version())
}
