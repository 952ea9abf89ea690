package mmapcache

import (
	"github.com/rs/zerolog"

	"github.com/Giulio2002/mmapcache/mmap"
	"github.com/Giulio2002/mmapcache/sigbus"
)

const (
	// DefaultWindowSize is the target size of a new window.
	DefaultWindowSize = 8 * 1024 * 1024

	// DefaultMinWindows is the number of live windows below which window
	// records are always freshly allocated instead of recycled.
	DefaultMinWindows = 64
)

// Options configures a Cache. The zero value is valid.
type Options struct {
	// WindowSize is the target window size, rounded up to the page size.
	// Zero selects DefaultWindowSize, or one page in debug mode.
	WindowSize uint64

	// MinWindows is the live window floor before the oldest unused window
	// gets recycled for a new mapping. Zero selects DefaultMinWindows.
	MinWindows int

	// Debug maps single-page windows and unmaps windows as soon as no context
	// references them, so stale slices fault early instead of reading
	// recycled pages.
	Debug bool

	// Faults is the queue SIGBUS addresses are read from. Nil selects
	// sigbus.Default().
	Faults *sigbus.Queue

	// Logger receives debug and error events. Nil disables logging.
	Logger *zerolog.Logger
}

// DefaultOptions returns the options used when New is called with nil.
// Builds tagged mmapcache_debug enable Debug.
func DefaultOptions() *Options {
	return &Options{Debug: debugDefault}
}

func (o *Options) windowSize() uint64 {
	switch {
	case o.WindowSize != 0:
		return mmap.PageAlign(o.WindowSize)
	case o.Debug:
		return mmap.PageSize()
	default:
		return DefaultWindowSize
	}
}

func (o *Options) minWindows() int {
	if o.MinWindows > 0 {
		return o.MinWindows
	}
	return DefaultMinWindows
}

func (o *Options) faults() *sigbus.Queue {
	if o.Faults != nil {
		return o.Faults
	}
	return sigbus.Default()
}

func (o *Options) logger() zerolog.Logger {
	if o.Logger == nil {
		return zerolog.Nop()
	}
	return o.Logger.With().Str("module", "MMAPCACHE").Logger()
}
