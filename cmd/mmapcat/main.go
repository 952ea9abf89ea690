// mmapcat writes files to stdout, reading them through a memory mapped
// window cache.
//
// Usage:
//
//	mmapcat [flags] FILE...
//
// Flags:
//
//	    --offset         Start reading at this byte offset (default: 0)
//	    --length         Bytes to read per file, 0 reads to the end (default: 0)
//	    --chunk          Bytes copied per request (default: 65536)
//	    --window-size    Window size in bytes, 0 for the cache default
//	    --debug          Single-page windows, unmapped as soon as unused
//	    --stats          Print cache metrics to stderr when done
//	    --log-level      zerolog level (default: warn)
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/Giulio2002/mmapcache"
)

const defaultChunk = 64 * 1024

type options struct {
	offset     uint64
	length     uint64
	chunk      int
	windowSize uint64
	debug      bool
	stats      bool
	logLevel   string
	files      []string
}

func main() {
	err := run(os.Args[1:], os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, errOut io.Writer) error {
	opts, err := parseFlags(args, errOut)
	if err != nil {
		return err
	}
	if opts == nil {
		// --help
		return nil
	}

	level, err := zerolog.ParseLevel(opts.logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", opts.logLevel, err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: errOut}).Level(level).With().Timestamp().Logger()

	cache := mmapcache.New(&mmapcache.Options{
		WindowSize: opts.windowSize,
		Debug:      opts.debug,
		Logger:     &logger,
	})
	defer cache.Unref()

	var firstErr error
	for _, path := range opts.files {
		if err := catFile(cache, path, opts, out); err != nil {
			logger.Error().Err(err).Str("file", path).Msg("read failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", path, err)
			}
		}
	}

	cache.LogStats()
	if opts.stats {
		if err := writeStats(cache, errOut); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func parseFlags(args []string, errOut io.Writer) (*options, error) {
	flagSet := flag.NewFlagSet("mmapcat", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	opts := &options{}
	flagSet.Uint64Var(&opts.offset, "offset", 0, "Start reading at this byte offset")
	flagSet.Uint64Var(&opts.length, "length", 0, "Bytes to read per file, 0 reads to the end")
	flagSet.IntVar(&opts.chunk, "chunk", defaultChunk, "Bytes copied per request")
	flagSet.Uint64Var(&opts.windowSize, "window-size", 0, "Window size in bytes, 0 for the cache default")
	flagSet.BoolVar(&opts.debug, "debug", false, "Single-page windows, unmapped as soon as unused")
	flagSet.BoolVar(&opts.stats, "stats", false, "Print cache metrics to stderr when done")
	flagSet.StringVar(&opts.logLevel, "log-level", "warn", "zerolog level")
	help := flagSet.BoolP("help", "h", false, "Show help")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if *help {
		fmt.Fprintf(errOut, "Usage: mmapcat [flags] FILE...\n\n%s", flagSet.FlagUsages())
		return nil, nil
	}

	opts.files = flagSet.Args()
	if len(opts.files) == 0 {
		return nil, errors.New("no input files")
	}
	if opts.chunk <= 0 {
		return nil, fmt.Errorf("--chunk must be positive, got %d", opts.chunk)
	}

	return opts, nil
}

func catFile(cache *mmapcache.Cache, path string, opts *options, out io.Writer) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	fi, err := file.Stat()
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("not a regular file")
	}

	fd, _, err := cache.AddFD(int(file.Fd()), unix.PROT_READ)
	if err != nil {
		return err
	}
	defer fd.Close()

	size := uint64(fi.Size())
	end := size
	if opts.length != 0 && opts.offset+opts.length < size {
		end = opts.offset + opts.length
	}

	buf := make([]byte, opts.chunk)
	for offset := opts.offset; offset < end; {
		n := uint64(len(buf))
		if end-offset < n {
			n = end - offset
		}
		if err := fd.Read(mmapcache.ContextData, offset, buf[:n], fi); err != nil {
			return err
		}
		if _, err := out.Write(buf[:n]); err != nil {
			return err
		}
		offset += n
	}

	return nil
}

func writeStats(cache *mmapcache.Cache, w io.Writer) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(mmapcache.NewCollector(cache, "mmapcat")); err != nil {
		return err
	}
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
