package mmapcache

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Error represents a window cache error with an errno code
type Error struct {
	Code    unix.Errno
	Message string
	Err     error // wrapped error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mmapcache: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("mmapcache: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, and the bare errno.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return e.Code == t.Code
	case unix.Errno:
		return e.Code == t
	}
	return false
}

// Sentinel errors. Compare with errors.Is; wrapped variants carry more context.
var (
	// ErrFault is returned for every access to a descriptor that got SIGBUS.
	ErrFault = &Error{Code: unix.EIO, Message: "file descriptor got SIGBUS"}

	// ErrNotAvailable is returned when no window holds an address, or the
	// requested range starts past the end of the file.
	ErrNotAvailable = &Error{Code: unix.EADDRNOTAVAIL, Message: "address not available"}

	// ErrExist is returned when a descriptor is registered again with
	// different protection flags.
	ErrExist = &Error{Code: unix.EEXIST, Message: "file descriptor already registered"}

	// ErrInvalid is returned for zero-sized requests, negative descriptors
	// and unknown contexts.
	ErrInvalid = &Error{Code: unix.EINVAL, Message: "invalid argument"}

	// ErrClosed is returned when using a descriptor after Close.
	ErrClosed = &Error{Code: unix.EBADF, Message: "file descriptor closed"}
)

// errorf derives an error with the code of base and a formatted message.
func errorf(base *Error, cause error, format string, args ...any) error {
	return &Error{
		Code:    base.Code,
		Message: base.Message + ": " + fmt.Sprintf(format, args...),
		Err:     cause,
	}
}

// IsFault returns true if the error reports a descriptor that got SIGBUS
func IsFault(err error) bool {
	return errors.Is(err, ErrFault)
}
