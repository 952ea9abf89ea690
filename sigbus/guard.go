package sigbus

import (
	"fmt"
	"os"
	"runtime/debug"
)

// FaultError reports a memory-access fault at Addr.
type FaultError struct {
	Addr uintptr
	Err  error // runtime error that carried the fault
}

func (e *FaultError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sigbus: memory fault at %#x: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("sigbus: memory fault at %#x", e.Addr)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// addressable is implemented by runtime errors raised for faulting accesses.
type addressable interface {
	Addr() uintptr
}

var minFaultAddr = uintptr(os.Getpagesize())

// Guard runs fn with panic-on-fault enabled for the calling goroutine. A
// fault on a mapped page is recovered, its address is pushed onto q and a
// *FaultError is returned. Faults in the zero page (nil dereferences) and
// ordinary panics propagate unchanged.
func Guard(q *Queue, fn func()) (err error) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		fault, ok := r.(addressable)
		if !ok || fault.Addr() < minFaultAddr {
			panic(r)
		}
		addr := fault.Addr()
		q.Push(addr)
		rerr, _ := r.(error)
		err = &FaultError{Addr: addr, Err: rerr}
	}()

	fn()
	return nil
}
