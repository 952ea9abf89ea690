// Package sigbus records memory-access faults raised while touching mapped
// file pages, so the owner of the mapping can seal it before the same pages
// fault again.
//
// Faults are captured by Guard on the goroutine that touched the memory and
// pushed onto a bounded Queue. The queue is drained explicitly by its
// consumer; nothing runs asynchronously.
package sigbus

import (
	"errors"
	"sync"
)

// QueueMax is the number of fault addresses a Queue holds before it overflows.
const QueueMax = 64

// ErrOverflow is returned by Pop once more faults were pushed than the queue
// could hold. The condition is sticky.
var ErrOverflow = errors.New("sigbus: fault queue overflow")

// Queue is a bounded FIFO of faulting addresses.
type Queue struct {
	mu       sync.Mutex
	addrs    [QueueMax]uintptr
	head     int
	n        int
	overflow bool
}

var defaultQueue = NewQueue()

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Default returns the process-wide queue.
func Default() *Queue {
	return defaultQueue
}

// Push records a faulting address. When the queue is full the address is
// dropped and the queue is marked overflowed.
func (q *Queue) Push(addr uintptr) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == QueueMax {
		q.overflow = true
		return
	}
	q.addrs[(q.head+q.n)%QueueMax] = addr
	q.n++
}

// Pop removes the oldest address. ok is false when the queue is empty.
func (q *Queue) Pop() (addr uintptr, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.overflow {
		return 0, false, ErrOverflow
	}
	if q.n == 0 {
		return 0, false, nil
	}
	addr = q.addrs[q.head]
	q.head = (q.head + 1) % QueueMax
	q.n--
	return addr, true, nil
}

// Len returns the number of queued addresses.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}
