package mmapcache

import (
	"github.com/pkg/errors"
)

// processSigbus drains the fault queue, marks the descriptor owning each
// faulting address and then swaps every window of a marked descriptor for
// anonymous memory, so the same file cannot fault again and overrun the
// queue.
func (m *Cache) processSigbus() {
	found := false

	for {
		addr, ok, err := m.faults.Pop()
		if err != nil {
			m.abort(err, "SIGBUS handling failed")
			return
		}
		if !ok {
			break
		}

		ours := false
		m.fds.ForEach(func(_ int, f *FileDescriptor) bool {
			for w := f.windows; w != nil; w = w.next {
				if w.matchesAddr(f, addr, 1) {
					f.sigbus = true
					ours = true
					m.log.Error().
						Int("fd", f.fd).
						Uint64("addr", uint64(addr)).
						Uint64("window_offset", w.offset).
						Msg("SIGBUS on mapped file")
					return false
				}
			}
			return true
		})

		if !ours {
			m.abort(errors.Errorf("no window holds address %#x", addr), "unknown SIGBUS page")
			return
		}
		found = true
	}

	if !found {
		return
	}

	m.fds.ForEach(func(_ int, f *FileDescriptor) bool {
		if !f.sigbus {
			return true
		}
		for w := f.windows; w != nil; w = w.next {
			if err := w.invalidate(); err != nil {
				m.abort(err, "failed to replace window with anonymous memory")
				return false
			}
		}
		return true
	})
}
