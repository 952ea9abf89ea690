// Package mmapcache is a memory mapped page window cache.
//
// A Cache serves "give me size bytes at offset" requests on registered file
// descriptors from a small number of large shared mappings (windows), reusing
// them across requests and evicting unused ones when the address space runs
// out.
//
// Each request names a Context. The window last used by a context is checked
// first, then the descriptor's window list, and only then is a new window
// mapped. A window that no context references sits on an unused LRU list
// until it is reused or evicted.
//
// Pages of a mapped file can become unreadable at any time, for example when
// the backing device fails or the file gets truncated. Such accesses raise
// SIGBUS. Reads done under sigbus.Guard turn that into an error and queue the
// faulting address; the cache then marks the owning descriptor as faulted and
// replaces all of its windows with zero-filled anonymous memory. Every later
// request on that descriptor fails with ErrFault.
//
// Basic usage:
//
//	c := mmapcache.New(nil)
//	defer c.Unref()
//
//	fd, _, err := c.AddFD(int(file.Fd()), unix.PROT_READ)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer fd.Close()
//
//	fi, _ := file.Stat()
//	buf, err := fd.Get(mmapcache.ContextData, false, offset, 64, fi)
//	if err != nil {
//	    log.Fatal(err)
//	}
package mmapcache
