// Package heap implements the kernel heap: a bump allocator over a fixed run
// of kernel pages that is reserved once at boot.
package heap

import (
	"nestos/kernel"
	"nestos/kernel/mm"
	"nestos/kernel/sync"
)

var (
	errAlreadyInitialized = &kernel.Error{Module: "heap", Message: "heap already initialized"}
	errNotInitialized     = &kernel.Error{Module: "heap", Message: "heap not initialized"}
	errInvalidPageCount   = &kernel.Error{Module: "heap", Message: "heap needs at least one page"}
	errOutOfMemory        = &kernel.Error{Module: "heap", Message: "heap arena exhausted"}
	errNoLiveAllocation   = &kernel.Error{Module: "heap", Message: "free called with no live allocations"}
	errForeignAddress     = &kernel.Error{Module: "heap", Message: "address does not belong to the heap arena"}
)

// PageSource is implemented by address spaces that can hand out a run of
// contiguous mapped pages.
type PageSource interface {
	AllocPages(count int) (mm.Page, *kernel.Error)
}

// Stats describes the state of a BumpAllocator.
type Stats struct {
	Start  uintptr
	End    uintptr
	Cursor uintptr
	Live   uint64
}

// BumpAllocator serves allocations by advancing a cursor through the arena
// [start, end). Space is only reclaimed when every outstanding allocation has
// been freed, at which point the cursor moves back to start.
type BumpAllocator struct {
	mutex sync.Spinlock

	ready bool
	start uintptr
	end   uintptr
	next  uintptr
	live  uint64
}

// Init reserves pageCount contiguous pages from pages and uses them as the
// arena.
func (h *BumpAllocator) Init(pages PageSource, pageCount int) *kernel.Error {
	if pageCount <= 0 {
		return errInvalidPageCount
	}

	h.mutex.Acquire()
	defer h.mutex.Release()

	if h.ready {
		return errAlreadyInitialized
	}

	page, err := pages.AllocPages(pageCount)
	if err != nil {
		return err
	}

	h.start = page.Address()
	h.end = h.start + uintptr(pageCount)*mm.PageSize
	h.next = h.start
	h.live = 0
	h.ready = true
	return nil
}

// Alloc reserves size bytes aligned to align, which must be a power of two,
// and returns the address of the first byte. A failed allocation leaves the
// cursor untouched.
func (h *BumpAllocator) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	h.mutex.Acquire()
	defer h.mutex.Release()

	if !h.ready {
		return 0, errNotInitialized
	}

	addr := mm.AlignUp(h.next, align)
	if addr < h.next || addr > h.end || size > h.end-addr {
		return 0, errOutOfMemory
	}

	h.next = addr + size
	h.live++
	return addr, nil
}

// AllocBytes allocates a word-aligned buffer of size bytes. Empty buffers
// do not use the arena.
func (h *BumpAllocator) AllocBytes(size uintptr) ([]byte, *kernel.Error) {
	if size == 0 {
		return nil, nil
	}

	addr, err := h.Alloc(size, 8)
	if err != nil {
		return nil, err
	}
	return kernel.ByteSlice(addr, size), nil
}

// Free releases the allocation at addr. Individual allocations are not
// tracked, so only the number of live allocations matters: once it drops to
// zero the whole arena becomes available again.
func (h *BumpAllocator) Free(addr uintptr) *kernel.Error {
	h.mutex.Acquire()
	defer h.mutex.Release()

	switch {
	case !h.ready:
		return errNotInitialized
	case addr < h.start || addr >= h.end:
		return errForeignAddress
	case h.live == 0:
		return errNoLiveAllocation
	}

	h.live--
	if h.live == 0 {
		h.next = h.start
	}
	return nil
}

// FreeBytes releases a buffer obtained through AllocBytes.
func (h *BumpAllocator) FreeBytes(buf []byte) *kernel.Error {
	if len(buf) == 0 {
		return nil
	}
	return h.Free(kernel.SliceAddr(buf))
}

// Stats returns a snapshot of the allocator state.
func (h *BumpAllocator) Stats() Stats {
	h.mutex.Acquire()
	defer h.mutex.Release()

	return Stats{Start: h.start, End: h.end, Cursor: h.next, Live: h.live}
}
