// Package goruntime backs the memory allocator of the Go runtime with pages
// of the kernel address space.
//
// The OS memory layer of the runtime is replaced through go:redirect-from
// directives. The allocator bootstrap functions are reached through
// go:linkname declarations that are only compiled into the kernel image,
// which is built with the "kernel" tag.
package goruntime

import (
	"nestos/kernel"
	"nestos/kernel/mm"
	"unsafe"
)

// nsPerTick converts timer ticks to nanoseconds.
const nsPerTick = 1000000

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit

	// pages serves every runtime memory request once Init has run.
	pages PageSource

	// clock drives nanotime.
	clock Clock

	// A seed for the pseudo-random number generator used by readRandom
	prngSeed = uint32(0xdeadc0de)

	errNoPageSource = &kernel.Error{Module: "goruntime", Message: "no page source supplied"}
)

// PageSource is implemented by address spaces that can reserve a run of
// pages and back it with frames later on.
type PageSource interface {
	Reserve(count int) (mm.Page, *kernel.Error)
	Commit(page mm.Page, count int) *kernel.Error
	Unreserve(page mm.Page, count int)
}

// Clock counts the millisecond ticks since boot.
type Clock interface {
	Uptime() uint64
}

// sysReserveOS reserves address space without allocating any memory or
// establishing any page mappings. The hint is ignored; the runtime falls
// back to an unhinted reservation when the result differs from it.
//
// This function replaces runtime.sysReserveOS and is required for
// initializing the Go allocator.
//
//go:redirect-from runtime.sysReserveOS
//go:nosplit
func sysReserveOS(_ unsafe.Pointer, size uintptr) unsafe.Pointer {
	count := pageCount(size)
	if pages == nil || count == 0 {
		return nil
	}

	page, err := pages.Reserve(count)
	if err != nil {
		return nil
	}
	return unsafe.Pointer(page.Address())
}

// sysMapOS backs a reserved region with zeroed frames. The region is
// extended to page boundaries.
//
// This function replaces runtime.sysMapOS and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMapOS
//go:nosplit
func sysMapOS(virtAddr unsafe.Pointer, size uintptr) {
	if pages == nil || size == 0 {
		return
	}

	page, count := pageRange(uintptr(virtAddr), size)
	if err := pages.Commit(page, count); err != nil {
		panic(err)
	}
}

// sysAllocOS reserves enough pages to hold size bytes and backs them with
// zeroed frames. It returns nil when either step fails.
//
// This function replaces runtime.sysAllocOS and is required for
// initializing the Go allocator.
//
//go:redirect-from runtime.sysAllocOS
//go:nosplit
func sysAllocOS(size uintptr) unsafe.Pointer {
	regionStart := sysReserveOS(nil, size)
	if regionStart == nil {
		return nil
	}

	page, count := pageRange(uintptr(regionStart), size)
	if err := pages.Commit(page, count); err != nil {
		pages.Unreserve(page, count)
		return nil
	}
	return regionStart
}

// sysFreeOS returns the pages that lie entirely inside the region to the
// kernel address space.
//
//go:redirect-from runtime.sysFreeOS
//go:nosplit
func sysFreeOS(virtAddr unsafe.Pointer, size uintptr) {
	start := mm.AlignUp(uintptr(virtAddr), mm.PageSize)
	end := mm.AlignDown(uintptr(virtAddr)+size, mm.PageSize)
	if pages == nil || end <= start {
		return
	}
	pages.Unreserve(mm.PageFromAddress(start), int((end-start)>>mm.PageShift))
}

// Committed pages keep their frames until sysFreeOS, so the paging hints
// the runtime sends are ignored.

//go:redirect-from runtime.sysUnusedOS
//go:nosplit
func sysUnusedOS(_ unsafe.Pointer, _ uintptr) {}

//go:redirect-from runtime.sysUsedOS
//go:nosplit
func sysUsedOS(_ unsafe.Pointer, _ uintptr) {}

//go:redirect-from runtime.sysHugePageOS
//go:nosplit
func sysHugePageOS(_ unsafe.Pointer, _ uintptr) {}

//go:redirect-from runtime.sysNoHugePageOS
//go:nosplit
func sysNoHugePageOS(_ unsafe.Pointer, _ uintptr) {}

//go:redirect-from runtime.sysHugePageCollapseOS
//go:nosplit
func sysHugePageCollapseOS(_ unsafe.Pointer, _ uintptr) {}

//go:redirect-from runtime.sysFaultOS
//go:nosplit
func sysFaultOS(_ unsafe.Pointer, _ uintptr) {}

// nanotime returns the time since the timer started in nanoseconds, at tick
// resolution. It returns 0 before Init.
//
// This function replaces runtime.nanotime1 and is invoked by the Go
// allocator when a span allocation is performed.
//
//go:redirect-from runtime.nanotime1
//go:nosplit
func nanotime() int64 {
	if clock == nil {
		return 0
	}
	return int64(clock.Uptime()) * nsPerTick
}

// readRandom populates the given slice with random data. The runtime reads
// it from /dev/urandom, which does not exist here, so a prng is used
// instead.
//
//go:redirect-from runtime.readRandom
func readRandom(r []byte) int {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
	return len(r)
}

// Init points the runtime memory hooks at pageSource and clk and enables
// support for various Go runtime features. After a call to Init the
// following runtime features become available for use:
//   - heap memory allocation (new, make e.t.c)
//   - map primitives
//   - interfaces
func Init(pageSource PageSource, clk Clock) *kernel.Error {
	if pageSource == nil {
		return errNoPageSource
	}
	pages, clock = pageSource, clk

	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

// pageCount returns the number of pages needed to hold size bytes or 0 if
// size is empty or does not fit in a single run.
func pageCount(size uintptr) int {
	count := (size + mm.PageSize - 1) >> mm.PageShift
	if count > mm.EntriesPerTable {
		return 0
	}
	return int(count)
}

// pageRange returns the pages covering [addr, addr+size).
func pageRange(addr, size uintptr) (mm.Page, int) {
	start := mm.AlignDown(addr, mm.PageSize)
	end := mm.AlignUp(addr+size, mm.PageSize)
	return mm.PageFromAddress(start), int((end - start) >> mm.PageShift)
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	zeroPtr := unsafe.Pointer(uintptr(0))

	sysReserveOS(zeroPtr, 0)
	sysMapOS(zeroPtr, 0)
	sysAllocOS(0)
	sysFreeOS(zeroPtr, 0)
	sysUnusedOS(zeroPtr, 0)
	sysUsedOS(zeroPtr, 0)
	sysHugePageOS(zeroPtr, 0)
	sysNoHugePageOS(zeroPtr, 0)
	sysHugePageCollapseOS(zeroPtr, 0)
	sysFaultOS(zeroPtr, 0)
	readRandom(nil)
	_ = nanotime()
}
