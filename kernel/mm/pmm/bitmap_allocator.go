// Package pmm implements the physical frame allocator.
package pmm

import (
	"io"
	"nestos/kernel"
	"nestos/kernel/kfmt"
	"nestos/kernel/mm"
	"nestos/kernel/sync"
	"nestos/multiboot"
)

const (
	// reservedFrames is the number of leading frames that are marked as
	// used when the allocator is initialized. They hold the kernel image.
	reservedFrames = 2
)

var (
	errAlreadyInitialized = &kernel.Error{Module: "pmm", Message: "frame allocator already initialized"}
	errNotInitialized     = &kernel.Error{Module: "pmm", Message: "frame allocator not initialized"}
	errNoUsableMemory     = &kernel.Error{Module: "pmm", Message: "memory map contains no usable frames"}
	errOutOfMemory        = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errUntrackedFrame     = &kernel.Error{Module: "pmm", Message: "attempted to free a frame that is not tracked by the allocator"}
	errFrameNotAllocated  = &kernel.Error{Module: "pmm", Message: "attempted to free a frame that is not allocated"}
)

// BitmapAllocator hands out physical frames from the available regions of
// the boot memory map. Frame state is tracked by a bitmap with one bit per
// frame; bit i refers to the i-th frame of the flattened sequence obtained by
// walking the available regions in map order.
//
// The allocator keeps no frame-to-index table. Both allocation and release
// recover the mapping by replaying the memory map, trading lookup speed for
// zero bookkeeping memory beyond the bitmap itself.
type BitmapAllocator struct {
	mutex sync.Spinlock

	// regions is the boot memory map. The allocator does not copy it.
	regions []multiboot.MemoryMapEntry

	// totalPages is the length of the flattened frame sequence.
	totalPages uint32

	// reservedPages tracks the number of set bits in the bitmap.
	reservedPages uint32

	bitmap []uint8
}

// BitmapSize returns the number of bytes needed to track the frames in the
// supplied memory map.
func BitmapSize(regions []multiboot.MemoryMapEntry) uintptr {
	return uintptr(countFrames(regions)/8 + 1)
}

// Init overlays the allocator bitmap at bitmapAddr and marks every frame
// free except for the first reservedFrames ones. bitmapAddr must point to
// BitmapSize(regions) writable bytes that no frame in the map overlaps.
func (alloc *BitmapAllocator) Init(regions []multiboot.MemoryMapEntry, bitmapAddr uintptr) *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if alloc.bitmap != nil {
		return errAlreadyInitialized
	}

	totalPages := countFrames(regions)
	if totalPages == 0 {
		return errNoUsableMemory
	}

	bitmapSize := uintptr(totalPages/8 + 1)
	kernel.Memset(bitmapAddr, 0, bitmapSize)

	alloc.regions = regions
	alloc.totalPages = totalPages
	alloc.reservedPages = 0
	alloc.bitmap = kernel.ByteSlice(bitmapAddr, bitmapSize)

	for index := uint32(0); index < reservedFrames && index < totalPages; index++ {
		alloc.markUsed(index)
	}

	return nil
}

// TotalPages returns the number of frames managed by the allocator.
func (alloc *BitmapAllocator) TotalPages() uint32 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.totalPages
}

// FreePages returns the number of frames that can still be allocated.
func (alloc *BitmapAllocator) FreePages() uint32 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.totalPages - alloc.reservedPages
}

// AllocFrame reserves the lowest-indexed free frame.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if alloc.bitmap == nil {
		return mm.InvalidFrame, errNotInitialized
	}

	if alloc.reservedPages == alloc.totalPages {
		return mm.InvalidFrame, errOutOfMemory
	}

	for byteIndex, block := range alloc.bitmap {
		if block == 0xff {
			continue
		}

		for bit := uint32(0); bit < 8; bit++ {
			index := uint32(byteIndex)*8 + bit
			if index >= alloc.totalPages {
				return mm.InvalidFrame, errOutOfMemory
			}

			if block&(1<<bit) != 0 {
				continue
			}

			frame := alloc.frameAt(index)
			if !frame.Valid() {
				return mm.InvalidFrame, errOutOfMemory
			}

			alloc.markUsed(index)
			return frame, nil
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

// FreeFrame releases a frame previously returned by AllocFrame. Passing a
// frame that is outside the managed regions or that is currently free is a
// caller bug and causes a kernel panic.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) {
	alloc.mutex.Acquire()

	index, found := alloc.indexOf(frame)
	if !found {
		alloc.mutex.Release()
		panic(errUntrackedFrame)
	}

	if !alloc.isUsed(index) {
		alloc.mutex.Release()
		panic(errFrameNotAllocated)
	}

	alloc.markFree(index)
	alloc.mutex.Release()
}

// PrintMemoryMap writes the memory map and the allocator statistics to w.
func (alloc *BitmapAllocator) PrintMemoryMap(w io.Writer) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	kfmt.Fprintf(w, "system memory map:\n")
	for i := 0; i < len(alloc.regions); i++ {
		region := &alloc.regions[i]
		kfmt.Fprintf(w, "\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())
	}
	kfmt.Fprintf(w, "frames: %d total, %d free (frame size: %dKb)\n", alloc.totalPages, alloc.totalPages-alloc.reservedPages, uint64(mm.PageSize>>10))
}

func (alloc *BitmapAllocator) isUsed(index uint32) bool {
	return alloc.bitmap[index>>3]&(1<<(index&7)) != 0
}

func (alloc *BitmapAllocator) markUsed(index uint32) {
	alloc.bitmap[index>>3] |= 1 << (index & 7)
	alloc.reservedPages++
}

func (alloc *BitmapAllocator) markFree(index uint32) {
	alloc.bitmap[index>>3] &^= 1 << (index & 7)
	alloc.reservedPages--
}

// frameAt replays the memory map to find the index-th frame of the flattened
// sequence.
func (alloc *BitmapAllocator) frameAt(index uint32) mm.Frame {
	for i := 0; i < len(alloc.regions); i++ {
		first, count := regionFrames(&alloc.regions[i])
		if index < count {
			return first + mm.Frame(index)
		}
		index -= count
	}

	return mm.InvalidFrame
}

// indexOf replays the memory map to find the position of frame in the
// flattened sequence.
func (alloc *BitmapAllocator) indexOf(frame mm.Frame) (uint32, bool) {
	if !frame.Valid() {
		return 0, false
	}

	var base uint32
	for i := 0; i < len(alloc.regions); i++ {
		first, count := regionFrames(&alloc.regions[i])
		if frame >= first && frame < first+mm.Frame(count) {
			return base + uint32(frame-first), true
		}
		base += count
	}

	return 0, false
}

// regionFrames returns the first whole frame inside an available region and
// the number of whole frames it contains. Region start addresses are rounded
// up and end addresses rounded down to a frame boundary.
func regionFrames(region *multiboot.MemoryMapEntry) (mm.Frame, uint32) {
	if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
		return 0, 0
	}

	pageSizeMinus1 := uint64(mm.PageSize - 1)
	start := (region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1
	end := (region.PhysAddress + region.Length) &^ pageSizeMinus1
	if end <= start {
		return 0, 0
	}

	return mm.Frame(start >> mm.PageShift), uint32((end - start) >> mm.PageShift)
}

func countFrames(regions []multiboot.MemoryMapEntry) uint32 {
	var total uint32
	for i := 0; i < len(regions); i++ {
		_, count := regionFrames(&regions[i])
		total += count
	}
	return total
}
