// Package mm defines the frame and page types shared by the physical and
// virtual memory managers, the size constants of the huge-page memory model
// and the contract frame allocators implement.
package mm

import (
	"math"
	"nestos/kernel"
)

// Frame describes a physical memory frame index.
type Frame uintptr

const (
	// InvalidFrame is returned by frame allocators when they fail to
	// reserve a frame and by FrameFromAddress for misaligned addresses.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that starts at physAddr. Addresses that
// are not PageSize-aligned do not identify a frame and yield InvalidFrame.
func FrameFromAddress(physAddr uintptr) Frame {
	if !IsAligned(physAddr, PageSize) {
		return InvalidFrame
	}
	return Frame(physAddr >> PageShift)
}

// FrameAllocator is implemented by physical frame allocators. AllocFrame
// reports exhaustion as an error value; FreeFrame panics when handed a frame
// the allocator never gave out.
type FrameAllocator interface {
	AllocFrame() (Frame, *kernel.Error)
	FreeFrame(Frame)
}

// Page describes a virtual memory page index.
type Page uintptr

const (
	// InvalidPage is returned by PageFromAddress for misaligned addresses.
	InvalidPage = Page(math.MaxUint64)
)

// Valid returns true if this is a valid page.
func (p Page) Valid() bool {
	return p != InvalidPage
}

// Address returns the virtual address of the first byte of this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that starts at virtAddr. Addresses that are
// not PageSize-aligned yield InvalidPage.
func PageFromAddress(virtAddr uintptr) Page {
	if !IsAligned(virtAddr, PageSize) {
		return InvalidPage
	}
	return Page(virtAddr >> PageShift)
}
