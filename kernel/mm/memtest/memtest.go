// Package memtest provides fake physical memory for kernel unit tests. The
// memory is an anonymous host mapping aligned to mm.PageSize, so frame
// addresses handed out by allocators under test can be dereferenced directly
// with a physical-to-virtual offset of zero.
package memtest

import (
	"fmt"
	"nestos/kernel"
	"nestos/kernel/mm"
	"nestos/multiboot"

	"golang.org/x/sys/unix"
)

// Memory is a PageSize-aligned block of host memory standing in for RAM.
type Memory struct {
	mapping []byte
	base    uintptr
	frames  int
}

// New maps frameCount frames of fake physical memory. The caller must
// invoke Release once done.
func New(frameCount int) (*Memory, error) {
	// Over-allocate by one frame so the usable window can be aligned.
	size := (frameCount + 1) * int(mm.PageSize)
	mapping, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("memtest: mmap %d bytes: %w", size, err)
	}

	return &Memory{
		mapping: mapping,
		base:    mm.AlignUp(kernel.SliceAddr(mapping), mm.PageSize),
		frames:  frameCount,
	}, nil
}

// Base returns the address of the first frame.
func (m *Memory) Base() uintptr { return m.base }

// Frames returns the number of usable frames.
func (m *Memory) Frames() int { return m.frames }

// FrameAddr returns the address of the index-th frame.
func (m *Memory) FrameAddr(index int) uintptr {
	return m.base + uintptr(index)*mm.PageSize
}

// Region describes frames [first, first+count) as a single available memory
// map entry.
func (m *Memory) Region(first, count int) multiboot.MemoryMapEntry {
	return multiboot.MemoryMapEntry{
		PhysAddress: uint64(m.FrameAddr(first)),
		Length:      uint64(count) * uint64(mm.PageSize),
		Type:        multiboot.MemAvailable,
	}
}

// Release unmaps the memory.
func (m *Memory) Release() error {
	if m.mapping == nil {
		return nil
	}
	err := unix.Munmap(m.mapping)
	m.mapping = nil
	return err
}
