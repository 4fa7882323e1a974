package vmm

import (
	"nestos/kernel"
	"nestos/kernel/mm"
	"unsafe"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode
// a physical address (of a frame or of the next level table) and a set of
// flags.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Address returns the physical address stored in this entry.
func (pte pageTableEntry) Address() uintptr {
	return uintptr(pte) & ptePhysPageMask
}

// SetAddress updates the physical address stored in this entry.
func (pte *pageTableEntry) SetAddress(physAddr uintptr) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | (physAddr & ptePhysPageMask))
}

// Frame returns the huge frame that this leaf entry maps.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame(pte.Address() >> mm.PageShift)
}

// SetFrame updates the entry to map the given frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	pte.SetAddress(frame.Address())
}

// pageTable is a single page table at any level. Indexing it with a value
// outside [0, EntriesPerTable) is a bounds-check failure, never an access to
// a neighbouring table.
type pageTable [mm.EntriesPerTable]pageTableEntry

// tableAt returns the table stored at physAddr, accessed through the
// physical memory mapping that starts at physOffset.
func tableAt(physAddr, physOffset uintptr) *pageTable {
	return (*pageTable)(unsafe.Pointer(physAddr + physOffset))
}

// tableIndex extracts the index into the table at the given level from a
// virtual address.
func tableIndex(virtAddr uintptr, level uint8) uint16 {
	return uint16((virtAddr >> pageLevelShifts[level]) & (mm.EntriesPerTable - 1))
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the top-level table stored at pdtAddr. It calls the supplied walkFn with the
// page table entry that corresponds to each page table level. walkFn decides
// whether the walk descends into the table the entry points to.
func walk(pdtAddr, physOffset, virtAddr uintptr, walkFn pageTableWalker) {
	tableAddr := pdtAddr
	for level := uint8(0); level < pageLevels; level++ {
		pte := &tableAt(tableAddr, physOffset)[tableIndex(virtAddr, level)]
		if !walkFn(level, pte) {
			return
		}
		tableAddr = pte.Address()
	}
}

// translate resolves virtAddr using the tables rooted at pdtAddr.
func translate(pdtAddr, physOffset, virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	walk(pdtAddr, physOffset, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if level == pageLevels-1 || (level != 0 && pte.HasFlags(FlagHugePage)) {
			offsetMask := (uintptr(1) << pageLevelShifts[level]) - 1
			physAddr = (pte.Address() &^ offsetMask) + (virtAddr & offsetMask)
			err = nil
			return false
		}

		return true
	})

	return physAddr, err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address in the currently active address space, or
// ErrInvalidMapping if the address is not mapped. physOffset is the virtual
// address where physical memory is mapped in the kernel half.
func Translate(virtAddr, physOffset uintptr) (uintptr, *kernel.Error) {
	return translate(activePDTFn()&ptePhysPageMask, physOffset, virtAddr)
}

// PageOffset returns the offset within the huge page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}
