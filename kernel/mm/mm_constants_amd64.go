package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). Physical frames and virtual
	// pages are both 2 MiB huge pages.
	PageShift = uintptr(21)

	// PageSize defines the size of a frame or page in bytes.
	PageSize = uintptr(1 << PageShift)

	// TableShift is equal to log2(TableSize).
	TableShift = uintptr(12)

	// TableSize is the size in bytes of a single page table. Tables are
	// still carved out of whole frames.
	TableSize = uintptr(1 << TableShift)

	// EntriesPerTable is the number of entries in each page table level.
	EntriesPerTable = TableSize >> PointerShift

	// KernelBase is the virtual address where physical memory starts to be
	// mapped in the kernel's half of every address space. Adding it to a
	// physical address yields an address the kernel can dereference.
	KernelBase = uintptr(0xffffffff80000000)
)
