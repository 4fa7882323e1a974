package vmm

import (
	"nestos/kernel"
	"nestos/kernel/cpu"
	"nestos/kernel/mm"
	"nestos/kernel/sync"
)

const (
	// maxSlotsPerSpace bounds how many slots a single address space may
	// grow to. The kernel space hosts the Go runtime arenas, so the bound
	// leaves room for several of them.
	maxSlotsPerSpace = 16

	// maxOwnedTables covers a top-level table, one level-3 table per
	// distinct top-level index and one leaf table per slot.
	maxOwnedTables = 1 + 2*maxSlotsPerSpace
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	activePDTFn     = cpu.ActivePDT
	switchPDTFn     = cpu.SwitchPDT
	flushTLBEntryFn = cpu.FlushTLBEntry

	errAlreadyInitialized = &kernel.Error{Module: "vmm", Message: "address space already initialized"}
	errNotInitialized     = &kernel.Error{Module: "vmm", Message: "address space not initialized"}
	errInvalidPageCount   = &kernel.Error{Module: "vmm", Message: "page count must be between 1 and the number of entries in a table"}
	errNoContiguousRun    = &kernel.Error{Module: "vmm", Message: "no contiguous run of free pages large enough"}
	errSlotMappedAsHuge   = &kernel.Error{Module: "vmm", Message: "slot is covered by a 1 GiB mapping"}
	errDestroyActiveSpace = &kernel.Error{Module: "vmm", Message: "cannot destroy the active address space"}
	errDestroyKernelSpace = &kernel.Error{Module: "vmm", Message: "cannot destroy a kernel address space"}
	errNotReserved        = &kernel.Error{Module: "vmm", Message: "range is not reserved in this address space"}
)

// SetCPUHooks replaces the functions used to read and load the active
// top-level table and to invalidate TLB entries. A nil argument restores the
// matching CPU primitive.
func SetCPUHooks(activePDT func() uintptr, switchPDT func(uintptr), flushTLBEntry func(uintptr)) {
	activePDTFn, switchPDTFn, flushTLBEntryFn = cpu.ActivePDT, cpu.SwitchPDT, cpu.FlushTLBEntry
	if activePDT != nil {
		activePDTFn = activePDT
	}
	if switchPDT != nil {
		switchPDTFn = switchPDT
	}
	if flushTLBEntry != nil {
		flushTLBEntryFn = flushTLBEntry
	}
}

// AddressSpace is a set of page tables plus the slots whose leaf tables it
// owns. Pages are only ever mapped inside owned slots, so two address spaces
// never alias each other's leaf tables.
//
// A kernel address space shares the top-level table that is active at boot.
// A user address space owns its top-level table, which starts out as a copy
// of the kernel's upper-half entries so kernel code and data stay mapped
// while it is active. As the lower half of that table is private, all user
// spaces map programs at the same virtual addresses.
type AddressSpace struct {
	mutex sync.Spinlock

	ready      bool
	user       bool
	pdtAddr    uintptr
	physOffset uintptr
	frames     mm.FrameAllocator

	// pool supplies additional slots and takes back the slots flagged in
	// pooled when the space is destroyed.
	pool *SlotPool

	// growth serves the extra slots of a user space. They come from the
	// space's own top-level entry, so no other space competes for them.
	growth SlotPool

	slots      [maxSlotsPerSpace]Slot
	leafTables [maxSlotsPerSpace]uintptr
	pooled     [maxSlotsPerSpace]bool

	// slotTables counts the tables addSlot allocated for each slot.
	slotTables [maxSlotsPerSpace]uint8
	slotCount  int

	ownedTables [maxOwnedTables]uintptr
	ownedCount  int
}

// InitKernel sets up a kernel address space that reuses the active top-level
// table and reserves slot for its own mappings. Missing intermediate tables
// for slot are allocated from frames. physOffset is the virtual address where
// physical memory is mapped.
func (as *AddressSpace) InitKernel(slot Slot, physOffset uintptr, frames mm.FrameAllocator) *kernel.Error {
	if as.ready {
		return errAlreadyInitialized
	}
	if !slot.Valid() {
		return errInvalidSlot
	}

	as.reset(false, activePDTFn()&ptePhysPageMask, physOffset, frames, nil)
	if err := as.addSlot(slot, false); err != nil {
		as.release()
		return err
	}

	as.ready = true
	return nil
}

// InitUser sets up a user address space with a fresh top-level table whose
// upper half mirrors kernelSpace and reserves slot, which must lie in the
// lower half. When the space needs to grow it takes the next second-level
// entries under the same top-level entry. On failure every frame taken so
// far is given back.
func (as *AddressSpace) InitUser(kernelSpace *AddressSpace, slot Slot) *kernel.Error {
	if as.ready {
		return errAlreadyInitialized
	}
	if !kernelSpace.ready {
		return errNotInitialized
	}
	if !slot.Valid() || slot.P4 >= kernelHalfFirstEntry {
		return errInvalidSlot
	}

	as.reset(true, 0, kernelSpace.physOffset, kernelSpace.frames, nil)
	if uintptr(slot.P3) < mm.EntriesPerTable-1 {
		if err := as.growth.Init(slot.P4, slot.P3+1, uint16(mm.EntriesPerTable-1)); err != nil {
			return err
		}
		as.pool = &as.growth
	}

	pdtAddr, err := as.allocTable()
	if err != nil {
		return err
	}
	as.pdtAddr = pdtAddr

	kernelPDT := tableAt(kernelSpace.pdtAddr, as.physOffset)
	userPDT := tableAt(as.pdtAddr, as.physOffset)
	copy(userPDT[kernelHalfFirstEntry:], kernelPDT[kernelHalfFirstEntry:])

	if err = as.addSlot(slot, false); err != nil {
		as.release()
		return err
	}

	as.ready = true
	return nil
}

// GrowFrom attaches a pool from which the address space acquires extra slots
// when none of its leaf tables has room for an allocation. It replaces the
// private growth range of a user space.
func (as *AddressSpace) GrowFrom(pool *SlotPool) {
	as.mutex.Acquire()
	as.pool = pool
	as.mutex.Release()
}

// PDT returns the physical address of the top-level table.
func (as *AddressSpace) PDT() uintptr {
	return as.pdtAddr
}

// IsUser returns true for user address spaces.
func (as *AddressSpace) IsUser() bool {
	return as.user
}

// Slots returns the slots owned by the address space. The first entry is
// the one reserved at initialization.
func (as *AddressSpace) Slots() []Slot {
	return as.slots[:as.slotCount]
}

// Base returns the first virtual address of the primary slot.
func (as *AddressSpace) Base() uintptr {
	return as.slots[0].Base()
}

// Activate makes this address space the active one.
func (as *AddressSpace) Activate() {
	switchPDTFn(as.pdtAddr)
}

// IsActive reports whether this address space is the active one.
func (as *AddressSpace) IsActive() bool {
	return as.ready && activePDTFn()&ptePhysPageMask == as.pdtAddr
}

// AllocPages maps count contiguous pages backed by freshly allocated frames
// and returns the first one. The run is the first fit among the owned leaf
// tables; if none fits and a pool is attached, one more slot is acquired.
// Either all pages are mapped or none is.
func (as *AddressSpace) AllocPages(count int) (mm.Page, *kernel.Error) {
	as.mutex.Acquire()
	defer as.mutex.Release()

	slotIndex, first, grown, err := as.claimRun(count)
	if err != nil {
		return mm.InvalidPage, err
	}

	page, err := as.mapRun(slotIndex, first, count)
	if err != nil && grown {
		as.dropLastSlot()
	}
	return page, err
}

// Reserve claims count contiguous pages without backing them with frames
// and returns the first one. Reserved pages are skipped by later AllocPages
// and Reserve calls until Unreserve gives them back. Commit backs them.
func (as *AddressSpace) Reserve(count int) (mm.Page, *kernel.Error) {
	as.mutex.Acquire()
	defer as.mutex.Release()

	slotIndex, first, _, err := as.claimRun(count)
	if err != nil {
		return mm.InvalidPage, err
	}

	leaf := tableAt(as.leafTables[slotIndex], as.physOffset)
	for i := first; i < first+count; i++ {
		leaf[i] = pageTableEntry(FlagReserved)
	}
	return mm.PageFromAddress(as.slots[slotIndex].Base() + uintptr(first)*mm.PageSize), nil
}

// Commit backs the reserved pages [page, page+count) with zeroed frames.
// Pages that are already backed keep their frames. Either every page ends up
// backed or the pages backed by this call are reverted to reserved.
func (as *AddressSpace) Commit(page mm.Page, count int) *kernel.Error {
	as.mutex.Acquire()
	defer as.mutex.Release()

	leaf, first, err := as.reservedRun(page, count)
	if err != nil {
		return err
	}

	var (
		fresh [mm.EntriesPerTable / 8]uint8
		base  = page.Address()
		flags = FlagPresent | FlagRW | FlagHugePage | FlagReserved
	)

	if as.user {
		flags |= FlagUserAccessible
	}

	for i := 0; i < count; i++ {
		pte := &leaf[first+i]
		if pte.HasFlags(FlagPresent) {
			continue
		}

		frame, err := as.frames.AllocFrame()
		if err != nil {
			for j := 0; j < i; j++ {
				if fresh[j>>3]&(1<<uint(j&7)) == 0 {
					continue
				}
				as.frames.FreeFrame(leaf[first+j].Frame())
				leaf[first+j] = pageTableEntry(FlagReserved)
				flushTLBEntryFn(base + uintptr(j)*mm.PageSize)
			}
			return err
		}

		kernel.Memset(frame.Address()+as.physOffset, 0, mm.PageSize)
		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(flags)
		flushTLBEntryFn(base + uintptr(i)*mm.PageSize)
		fresh[i>>3] |= 1 << uint(i&7)
	}

	return nil
}

// Unreserve frees the frames backing the reserved pages in
// [page, page+count) and returns the pages to the free pool. Entries that
// were not obtained through Reserve are left untouched, as is anything
// outside the owned slots.
func (as *AddressSpace) Unreserve(page mm.Page, count int) {
	as.mutex.Acquire()
	defer as.mutex.Release()

	slotIndex := as.slotIndexOf(page.Address())
	if slotIndex < 0 || count <= 0 {
		return
	}

	var (
		leaf  = tableAt(as.leafTables[slotIndex], as.physOffset)
		first = int(tableIndex(page.Address(), leafLevel))
		base  = page.Address()
	)

	if limit := int(mm.EntriesPerTable) - first; count > limit {
		count = limit
	}

	for i := 0; i < count; i++ {
		pte := &leaf[first+i]
		if !pte.HasFlags(FlagReserved) {
			continue
		}
		if pte.HasFlags(FlagPresent) {
			as.frames.FreeFrame(pte.Frame())
			flushTLBEntryFn(base + uintptr(i)*mm.PageSize)
		}
		*pte = 0
	}
}

// FreeAddr unmaps the page containing virtAddr and frees its frame. Nothing
// happens when the address lies outside the owned slots or is not mapped.
func (as *AddressSpace) FreeAddr(virtAddr uintptr) {
	as.mutex.Acquire()
	defer as.mutex.Release()

	slotIndex := as.slotIndexOf(virtAddr)
	if slotIndex < 0 {
		return
	}

	var leaf *pageTableEntry
	walk(as.pdtAddr, as.physOffset, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}
		if level == leafLevel {
			leaf = pte
			return false
		}
		return true
	})

	if leaf == nil || !leaf.HasFlags(FlagHugePage) {
		return
	}

	as.frames.FreeFrame(leaf.Frame())
	*leaf = 0
	flushTLBEntryFn(virtAddr &^ (mm.PageSize - 1))
}

// Translate returns the physical address that virtAddr maps to in this
// address space.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	if !as.ready {
		return 0, errNotInitialized
	}
	return translate(as.pdtAddr, as.physOffset, virtAddr)
}

// CopyIn copies data to virtAddr of this address space through the kernel's
// physical memory mapping, so the space does not need to be active. The
// whole destination range must be mapped.
func (as *AddressSpace) CopyIn(virtAddr uintptr, data []byte) *kernel.Error {
	for len(data) != 0 {
		physAddr, err := as.Translate(virtAddr)
		if err != nil {
			return err
		}

		chunk := int(mm.PageSize - PageOffset(virtAddr))
		if chunk > len(data) {
			chunk = len(data)
		}

		copy(kernel.ByteSlice(physAddr+as.physOffset, uintptr(chunk)), data[:chunk])
		data = data[chunk:]
		virtAddr += uintptr(chunk)
	}

	return nil
}

// MappedPages returns the number of pages currently mapped in the owned
// slots.
func (as *AddressSpace) MappedPages() int {
	as.mutex.Acquire()
	defer as.mutex.Release()

	var count int
	for slotIndex := 0; slotIndex < as.slotCount; slotIndex++ {
		leaf := tableAt(as.leafTables[slotIndex], as.physOffset)
		for i := range leaf {
			if leaf[i].HasFlags(FlagPresent) {
				count++
			}
		}
	}
	return count
}

// Destroy unmaps every page in the owned slots, frees their frames and all
// tables the address space allocated, and returns its slots to the pool.
// Only inactive user address spaces can be destroyed.
func (as *AddressSpace) Destroy() *kernel.Error {
	if !as.ready {
		return errNotInitialized
	}
	if !as.user {
		return errDestroyKernelSpace
	}
	if as.IsActive() {
		return errDestroyActiveSpace
	}

	as.mutex.Acquire()
	defer as.mutex.Release()

	for slotIndex := 0; slotIndex < as.slotCount; slotIndex++ {
		base := as.slots[slotIndex].Base()
		leaf := tableAt(as.leafTables[slotIndex], as.physOffset)
		for i := range leaf {
			if !leaf[i].HasFlags(FlagPresent) {
				continue
			}
			as.frames.FreeFrame(leaf[i].Frame())
			leaf[i] = 0
			flushTLBEntryFn(base + uintptr(i)*mm.PageSize)
		}
	}

	as.release()
	as.ready = false
	return nil
}

// reset clears all state and records the supplied parameters.
func (as *AddressSpace) reset(user bool, pdtAddr, physOffset uintptr, frames mm.FrameAllocator, pool *SlotPool) {
	as.user = user
	as.pdtAddr = pdtAddr
	as.physOffset = physOffset
	as.frames = frames
	as.pool = pool
	as.slotCount = 0
	as.ownedCount = 0
}

// tableFlags returns the flags for entries that point to lower level tables.
func (as *AddressSpace) tableFlags() PageTableEntryFlag {
	if as.user {
		return FlagPresent | FlagRW | FlagUserAccessible
	}
	return FlagPresent | FlagRW
}

// allocTable allocates and clears a frame for a page table and records it
// so it can be freed by release.
func (as *AddressSpace) allocTable() (uintptr, *kernel.Error) {
	frame, err := as.frames.AllocFrame()
	if err != nil {
		return 0, err
	}

	physAddr := frame.Address()
	kernel.Memset(physAddr+as.physOffset, 0, mm.TableSize)
	as.ownedTables[as.ownedCount] = physAddr
	as.ownedCount++
	return physAddr, nil
}

// addSlot makes sure the level-3 and leaf tables for slot exist and records
// slot as owned. Tables allocated by a failed call are unlinked and freed.
func (as *AddressSpace) addSlot(slot Slot, pooled bool) *kernel.Error {
	var (
		p4Entry   = &tableAt(as.pdtAddr, as.physOffset)[slot.P4]
		newTables uint8
	)

	if !p4Entry.HasFlags(FlagPresent) {
		tableAddr, err := as.allocTable()
		if err != nil {
			return err
		}
		as.link(p4Entry, tableAddr)
		newTables++
	}

	p3Entry := &tableAt(p4Entry.Address(), as.physOffset)[slot.P3]
	switch {
	case p3Entry.HasFlags(FlagPresent | FlagHugePage):
		return errSlotMappedAsHuge
	case !p3Entry.HasFlags(FlagPresent):
		tableAddr, err := as.allocTable()
		if err != nil {
			if newTables != 0 {
				*p4Entry = 0
				as.dropLastTable()
			}
			return err
		}
		as.link(p3Entry, tableAddr)
		newTables++
	}

	as.slots[as.slotCount] = slot
	as.leafTables[as.slotCount] = p3Entry.Address()
	as.pooled[as.slotCount] = pooled
	as.slotTables[as.slotCount] = newTables
	as.slotCount++
	return nil
}

// dropLastSlot undoes the most recent addSlot call. The slot must not have
// any mapped pages.
func (as *AddressSpace) dropLastSlot() {
	as.slotCount--
	slot := as.slots[as.slotCount]
	p4Entry := &tableAt(as.pdtAddr, as.physOffset)[slot.P4]

	switch as.slotTables[as.slotCount] {
	case 2:
		*p4Entry = 0
		as.dropLastTable()
		as.dropLastTable()
	case 1:
		tableAt(p4Entry.Address(), as.physOffset)[slot.P3] = 0
		as.dropLastTable()
	}

	if as.pooled[as.slotCount] && as.pool != nil {
		as.pool.Release(slot)
	}
}

// link points entry to the table at tableAddr.
func (as *AddressSpace) link(entry *pageTableEntry, tableAddr uintptr) {
	*entry = 0
	entry.SetAddress(tableAddr)
	entry.SetFlags(as.tableFlags())
}

// dropLastTable frees the most recently allocated table.
func (as *AddressSpace) dropLastTable() {
	as.ownedCount--
	as.frames.FreeFrame(mm.Frame(as.ownedTables[as.ownedCount] >> mm.PageShift))
}

// release frees every owned table and returns pooled slots.
func (as *AddressSpace) release() {
	for as.ownedCount > 0 {
		as.dropLastTable()
	}

	for i := 0; i < as.slotCount; i++ {
		if as.pooled[i] && as.pool != nil {
			as.pool.Release(as.slots[i])
		}
	}
	as.slotCount = 0
}

// claimRun locates the first fit for count pages, acquiring one more slot
// from the pool when no owned leaf table has room. grown reports whether the
// run lies in a slot acquired by this call.
func (as *AddressSpace) claimRun(count int) (slotIndex, first int, grown bool, err *kernel.Error) {
	if count <= 0 || uintptr(count) > mm.EntriesPerTable {
		return 0, 0, false, errInvalidPageCount
	}
	if !as.ready {
		return 0, 0, false, errNotInitialized
	}

	for slotIndex = 0; slotIndex < as.slotCount; slotIndex++ {
		if first, found := findFreeRun(tableAt(as.leafTables[slotIndex], as.physOffset), count); found {
			return slotIndex, first, false, nil
		}
	}

	if as.pool == nil || as.slotCount == maxSlotsPerSpace {
		return 0, 0, false, errNoContiguousRun
	}

	slot, err := as.pool.Acquire()
	if err != nil {
		return 0, 0, false, err
	}

	if err = as.addSlot(slot, true); err != nil {
		as.pool.Release(slot)
		return 0, 0, false, err
	}

	return as.slotCount - 1, 0, true, nil
}

// reservedRun returns the leaf table and first entry index of the range
// [page, page+count), which must lie in one owned slot and consist of
// reserved entries only.
func (as *AddressSpace) reservedRun(page mm.Page, count int) (*pageTable, int, *kernel.Error) {
	if count <= 0 || uintptr(count) > mm.EntriesPerTable {
		return nil, 0, errInvalidPageCount
	}

	slotIndex := as.slotIndexOf(page.Address())
	if slotIndex < 0 {
		return nil, 0, errNotReserved
	}

	first := int(tableIndex(page.Address(), leafLevel))
	if first+count > int(mm.EntriesPerTable) {
		return nil, 0, errNotReserved
	}

	leaf := tableAt(as.leafTables[slotIndex], as.physOffset)
	for i := first; i < first+count; i++ {
		if !leaf[i].HasFlags(FlagReserved) {
			return nil, 0, errNotReserved
		}
	}
	return leaf, first, nil
}

// mapRun maps count pages starting at entry first of the slotIndex-th leaf
// table. On failure the entries mapped so far are rolled back.
func (as *AddressSpace) mapRun(slotIndex, first, count int) (mm.Page, *kernel.Error) {
	var (
		leaf  = tableAt(as.leafTables[slotIndex], as.physOffset)
		base  = as.slots[slotIndex].Base() + uintptr(first)*mm.PageSize
		flags = FlagPresent | FlagRW | FlagHugePage
	)

	if as.user {
		flags |= FlagUserAccessible
	}

	for i := 0; i < count; i++ {
		frame, err := as.frames.AllocFrame()
		if err != nil {
			for j := 0; j < i; j++ {
				as.frames.FreeFrame(leaf[first+j].Frame())
				leaf[first+j] = 0
				flushTLBEntryFn(base + uintptr(j)*mm.PageSize)
			}
			return mm.InvalidPage, err
		}

		pte := &leaf[first+i]
		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(flags)
		flushTLBEntryFn(base + uintptr(i)*mm.PageSize)
	}

	return mm.PageFromAddress(base), nil
}

// slotIndexOf returns the index of the owned slot containing virtAddr or -1.
func (as *AddressSpace) slotIndexOf(virtAddr uintptr) int {
	slot := slotOf(virtAddr)
	for i := 0; i < as.slotCount; i++ {
		if as.slots[i] == slot {
			return i
		}
	}
	return -1
}

// findFreeRun returns the index of the first run of count entries in table
// that are neither present nor reserved.
func findFreeRun(table *pageTable, count int) (int, bool) {
	runStart, runLen := 0, 0
	for i := range table {
		if table[i].HasAnyFlag(FlagPresent | FlagReserved) {
			runStart, runLen = i+1, 0
			continue
		}

		runLen++
		if runLen == count {
			return runStart, true
		}
	}
	return 0, false
}
