package vmm

import (
	"nestos/kernel"
	"nestos/kernel/mm"
	"nestos/kernel/sync"
)

var (
	errInvalidSlot       = &kernel.Error{Module: "vmm", Message: "slot indices are out of range"}
	errSlotPoolExhausted = &kernel.Error{Module: "vmm", Message: "no free slots left in pool"}
)

// Slot is a reserved (top-level, second-level) table index pair. It names a
// 1 GiB window of virtual memory whose leaf table belongs to a single address
// space.
type Slot struct {
	P4, P3 uint16
}

// Valid returns true if both indices address an entry of a page table.
func (s Slot) Valid() bool {
	return uintptr(s.P4) < mm.EntriesPerTable && uintptr(s.P3) < mm.EntriesPerTable
}

// Base returns the canonical virtual address of the first byte in the slot.
func (s Slot) Base() uintptr {
	addr := uintptr(s.P4)<<pageLevelShifts[0] | uintptr(s.P3)<<pageLevelShifts[1]
	if s.P4 >= kernelHalfFirstEntry {
		addr |= canonicalHighBits
	}
	return addr
}

// slotOf returns the slot that contains virtAddr.
func slotOf(virtAddr uintptr) Slot {
	return Slot{P4: tableIndex(virtAddr, 0), P3: tableIndex(virtAddr, 1)}
}

// SlotPool hands out the slots [First, Last] that share a top-level index.
// A slot is never given to two holders at the same time.
type SlotPool struct {
	mutex sync.Spinlock

	ready       bool
	p4          uint16
	first, last uint16
	used        [mm.EntriesPerTable / 64]uint64
}

// Init sets up the pool to serve second-level indices [firstP3, lastP3]
// under top-level index p4.
func (p *SlotPool) Init(p4, firstP3, lastP3 uint16) *kernel.Error {
	if !(Slot{P4: p4, P3: lastP3}).Valid() || firstP3 > lastP3 {
		return errInvalidSlot
	}

	p.mutex.Acquire()
	p.p4, p.first, p.last = p4, firstP3, lastP3
	p.ready = true
	p.used = [len(p.used)]uint64{}
	p.mutex.Release()
	return nil
}

// Acquire reserves the lowest free slot.
func (p *SlotPool) Acquire() (Slot, *kernel.Error) {
	p.mutex.Acquire()
	defer p.mutex.Release()

	if !p.ready {
		return Slot{}, errSlotPoolExhausted
	}

	for p3 := p.first; p3 <= p.last; p3++ {
		if p.used[p3>>6]&(1<<(p3&63)) == 0 {
			p.used[p3>>6] |= 1 << (p3 & 63)
			return Slot{P4: p.p4, P3: p3}, nil
		}
	}

	return Slot{}, errSlotPoolExhausted
}

// Release returns a slot to the pool. Slots that do not belong to the pool
// are ignored.
func (p *SlotPool) Release(s Slot) {
	if !p.owns(s) {
		return
	}

	p.mutex.Acquire()
	p.used[s.P3>>6] &^= 1 << (s.P3 & 63)
	p.mutex.Release()
}

// InUse reports whether s is currently reserved.
func (p *SlotPool) InUse(s Slot) bool {
	if !p.owns(s) {
		return false
	}

	p.mutex.Acquire()
	defer p.mutex.Release()
	return p.used[s.P3>>6]&(1<<(s.P3&63)) != 0
}

func (p *SlotPool) owns(s Slot) bool {
	return p.ready && s.Valid() && s.P4 == p.p4 && s.P3 >= p.first && s.P3 <= p.last
}
