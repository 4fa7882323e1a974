// Package cpu exposes the handful of privileged x86_64 instructions the kernel
// relies on. Every function without a body is implemented in cpu_amd64.s.
package cpu

var (
	cpuidFn = ID
)

// DisableInterrupts masks maskable interrupts. RestoreContext and
// JumpToEntry unmask them again.
func DisableInterrupts()

// Halt stops instruction execution until the next interrupt arrives.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the value of the CR3 register, i.e. the physical address
// of the currently active top-level page table plus its control bits.
func ActivePDT() uintptr

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8
