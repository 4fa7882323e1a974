package mm

import "nestos/kernel"

var errNotPowerOfTwo = &kernel.Error{Module: "mm", Message: "alignment is not a power of two"}

// AlignUp rounds addr up to the next multiple of align, which must be a
// non-zero power of two.
func AlignUp(addr, align uintptr) uintptr {
	mustBePowerOfTwo(align)
	return (addr + align - 1) &^ (align - 1)
}

// AlignDown rounds addr down to a multiple of align, which must be a non-zero
// power of two.
func AlignDown(addr, align uintptr) uintptr {
	mustBePowerOfTwo(align)
	return addr &^ (align - 1)
}

// IsAligned reports whether addr is a multiple of align, which must be a
// non-zero power of two.
func IsAligned(addr, align uintptr) bool {
	mustBePowerOfTwo(align)
	return addr&(align-1) == 0
}

func mustBePowerOfTwo(align uintptr) {
	if align == 0 || align&(align-1) != 0 {
		panic(errNotPowerOfTwo)
	}
}
