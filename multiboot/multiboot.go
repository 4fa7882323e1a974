// Package multiboot reads the multiboot2 information block handed over by the
// boot loader: the physical memory map, loaded modules (the initrd) and the
// kernel command line. Nothing in this package allocates memory.
package multiboot

import "unsafe"

var (
	infoData uintptr
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

// tagHeader describes the header the precedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at an 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// moduleHeader describes the fixed part of a module tag. The NULL-terminated
// module command line follows it.
type moduleHeader struct {
	start uint32
	end   uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType

	reserved uint32
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// Module describes a boot module loaded by the boot loader.
type Module struct {
	// Physical address range occupied by the module contents.
	Start, End uintptr

	// The module command line; usually the module name.
	CmdLine string
}

// ModuleVisitor is invoked by VisitModules for each loaded module. The
// visitor must return true to continue or false to abort the scan.
type ModuleVisitor func(*Module) bool

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for curPtr < endPtr {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// CopyMemRegions copies up to len(dst) memory map entries into dst and returns
// the number of copied entries.
func CopyMemRegions(dst []MemoryMapEntry) int {
	var count int
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if count == len(dst) {
			return false
		}
		dst[count] = *entry
		count++
		return true
	})
	return count
}

// VisitModules invokes the supplied visitor for each module tag.
func VisitModules(visitor ModuleVisitor) {
	var mod Module
	visitTags(tagModules, func(curPtr uintptr, size uint32) bool {
		hdr := (*moduleHeader)(unsafe.Pointer(curPtr))
		mod.Start = uintptr(hdr.start)
		mod.End = uintptr(hdr.end)
		mod.CmdLine = cString(curPtr+8, size-8)
		return visitor(&mod)
	})
}

// CmdLineValue looks up key in the kernel command line. Arguments are space
// separated "key=value" pairs; a bare "key" is reported with its own name as
// the value. The returned string aliases the multiboot info block.
func CmdLineValue(key string) (string, bool) {
	curPtr, size := findTagByType(tagBootCmdLine)
	if size == 0 {
		return "", false
	}

	cmdLine := cString(curPtr, size)
	for start := 0; start < len(cmdLine); {
		end := start
		for end < len(cmdLine) && cmdLine[end] != ' ' {
			end++
		}

		if pair := cmdLine[start:end]; len(pair) != 0 {
			sep := 0
			for sep < len(pair) && pair[sep] != '=' {
				sep++
			}

			if pair[:sep] == key {
				if sep == len(pair) {
					return pair, true
				}
				return pair[sep+1:], true
			}
		}
		start = end + 1
	}

	return "", false
}

// cString returns a string view of the NULL-terminated string stored at ptr
// whose buffer spans at most maxLen bytes.
func cString(ptr uintptr, maxLen uint32) string {
	var strLen uint32
	for ; strLen < maxLen && *(*byte)(unsafe.Pointer(ptr + uintptr(strLen))) != 0; strLen++ {
	}
	if strLen == 0 {
		return ""
	}
	return unsafe.String((*byte)(unsafe.Pointer(ptr)), strLen)
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length excluding the tag header.
//
// If the tag is not present in the multiboot info, findTagByType will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	var (
		foundPtr  uintptr
		foundSize uint32
	)
	visitTags(tagType, func(curPtr uintptr, size uint32) bool {
		foundPtr, foundSize = curPtr, size
		return false
	})
	return foundPtr, foundSize
}

// visitTags invokes fn with the contents pointer and length of every tag of
// the given type until fn returns false.
func visitTags(tagType tagType, fn func(uintptr, uint32) bool) {
	if infoData == 0 {
		return
	}

	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			if !fn(curPtr+8, ptrTagHeader.size-8) {
				return
			}
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}
}
