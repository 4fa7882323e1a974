package kmain

import (
	"io"
	"nestos/kernel"
	"nestos/kernel/driver/serial"
	"nestos/kernel/fs"
	"nestos/kernel/kfmt"
	"nestos/kernel/mm"
	"nestos/kernel/mm/heap"
	"nestos/kernel/mm/pmm"
	"nestos/kernel/mm/vmm"
	"nestos/kernel/syscall"
	"nestos/kernel/task"
	"nestos/kernel/timer"
	"nestos/multiboot"
)

const (
	serialBase = serial.COM1

	defaultInit      = "/init"
	defaultConsole   = "/dev/serial"
	defaultHeapPages = 4

	// kernel mappings live under the last top-level entry. Second-level
	// entries 510 and 511 hold the boot mapping of physical memory. User
	// programs own the lower half of their private top-level tables.
	kernelP4         = 511
	kernelHeapP3     = 509
	kernelGrowFirst  = 256
	kernelGrowLast   = 508
	consoleDevice    = "serial"
	maxHeapPageCount = int(mm.EntriesPerTable)
)

// Dump writers for the boot log.
var (
	pmmLog   = kfmt.PrefixWriter{Prefix: []byte("[pmm] ")}
	fsLog    = kfmt.PrefixWriter{Prefix: []byte("[fs] ")}
	timerLog = kfmt.PrefixWriter{Prefix: []byte("[timer] ")}
)

// Config holds the settings read from the boot command line.
type Config struct {
	// Init is the path of the first user program.
	Init string

	// HeapPages is the size of the kernel heap in pages.
	HeapPages int

	// Console is the path of the device opened as descriptor 0 of every
	// task.
	Console string
}

// BootInfo describes the machine state handed over by the bootloader.
type BootInfo struct {
	// Regions is the memory map.
	Regions []multiboot.MemoryMapEntry

	// BitmapAddr is the virtual address reserved for the frame bitmap.
	BitmapAddr uintptr

	// ImageEnd is the physical address past the kernel image, the boot
	// modules and the frame bitmap. Frames below it are never handed out.
	ImageEnd uintptr

	// PhysOffset is the virtual address where physical memory is mapped.
	PhysOffset uintptr

	// Initrd is the initrd archive, if one was loaded.
	Initrd []byte

	// Log receives driver output and syscall diagnostics.
	Log io.Writer
}

// Kernel ties the kernel services together. Each service only depends on
// the ones declared before it.
type Kernel struct {
	Console     serial.Port
	Frames      pmm.BitmapAllocator
	Space       vmm.AddressSpace
	KernelSlots vmm.SlotPool
	Heap        heap.BumpAllocator
	FS          fs.VFS
	Timer       timer.Timer
	Tasks       task.Registry
	Syscalls    syscall.Table
}

// Setup initializes every service of k in dependency order. It stops at the
// first error.
func (k *Kernel) Setup(cfg Config, boot BootInfo) *kernel.Error {
	var err *kernel.Error

	if err = k.Frames.Init(boot.Regions, boot.BitmapAddr); err != nil {
		return err
	}
	reserved := k.reserveBootFrames(boot.ImageEnd)
	k.Frames.PrintMemoryMap(pmmLog.Attach(boot.Log))
	kfmt.Fprintf(boot.Log, "[kmain] %d frames hold boot data\n", reserved)

	if err = k.Space.InitKernel(vmm.Slot{P4: kernelP4, P3: kernelHeapP3}, boot.PhysOffset, &k.Frames); err != nil {
		return err
	}
	if err = k.KernelSlots.Init(kernelP4, kernelGrowFirst, kernelGrowLast); err != nil {
		return err
	}
	k.Space.GrowFrom(&k.KernelSlots)

	if err = k.Heap.Init(&k.Space, cfg.HeapPages); err != nil {
		return err
	}
	stats := k.Heap.Stats()
	kfmt.Fprintf(boot.Log, "[heap] 0x%x-0x%x\n", stats.Start, stats.End)

	// From here on the Go allocator reserves its arenas in the kernel space.
	if err = runtimeInitFn(&k.Space, &k.Timer); err != nil {
		return err
	}

	if len(boot.Initrd) == 0 {
		kfmt.Fprintf(boot.Log, "[kmain] no initrd loaded\n")
	} else if err = k.FS.MountInitrd(boot.Initrd); err != nil {
		return err
	}
	if err = k.FS.RegisterDevice(consoleDevice, &k.Console); err != nil {
		return err
	}
	k.FS.PrintTree(fsLog.Attach(boot.Log))

	if err = driverInitFn(&k.Timer, timerLog.Attach(boot.Log)); err != nil {
		return err
	}

	if err = k.Tasks.Setup(task.Config{
		KernelSpace: &k.Space,
		Heap:        &k.Heap,
		FS:          &k.FS,
		Console:     cfg.Console,
	}); err != nil {
		return err
	}

	k.Syscalls = syscall.Table{Tasks: &k.Tasks, Clock: &k.Timer, Log: boot.Log}
	return nil
}

// reserveBootFrames keeps every frame below imageEnd allocated and returns
// how many frames it took.
func (k *Kernel) reserveBootFrames(imageEnd uintptr) int {
	var reserved int
	for {
		frame, err := k.Frames.AllocFrame()
		if err != nil {
			return reserved
		}
		if frame.Address() >= imageEnd {
			k.Frames.FreeFrame(frame)
			return reserved
		}
		reserved++
	}
}

// parseConfig builds a Config from the command line values returned by
// lookup. Missing or malformed values keep their defaults.
func parseConfig(lookup func(key string) (string, bool)) Config {
	cfg := Config{Init: defaultInit, HeapPages: defaultHeapPages, Console: defaultConsole}

	if v, ok := lookup("init"); ok && v != "" {
		cfg.Init = v
	}
	if v, ok := lookup("console"); ok && v != "" {
		cfg.Console = v
	}
	if v, ok := lookup("heap_pages"); ok {
		if n, valid := parseCount(v); valid && n > 0 && n <= maxHeapPageCount {
			cfg.HeapPages = n
		} else {
			kfmt.Printf("[kmain] ignoring heap_pages=%s; using %d\n", v, defaultHeapPages)
		}
	}

	return cfg
}

// parseCount parses a decimal number without allocating.
func parseCount(s string) (int, bool) {
	if len(s) == 0 || len(s) > 9 {
		return 0, false
	}

	var n int
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
		n = n*10 + int(s[i]-'0')
	}
	return n, true
}
