// Package kmain brings up the kernel services in dependency order and hands
// control to the first user program.
package kmain

import (
	"nestos/kernel"
	"nestos/kernel/cpu"
	"nestos/kernel/driver"
	"nestos/kernel/goruntime"
	"nestos/kernel/kfmt"
	"nestos/kernel/mm"
	"nestos/kernel/mm/pmm"
	"nestos/kernel/syscall"
	"nestos/multiboot"
)

const (
	// maxMemRegions bounds the number of memory map entries kept after
	// boot.
	maxMemRegions = 64

	// initrdModule is the command line of the boot module holding the
	// initrd. When no module carries it, the first module is used.
	initrdModule = "initrd"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	driverInitFn  = driver.Driver.DriverInit
	runtimeInitFn = goruntime.Init

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errNoMemoryMap   = &kernel.Error{Module: "kmain", Message: "bootloader did not supply a memory map"}

	// kern is the kernel context. It is statically allocated so that it
	// exists before any allocator does.
	kern Kernel

	memMap [maxMemRegions]multiboot.MemoryMapEntry
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	kern.Console.Base = serialBase
	kern.Console.Mirror = true
	if err := driverInitFn(&kern.Console, &kern.Console); err != nil {
		panic(err)
	}
	kfmt.SetOutputSink(&kern.Console)
	kfmt.Printf("[kmain] starting nestos (intel cpu: %t)\n", cpu.IsIntel())

	boot, err := bootInfo(kernelStart, kernelEnd)
	if err != nil {
		panic(err)
	}

	cfg := parseConfig(multiboot.CmdLineValue)
	if err = kern.Setup(cfg, boot); err != nil {
		panic(err)
	}

	if err = kern.Tasks.Init(cfg.Init); err != nil {
		panic(err)
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// HandleSyscall is invoked by the syscall gate with the registers of the
// calling task.
//
//go:noinline
func HandleSyscall(f *syscall.Frame) {
	kern.Syscalls.Dispatch(f)
}

// HandleTimer is invoked by the timer interrupt gate.
//
//go:noinline
func HandleTimer() {
	kern.Timer.Tick()
}

// bootInfo collects the memory map and the initrd module and places the
// frame allocator bitmap right after whichever of the kernel image and the
// boot modules ends last.
func bootInfo(kernelStart, kernelEnd uintptr) (BootInfo, *kernel.Error) {
	var boot BootInfo

	regionCount := multiboot.CopyMemRegions(memMap[:])
	if regionCount == 0 {
		return boot, errNoMemoryMap
	}
	boot.Regions = memMap[:regionCount]

	imageEnd := kernelEnd
	var initrdStart, initrdEnd uintptr
	multiboot.VisitModules(func(mod *multiboot.Module) bool {
		if mod.End > imageEnd {
			imageEnd = mod.End
		}
		if initrdEnd == 0 || mod.CmdLine == initrdModule {
			initrdStart, initrdEnd = mod.Start, mod.End
		}
		return true
	})
	if initrdEnd > initrdStart {
		boot.Initrd = kernel.ByteSlice(initrdStart+mm.KernelBase, initrdEnd-initrdStart)
	}

	bitmapPhys := mm.AlignUp(imageEnd, 8)
	boot.BitmapAddr = bitmapPhys + mm.KernelBase
	boot.ImageEnd = bitmapPhys + pmm.BitmapSize(boot.Regions)
	boot.PhysOffset = mm.KernelBase
	boot.Log = &kern.Console

	kfmt.Printf("[kmain] kernel image at 0x%x-0x%x, boot data ends at 0x%x\n", kernelStart, kernelEnd, boot.ImageEnd)
	return boot, nil
}
