package main

import (
	"nestos/kernel/kmain"
	"nestos/kernel/syscall"
)

var (
	multibootInfoPtr uintptr
	syscallFrame     syscall.Frame
)

// main makes dummy calls to the kernel entrypoints invoked by the rt0 and
// gate assembly code. It is intentionally defined to prevent the Go compiler
// from optimizing away the real kernel code.
//
// Global variables are passed as arguments to prevent the compiler from
// inlining the actual calls and removing them from the generated .o file.
func main() {
	kmain.HandleSyscall(&syscallFrame)
	kmain.HandleTimer()
	kmain.Kmain(multibootInfoPtr, 0, 0)
}
