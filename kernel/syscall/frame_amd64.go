package syscall

import (
	"io"
	"nestos/kernel/kfmt"
)

// Frame contains a snapshot of all register values when a task enters the
// kernel through the syscall gate. Arguments are passed in RDI, RSI and RDX
// and the syscall number in RAX, which also receives the result.
type Frame struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (f *Frame) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", f.RAX, f.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", f.RCX, f.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", f.RSI, f.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", f.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", f.R8, f.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", f.R10, f.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", f.R12, f.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", f.R14, f.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", f.RIP, f.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", f.RSP, f.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", f.RFlags)
}

// args returns the first three syscall arguments.
func (f *Frame) args() (uint64, uint64, uint64) {
	return f.RDI, f.RSI, f.RDX
}
