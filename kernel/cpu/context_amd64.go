package cpu

// ContextResult tells the caller of SaveContext which pass it is on.
type ContextResult uint64

const (
	// ContextSaved is returned when SaveContext stores a continuation.
	ContextSaved ContextResult = iota

	// ContextRestored is returned when execution resumes at a continuation
	// through RestoreContext.
	ContextRestored
)

// String implements fmt.Stringer.
func (r ContextResult) String() string {
	switch r {
	case ContextSaved:
		return "saved"
	case ContextRestored:
		return "restored"
	default:
		return "unknown"
	}
}

// Context is the minimal continuation needed to resume a suspended kernel
// path: its stack pointer, frame pointer and the address to return to. The
// field order is relied upon by cpu_amd64.s.
type Context struct {
	RSP uint64
	RBP uint64
	RIP uint64
}

// SaveContext stores the caller's continuation into ctx and returns
// ContextSaved. When RestoreContext is later invoked with the same ctx,
// execution continues as if this call returned a second time, now with
// ContextRestored.
//
// SaveContext must be called directly (never through a function value) by a
// function whose frame stays live until the continuation is restored.
//
// The saved RSP points into the kernel stack of the suspended task, below
// the frames of its syscall handler and the iret frame pushed by the gate.
// Those frames must survive until RestoreContext runs, so the syscall and
// interrupt gates have to enter every task on its own kernel stack (a
// per-task rsp0 in the TSS). A gate that enters all tasks at one shared
// rsp0 lets the next task overwrite the suspended frames.
func SaveContext(ctx *Context) ContextResult

// RestoreContext loads pdt into CR3, unless it is zero, and resumes the
// continuation stored in ctx. Both happen with interrupts disabled and
// without touching the current stack after the switch, so the caller may be
// running on a stack that pdt does not map. It never returns.
func RestoreContext(ctx *Context, pdt uintptr)

// JumpToEntry loads pdt into CR3, unless it is zero, switches to the
// supplied stack and transfers control to entry. Interrupts are disabled
// while the switch happens and re-enabled right before the jump. It never
// returns.
func JumpToEntry(pdt, entry, stackTop uintptr)
