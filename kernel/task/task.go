// Package task runs user programs. Tasks nest strictly: a running task may
// spawn one child and stays suspended until that child exits, so the live
// tasks form a stack whose top is the running task.
package task

import (
	"nestos/kernel/cpu"
	"nestos/kernel/fs"
	"nestos/kernel/mm"
	"nestos/kernel/mm/vmm"
)

const (
	// MaxTasks bounds the nesting depth.
	MaxTasks = 8

	// MaxOpenFiles is the size of a task's descriptor table.
	MaxOpenFiles = 16

	// CodeAddr, HeapAddr and StackAddr are the fixed virtual addresses of
	// a program's code, heap and stack pages. Images are flat binaries that
	// start executing at CodeAddr.
	CodeAddr  = uintptr(0)
	HeapAddr  = CodeAddr + codePages*mm.PageSize
	StackAddr = HeapAddr + heapPages*mm.PageSize

	codePages   = 1
	heapPages   = 4
	stackPages  = 1
	layoutPages = codePages + heapPages + stackPages

	// stackReserve is left unused at the top of the initial stack.
	stackReserve = 8
)

// programSlot is the slot holding CodeAddr. Every task maps it in its own
// top-level table.
var programSlot = vmm.Slot{P4: 0, P3: 0}

// State describes where a task is in its lifecycle.
type State uint8

const (
	// Created tasks have an address space but have not run yet.
	Created State = iota

	// Running is the state of the single task currently executing.
	Running

	// Suspended tasks wait for the child they spawned to exit.
	Suspended

	// Terminated tasks have exited.
	Terminated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// FileDescriptor is an open node and the position of the next read or
// write.
type FileDescriptor struct {
	Node   fs.Node
	Offset uint64
}

// Task is a program with its own address space.
type Task struct {
	// ID equals the depth of the task in the nesting stack. The bootstrap
	// task has ID 0.
	ID    int
	State State

	// Regs holds the continuation saved when the task spawned a child.
	Regs cpu.Context

	// Space maps the program's code, heap and stack.
	Space vmm.AddressSpace

	entry    uintptr
	stackTop uintptr
	files    [MaxOpenFiles]FileDescriptor
}

// Entry returns the address where the program starts executing.
func (t *Task) Entry() uintptr {
	return t.entry
}

// StackTop returns the initial stack pointer.
func (t *Task) StackTop() uintptr {
	return t.stackTop
}

// File returns the descriptor stored at fd.
func (t *Task) File(fd int) (FileDescriptor, bool) {
	if fd < 0 || fd >= MaxOpenFiles || t.files[fd].Node == nil {
		return FileDescriptor{}, false
	}
	return t.files[fd], true
}
