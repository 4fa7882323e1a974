// Package syscall maps syscall numbers raised by user programs to kernel
// services. Every failure is reported to the caller as a negative value in
// RAX.
package syscall

import (
	"io"
	"nestos/kernel"
	"nestos/kernel/kfmt"
	"unsafe"
)

// Syscall numbers.
const (
	Read   = 0
	Write  = 1
	Open   = 2
	Close  = 3
	Sleep  = 4
	Exit   = 5
	GetPID = 6
	Uptime = 7
	Exec   = 8
	Blit   = 9
	Fseek  = 10
)

const (
	// Failure is the value returned for any failed syscall.
	Failure = ^uint64(0)

	// MaxPathLen bounds the length of path arguments, terminator included.
	MaxPathLen = 256

	// userSpaceEnd is the first address of the kernel half.
	userSpaceEnd = uint64(1) << 47
)

var (
	errBadAddress   = &kernel.Error{Module: "syscall", Message: "argument points outside user memory"}
	errPathTooLong  = &kernel.Error{Module: "syscall", Message: "path is not terminated within the length limit"}
	errUnsupported  = &kernel.Error{Module: "syscall", Message: "syscall not supported"}
	errBadArgument  = &kernel.Error{Module: "syscall", Message: "argument out of range"}
	errMissingTable = &kernel.Error{Module: "syscall", Message: "syscall table is not wired"}

	frameLog = kfmt.PrefixWriter{Prefix: []byte("[syscall] ")}
)

// Tasks is the task registry as seen by syscalls. File operations act on the
// descriptors of the running task.
type Tasks interface {
	Open(path string) (int, *kernel.Error)
	Close(fd int) *kernel.Error
	Read(fd int, buf []byte) (int, *kernel.Error)
	Write(fd int, buf []byte) (int, *kernel.Error)
	Seek(fd int, offset int64, whence int) (uint64, *kernel.Error)
	Execute(path string) *kernel.Error
	Exit() *kernel.Error
	CurrentID() int
}

// Clock provides sleeping and uptime.
type Clock interface {
	Sleep(ticks uint64)
	Uptime() uint64
}

// Table routes syscalls to the kernel services.
type Table struct {
	Tasks Tasks
	Clock Clock

	// Log receives diagnostics about rejected syscalls.
	Log io.Writer
}

// Dispatch runs the syscall described by f and stores its result in f.RAX.
func (t *Table) Dispatch(f *Frame) {
	ret, err := t.dispatch(f)
	if err != nil {
		kfmt.Fprintf(t.Log, "[syscall] %d from rip 0x%x failed: %s\n", f.RAX, f.RIP, err.Message)
		if err == errUnsupported && t.Log != nil {
			f.DumpTo(frameLog.Attach(t.Log))
		}
		f.RAX = Failure
		return
	}
	f.RAX = ret
}

func (t *Table) dispatch(f *Frame) (uint64, *kernel.Error) {
	if t.Tasks == nil || t.Clock == nil {
		return 0, errMissingTable
	}

	arg0, arg1, arg2 := f.args()

	switch f.RAX {
	case Read, Write:
		buf, err := userBytes(arg2, arg1)
		if err != nil {
			return 0, err
		}

		var n int
		if f.RAX == Read {
			n, err = t.Tasks.Read(int(arg0), buf)
		} else {
			n, err = t.Tasks.Write(int(arg0), buf)
		}
		return uint64(n), err
	case Open:
		path, err := userString(arg0)
		if err != nil {
			return 0, err
		}
		fd, err := t.Tasks.Open(path)
		return uint64(fd), err
	case Close:
		return 0, t.Tasks.Close(int(arg0))
	case Sleep:
		t.Clock.Sleep(arg0)
		return 0, nil
	case Exit:
		return 0, t.Tasks.Exit()
	case GetPID:
		return uint64(t.Tasks.CurrentID()), nil
	case Uptime:
		return t.Clock.Uptime(), nil
	case Exec:
		path, err := userString(arg0)
		if err != nil {
			return 0, err
		}
		return 0, t.Tasks.Execute(path)
	case Fseek:
		if arg2 > 2 {
			return 0, errBadArgument
		}
		return t.Tasks.Seek(int(arg0), int64(arg1), int(arg2))
	default:
		// Blit has no framebuffer to draw on.
		return 0, errUnsupported
	}
}

// userBytes returns the user buffer [addr, addr+size).
func userBytes(addr, size uint64) ([]byte, *kernel.Error) {
	if size == 0 {
		return nil, nil
	}
	if addr == 0 || addr >= userSpaceEnd || size > userSpaceEnd-addr {
		return nil, errBadAddress
	}
	return kernel.ByteSlice(uintptr(addr), uintptr(size)), nil
}

// userString returns the NUL terminated string at addr. The string shares
// the user's memory.
func userString(addr uint64) (string, *kernel.Error) {
	if addr == 0 || addr >= userSpaceEnd {
		return "", errBadAddress
	}

	for n := uint64(0); n < MaxPathLen && addr+n < userSpaceEnd; n++ {
		if *(*byte)(unsafe.Pointer(uintptr(addr + n))) == 0 {
			return unsafe.String((*byte)(unsafe.Pointer(uintptr(addr))), int(n)), nil
		}
	}
	return "", errPathTooLong
}
