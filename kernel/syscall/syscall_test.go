package syscall

import (
	"bytes"
	"nestos/kernel"
	"strings"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
)

var errFake = &kernel.Error{Module: "test", Message: "fake failure"}

type call struct {
	Op     string
	FD     int
	Path   string
	Data   string
	Offset int64
	Whence int
}

type fakeTasks struct {
	calls []call
	input string
	fail  bool
}

func (f *fakeTasks) result() *kernel.Error {
	if f.fail {
		return errFake
	}
	return nil
}

func (f *fakeTasks) Open(path string) (int, *kernel.Error) {
	f.calls = append(f.calls, call{Op: "open", Path: path})
	return 3, f.result()
}

func (f *fakeTasks) Close(fd int) *kernel.Error {
	f.calls = append(f.calls, call{Op: "close", FD: fd})
	return f.result()
}

func (f *fakeTasks) Read(fd int, buf []byte) (int, *kernel.Error) {
	f.calls = append(f.calls, call{Op: "read", FD: fd})
	return copy(buf, f.input), f.result()
}

func (f *fakeTasks) Write(fd int, buf []byte) (int, *kernel.Error) {
	f.calls = append(f.calls, call{Op: "write", FD: fd, Data: string(buf)})
	return len(buf), f.result()
}

func (f *fakeTasks) Seek(fd int, offset int64, whence int) (uint64, *kernel.Error) {
	f.calls = append(f.calls, call{Op: "seek", FD: fd, Offset: offset, Whence: whence})
	return 42, f.result()
}

func (f *fakeTasks) Execute(path string) *kernel.Error {
	f.calls = append(f.calls, call{Op: "exec", Path: path})
	return f.result()
}

func (f *fakeTasks) Exit() *kernel.Error {
	f.calls = append(f.calls, call{Op: "exit"})
	return f.result()
}

func (f *fakeTasks) CurrentID() int {
	return 2
}

type fakeClock struct {
	slept uint64
}

func (c *fakeClock) Sleep(ticks uint64) { c.slept += ticks }
func (c *fakeClock) Uptime() uint64     { return 1234 }

func addrOf(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func cString(s string) []byte {
	return append([]byte(s), 0)
}

func TestDispatch(t *testing.T) {
	var (
		tasks fakeTasks
		clock fakeClock
		log   bytes.Buffer
		table = Table{Tasks: &tasks, Clock: &clock, Log: &log}

		readBuf  = make([]byte, 8)
		writeBuf = []byte("hello")
		path     = cString("/bin/sh")
	)
	tasks.input = "typed"

	specs := []struct {
		frame    Frame
		expRet   uint64
		expCalls []call
	}{
		{Frame{RAX: Read, RDI: 0, RSI: uint64(len(readBuf)), RDX: addrOf(readBuf)}, 5, []call{{Op: "read", FD: 0}}},
		{Frame{RAX: Write, RDI: 1, RSI: uint64(len(writeBuf)), RDX: addrOf(writeBuf)}, 5, []call{{Op: "write", FD: 1, Data: "hello"}}},
		{Frame{RAX: Write, RDI: 1, RSI: 0, RDX: 0}, 0, []call{{Op: "write", FD: 1}}},
		{Frame{RAX: Open, RDI: addrOf(path)}, 3, []call{{Op: "open", Path: "/bin/sh"}}},
		{Frame{RAX: Close, RDI: 3}, 0, []call{{Op: "close", FD: 3}}},
		{Frame{RAX: Sleep, RDI: 10}, 0, nil},
		{Frame{RAX: Exit}, 0, []call{{Op: "exit"}}},
		{Frame{RAX: GetPID}, 2, nil},
		{Frame{RAX: Uptime}, 1234, nil},
		{Frame{RAX: Exec, RDI: addrOf(path)}, 0, []call{{Op: "exec", Path: "/bin/sh"}}},
		{Frame{RAX: Fseek, RDI: 3, RSI: ^uint64(1), RDX: 2}, 42, []call{{Op: "seek", FD: 3, Offset: -2, Whence: 2}}},
	}

	for specIndex, spec := range specs {
		tasks.calls = nil
		frame := spec.frame
		table.Dispatch(&frame)

		if frame.RAX != spec.expRet {
			t.Errorf("[spec %d] expected RAX %d; got %d", specIndex, spec.expRet, frame.RAX)
		}
		if diff := cmp.Diff(spec.expCalls, tasks.calls); diff != "" {
			t.Errorf("[spec %d] unexpected calls (-want +got):\n%s", specIndex, diff)
		}
	}

	if got := string(readBuf[:5]); got != "typed" {
		t.Fatalf("expected read to fill the user buffer; got %q", got)
	}
	if clock.slept != 10 {
		t.Fatalf("expected to sleep for 10 ticks; got %d", clock.slept)
	}
	if log.Len() != 0 {
		t.Fatalf("expected no diagnostics; got %q", log.String())
	}
}

func TestDispatchFailures(t *testing.T) {
	var (
		tasks fakeTasks
		log   bytes.Buffer
		table = Table{Tasks: &tasks, Clock: &fakeClock{}, Log: &log}

		unterminated = []byte(strings.Repeat("a", MaxPathLen))
	)

	specs := []Frame{
		{RAX: Blit, RDI: 0xb8000},
		{RAX: 99},
		{RAX: Open, RDI: 0},
		{RAX: Open, RDI: 1 << 47},
		{RAX: Open, RDI: addrOf(unterminated)},
		{RAX: Read, RDI: 0, RSI: 16, RDX: 0},
		{RAX: Write, RDI: 0, RSI: 1 << 47, RDX: 0x1000},
		{RAX: Fseek, RDI: 0, RSI: 0, RDX: 3},
	}

	for specIndex, spec := range specs {
		frame := spec
		table.Dispatch(&frame)
		if frame.RAX != Failure {
			t.Errorf("[spec %d] expected RAX to be %d; got %d", specIndex, -1, int64(frame.RAX))
		}
	}
	if len(tasks.calls) != 0 {
		t.Fatalf("expected invalid arguments to be rejected before reaching the tasks; got %v", tasks.calls)
	}

	// Errors from the services are reported as failures too.
	tasks.fail = true
	for specIndex, spec := range []Frame{{RAX: Exec, RDI: addrOf(cString("/x"))}, {RAX: Close, RDI: 9}, {RAX: Exit}} {
		frame := spec
		table.Dispatch(&frame)
		if frame.RAX != Failure {
			t.Errorf("[spec %d] expected RAX to be %d; got %d", specIndex, -1, int64(frame.RAX))
		}
	}

	output := log.String()
	for _, exp := range []string{
		"[syscall] 9 from rip 0x0 failed: syscall not supported\n",
		"[syscall] RAX = 0000000000000009",
		"[syscall] 2 from rip 0x0 failed: argument points outside user memory\n",
		"[syscall] 8 from rip 0x0 failed: fake failure\n",
	} {
		if !strings.Contains(output, exp) {
			t.Errorf("expected log output to contain %q; got:\n%s", exp, output)
		}
	}

	var unwired Table
	frame := Frame{RAX: GetPID}
	unwired.Dispatch(&frame)
	if frame.RAX != Failure {
		t.Fatal("expected an unwired table to fail every syscall")
	}
}
