package goruntime

import (
	"nestos/kernel"
	"nestos/kernel/mm"
	"nestos/kernel/mm/memtest"
	"nestos/kernel/mm/pmm"
	"nestos/kernel/mm/vmm"
	"nestos/multiboot"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
)

var errFakeOOM = &kernel.Error{Module: "test", Message: "out of memory"}

type pageRun struct {
	Addr  uintptr
	Count int
}

// fakePages hands out reservations from a fixed address and records every
// request it sees.
type fakePages struct {
	next       uintptr
	reserveErr *kernel.Error
	commitErr  *kernel.Error

	reserved   []int
	committed  []pageRun
	unreserved []pageRun
}

func (f *fakePages) Reserve(count int) (mm.Page, *kernel.Error) {
	f.reserved = append(f.reserved, count)
	if f.reserveErr != nil {
		return mm.InvalidPage, f.reserveErr
	}
	return mm.PageFromAddress(f.next), nil
}

func (f *fakePages) Commit(page mm.Page, count int) *kernel.Error {
	f.committed = append(f.committed, pageRun{page.Address(), count})
	return f.commitErr
}

func (f *fakePages) Unreserve(page mm.Page, count int) {
	f.unreserved = append(f.unreserved, pageRun{page.Address(), count})
}

type fakeClock uint64

func (c fakeClock) Uptime() uint64 { return uint64(c) }

func useFakes(t *testing.T, f *fakePages, c Clock) {
	t.Helper()

	pages, clock = f, c
	t.Cleanup(func() {
		pages, clock = nil, nil
	})
}

func TestSysReserveOS(t *testing.T) {
	const regionAddr = 0xffffffff40000000

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqSize  uintptr
			expCount int
		}{
			// exact multiple of page size
			{100 << mm.PageShift, 100},
			// size should be rounded up to nearest page size
			{2*mm.PageSize - 1, 2},
			{1, 1},
		}

		for specIndex, spec := range specs {
			f := &fakePages{next: regionAddr}
			useFakes(t, f, nil)

			ptr := sysReserveOS(nil, spec.reqSize)
			if uintptr(ptr) != regionAddr {
				t.Errorf("[spec %d] expected sysReserveOS to return 0x%x; got 0x%x", specIndex, uintptr(regionAddr), uintptr(ptr))
			}
			if diff := cmp.Diff([]int{spec.expCount}, f.reserved); diff != "" {
				t.Errorf("[spec %d] unexpected reservations (-want +got):\n%s", specIndex, diff)
			}
		}
	})

	t.Run("fail", func(t *testing.T) {
		specs := []struct {
			descr   string
			reqSize uintptr
			f       *fakePages
		}{
			{"empty request", 0, &fakePages{next: regionAddr}},
			{"larger than a run", (mm.EntriesPerTable + 1) << mm.PageShift, &fakePages{next: regionAddr}},
			{"address space exhausted", mm.PageSize, &fakePages{reserveErr: errFakeOOM}},
		}

		for specIndex, spec := range specs {
			useFakes(t, spec.f, nil)
			if ptr := sysReserveOS(nil, spec.reqSize); ptr != nil {
				t.Errorf("[spec %d] %s: expected sysReserveOS to return nil; got 0x%x", specIndex, spec.descr, uintptr(ptr))
			}
		}

		pages = nil
		if ptr := sysReserveOS(nil, mm.PageSize); ptr != nil {
			t.Errorf("expected sysReserveOS to return nil before Init; got 0x%x", uintptr(ptr))
		}
	})
}

func TestSysMapOS(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqAddr uintptr
			reqSize uintptr
			exp     pageRun
		}{
			// exact multiple of page size
			{100 << mm.PageShift, 4 * mm.PageSize, pageRun{100 << mm.PageShift, 4}},
			// address should be rounded down to the page that contains it
			{(100 << mm.PageShift) + 1, 4 * mm.PageSize, pageRun{100 << mm.PageShift, 5}},
			// size should be rounded up to nearest page size
			{100 << mm.PageShift, 0x1000, pageRun{100 << mm.PageShift, 1}},
		}

		for specIndex, spec := range specs {
			f := &fakePages{}
			useFakes(t, f, nil)

			sysMapOS(unsafe.Pointer(spec.reqAddr), spec.reqSize)
			if diff := cmp.Diff([]pageRun{spec.exp}, f.committed); diff != "" {
				t.Errorf("[spec %d] unexpected commits (-want +got):\n%s", specIndex, diff)
			}
		}
	})

	t.Run("empty request", func(t *testing.T) {
		f := &fakePages{}
		useFakes(t, f, nil)

		sysMapOS(unsafe.Pointer(uintptr(100<<mm.PageShift)), 0)
		if len(f.committed) != 0 {
			t.Fatalf("expected no commits; got %v", f.committed)
		}
	})

	t.Run("commit fails", func(t *testing.T) {
		useFakes(t, &fakePages{commitErr: errFakeOOM}, nil)

		defer func() {
			if err := recover(); err != errFakeOOM {
				t.Fatalf("expected sysMapOS to panic with the commit error; got %v", err)
			}
		}()

		sysMapOS(unsafe.Pointer(uintptr(100<<mm.PageShift)), mm.PageSize)
	})
}

func TestSysAllocOS(t *testing.T) {
	const regionAddr = 42 << mm.PageShift

	t.Run("success", func(t *testing.T) {
		f := &fakePages{next: regionAddr}
		useFakes(t, f, nil)

		if ptr := sysAllocOS(3*mm.PageSize + 1); uintptr(ptr) != regionAddr {
			t.Fatalf("expected sysAllocOS to return 0x%x; got 0x%x", uintptr(regionAddr), uintptr(ptr))
		}
		if diff := cmp.Diff([]int{4}, f.reserved); diff != "" {
			t.Errorf("unexpected reservations (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]pageRun{{regionAddr, 4}}, f.committed); diff != "" {
			t.Errorf("unexpected commits (-want +got):\n%s", diff)
		}
	})

	t.Run("reserve fails", func(t *testing.T) {
		f := &fakePages{reserveErr: errFakeOOM}
		useFakes(t, f, nil)

		if ptr := sysAllocOS(mm.PageSize); ptr != nil {
			t.Fatalf("expected sysAllocOS to return nil; got 0x%x", uintptr(ptr))
		}
		if len(f.committed) != 0 {
			t.Fatalf("expected no commits; got %v", f.committed)
		}
	})

	t.Run("commit fails", func(t *testing.T) {
		f := &fakePages{next: regionAddr, commitErr: errFakeOOM}
		useFakes(t, f, nil)

		if ptr := sysAllocOS(2 * mm.PageSize); ptr != nil {
			t.Fatalf("expected sysAllocOS to return nil; got 0x%x", uintptr(ptr))
		}
		if diff := cmp.Diff([]pageRun{{regionAddr, 2}}, f.unreserved); diff != "" {
			t.Errorf("expected the reservation to be released (-want +got):\n%s", diff)
		}
	})
}

func TestSysFreeOS(t *testing.T) {
	specs := []struct {
		reqAddr uintptr
		reqSize uintptr
		exp     []pageRun
	}{
		{10 << mm.PageShift, 3 * mm.PageSize, []pageRun{{10 << mm.PageShift, 3}}},
		// partially covered pages stay reserved
		{(10 << mm.PageShift) + 1, 3 * mm.PageSize, []pageRun{{11 << mm.PageShift, 2}}},
		{10 << mm.PageShift, mm.PageSize - 1, nil},
	}

	for specIndex, spec := range specs {
		f := &fakePages{}
		useFakes(t, f, nil)

		sysFreeOS(unsafe.Pointer(spec.reqAddr), spec.reqSize)
		if diff := cmp.Diff(spec.exp, f.unreserved); diff != "" {
			t.Errorf("[spec %d] unexpected releases (-want +got):\n%s", specIndex, diff)
		}
	}
}

func TestNanotime(t *testing.T) {
	if got := nanotime(); got != 0 {
		t.Fatalf("expected nanotime to return 0 without a clock; got %d", got)
	}

	useFakes(t, &fakePages{}, fakeClock(3))
	if got, exp := nanotime(), int64(3000000); got != exp {
		t.Fatalf("expected nanotime to return %d; got %d", exp, got)
	}
}

func TestReadRandom(t *testing.T) {
	defer func(seed uint32) {
		prngSeed = seed
	}(prngSeed)

	a := make([]byte, 16)
	if got := readRandom(a); got != len(a) {
		t.Fatalf("expected readRandom to fill %d bytes; got %d", len(a), got)
	}

	b := make([]byte, 16)
	readRandom(b)
	if cmp.Equal(a, b) {
		t.Fatal("expected successive reads to differ")
	}
}

func TestInit(t *testing.T) {
	defer func() {
		mallocInitFn = mallocInit
		algInitFn = algInit
		modulesInitFn = modulesInit
		typeLinksInitFn = typeLinksInit
		itabsInitFn = itabsInit
		pages, clock = nil, nil
	}()

	var calls []string
	mallocInitFn = func() { calls = append(calls, "malloc") }
	algInitFn = func() { calls = append(calls, "alg") }
	modulesInitFn = func() { calls = append(calls, "modules") }
	typeLinksInitFn = func() { calls = append(calls, "typelinks") }
	itabsInitFn = func() { calls = append(calls, "itabs") }

	if err := Init(nil, nil); err != errNoPageSource {
		t.Fatalf("expected errNoPageSource; got %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("expected no bootstrap step to run without a page source; got %v", calls)
	}

	f := &fakePages{}
	if err := Init(f, fakeClock(1)); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"malloc", "alg", "modules", "typelinks", "itabs"}, calls); diff != "" {
		t.Errorf("unexpected bootstrap order (-want +got):\n%s", diff)
	}
	if pages != f || clock != fakeClock(1) {
		t.Error("expected Init to install the page source and clock")
	}
}

func TestKernelSpaceBacking(t *testing.T) {
	mem, err := memtest.New(16)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Release()

	cr3 := mem.FrameAddr(0)
	vmm.SetCPUHooks(func() uintptr { return cr3 }, func(uintptr) {}, func(uintptr) {})
	defer vmm.SetCPUHooks(nil, nil, nil)

	var frames pmm.BitmapAllocator
	regions := []multiboot.MemoryMapEntry{mem.Region(0, 16)}
	bitmap := make([]byte, pmm.BitmapSize(regions))
	if kerr := frames.Init(regions, uintptr(unsafe.Pointer(&bitmap[0]))); kerr != nil {
		t.Fatal(kerr)
	}

	var space vmm.AddressSpace
	if kerr := space.InitKernel(vmm.Slot{P4: 511, P3: 509}, 0, &frames); kerr != nil {
		t.Fatal(kerr)
	}

	pages = &space
	defer func() { pages = nil }()

	free := frames.FreePages()
	arena := sysReserveOS(nil, 4*mm.PageSize)
	if arena == nil {
		t.Fatal("expected the reservation to succeed")
	}
	if got := frames.FreePages(); got != free {
		t.Fatalf("expected a reservation not to consume frames; free pages %d, want %d", got, free)
	}

	sysMapOS(unsafe.Pointer(uintptr(arena)+mm.PageSize+0x10), 0x100)
	if got := space.MappedPages(); got != 1 {
		t.Fatalf("expected 1 committed page; got %d", got)
	}
	if _, kerr := space.Translate(uintptr(arena) + mm.PageSize); kerr != nil {
		t.Fatalf("expected the committed page to be mapped; got %v", kerr)
	}

	persistent := sysAllocOS(0x1000)
	if persistent == nil || uintptr(persistent) != uintptr(arena)+4*mm.PageSize {
		t.Fatalf("expected sysAllocOS to follow the reservation; got 0x%x", uintptr(persistent))
	}
	if got := space.MappedPages(); got != 2 {
		t.Fatalf("expected 2 committed pages; got %d", got)
	}

	sysFreeOS(arena, 4*mm.PageSize)
	if got := space.MappedPages(); got != 1 {
		t.Fatalf("expected only the persistent page to stay mapped; got %d", got)
	}
	if again := sysReserveOS(nil, 4*mm.PageSize); again != arena {
		t.Fatalf("expected the freed range to be reused at 0x%x; got 0x%x", uintptr(arena), uintptr(again))
	}
}
