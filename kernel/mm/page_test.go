package mm

import "testing"

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameFromAddress(t *testing.T) {
	specs := []struct {
		input    uintptr
		expFrame Frame
	}{
		{0, Frame(0)},
		{4096, InvalidFrame},
		{PageSize - 1, InvalidFrame},
		{PageSize, Frame(1)},
		{PageSize + 1, InvalidFrame},
		{0x100000, InvalidFrame},
		{0x600000, Frame(3)},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != spec.expFrame {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.expFrame, got)
		}
	}
}

func TestPageMethods(t *testing.T) {
	for pageIndex := uint64(0); pageIndex < 128; pageIndex++ {
		page := Page(pageIndex)

		if !page.Valid() {
			t.Errorf("expected page %d to be valid", pageIndex)
		}

		if exp, got := uintptr(pageIndex<<PageShift), page.Address(); got != exp {
			t.Errorf("expected page (%d, index: %d) call to Address() to return %x; got %x", page, pageIndex, exp, got)
		}
	}

	invalidPage := InvalidPage
	if invalidPage.Valid() {
		t.Error("expected InvalidPage.Valid() to return false")
	}
}

func TestPageFromAddress(t *testing.T) {
	specs := []struct {
		input   uintptr
		expPage Page
	}{
		{0, Page(0)},
		{4095, InvalidPage},
		{PageSize, Page(1)},
		{PageSize + 4123, InvalidPage},
		{KernelBase, Page(KernelBase >> PageShift)},
	}

	for specIndex, spec := range specs {
		if got := PageFromAddress(spec.input); got != spec.expPage {
			t.Errorf("[spec %d] expected returned page to be %v; got %v", specIndex, spec.expPage, got)
		}
	}

	if got := PageFromAddress(KernelBase).Address(); got != KernelBase {
		t.Errorf("expected kernel base page to round-trip to %x; got %x", KernelBase, got)
	}
}

func TestAlignHelpers(t *testing.T) {
	specs := []struct {
		addr, align      uintptr
		expUp, expDown   uintptr
		expAlignedResult bool
	}{
		{0, 8, 0, 0, true},
		{1, 8, 8, 0, false},
		{8, 8, 8, 8, true},
		{0x100000, PageSize, PageSize, 0, false},
		{PageSize + 1, PageSize, 2 * PageSize, PageSize, false},
		{3 * PageSize, PageSize, 3 * PageSize, 3 * PageSize, true},
		{13, 1, 13, 13, true},
	}

	for specIndex, spec := range specs {
		if got := AlignUp(spec.addr, spec.align); got != spec.expUp {
			t.Errorf("[spec %d] expected AlignUp to return %x; got %x", specIndex, spec.expUp, got)
		}
		if got := AlignDown(spec.addr, spec.align); got != spec.expDown {
			t.Errorf("[spec %d] expected AlignDown to return %x; got %x", specIndex, spec.expDown, got)
		}
		if got := IsAligned(spec.addr, spec.align); got != spec.expAlignedResult {
			t.Errorf("[spec %d] expected IsAligned to return %t; got %t", specIndex, spec.expAlignedResult, got)
		}
	}
}

func TestAlignPanicsOnBadAlignment(t *testing.T) {
	for specIndex, align := range []uintptr{0, 3, 12, PageSize - 1} {
		func() {
			defer func() {
				if err := recover(); err != errNotPowerOfTwo {
					t.Errorf("[spec %d] expected errNotPowerOfTwo panic; got %v", specIndex, err)
				}
			}()
			AlignUp(42, align)
		}()
	}
}
