package kernel

import (
	"strings"
	"testing"
	"unsafe"
)

// buildFrameChain lays out fake stack frames inside buf: each frame is
// two words, {caller fp, return address}, linked bottom-up the way RBP
// chains grow.
func buildFrameChain(buf []uintptr, returns []uintptr) uintptr {
	base := uintptr(unsafe.Pointer(&buf[0]))
	word := unsafe.Sizeof(base)

	for i, ret := range returns {
		frame := base + uintptr(i*4)*word
		next := uintptr(0)
		if i+1 < len(returns) {
			next = base + uintptr((i+1)*4)*word
		}
		*(*uintptr)(unsafe.Pointer(frame)) = next
		*(*uintptr)(unsafe.Pointer(frame + word)) = ret
	}

	return base
}

func TestDumpStackWalksChain(t *testing.T) {
	defer func() {
		framePointerFn = readFramePointer
		regionResolver = nil
	}()

	buf := make([]uintptr, 64)
	base := buildFrameChain(buf, []uintptr{0x1111, 0x2222, 0x3333})
	framePointerFn = func() uintptr { return base }

	fb := mockTTY()
	DumpStack()

	out := readTTY(fb)
	for _, want := range []string{"call stack:", "1111", "2222", "3333"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in stack dump, got %q", want, out)
		}
	}
}

func TestDumpStackDetectsLoops(t *testing.T) {
	defer func() {
		framePointerFn = readFramePointer
	}()

	buf := make([]uintptr, 16)
	base := uintptr(unsafe.Pointer(&buf[0]))
	word := unsafe.Sizeof(base)

	// A frame whose caller pointer leads right back to itself
	second := base + 4*word
	*(*uintptr)(unsafe.Pointer(base)) = second
	*(*uintptr)(unsafe.Pointer(base + word)) = 0xaaaa
	*(*uintptr)(unsafe.Pointer(second)) = second
	*(*uintptr)(unsafe.Pointer(second + word)) = 0xbbbb

	framePointerFn = func() uintptr { return base }

	fb := mockTTY()
	DumpStack()

	// The walk must terminate; both frames may print, but only once.
	out := readTTY(fb)
	if strings.Count(out, "bbbb") > 1 {
		t.Fatalf("loop was not detected, got %q", out)
	}
}

func TestDumpStackAnnotatesRegions(t *testing.T) {
	defer func() {
		framePointerFn = readFramePointer
		regionResolver = nil
	}()

	buf := make([]uintptr, 16)
	base := buildFrameChain(buf, []uintptr{0x4000})
	framePointerFn = func() uintptr { return base }
	SetRegionResolver(func(addr uintptr) (string, bool) {
		if addr == 0x4000 {
			return "kernel-text", true
		}
		return "", false
	})

	fb := mockTTY()
	DumpStack()

	if !strings.Contains(readTTY(fb), "kernel-text") {
		t.Fatalf("expected region annotation, got %q", readTTY(fb))
	}
}

func TestRegionForWithoutResolver(t *testing.T) {
	regionResolver = nil
	if _, ok := RegionFor(0x1234); ok {
		t.Fatal("RegionFor must miss when no resolver is registered")
	}
}
