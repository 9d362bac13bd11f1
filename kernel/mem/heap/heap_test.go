package heap

import (
	"testing"
	"unsafe"

	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/mem"
	"github.com/Lon60/slopos-sub001/kernel/mem/pmm"
	"github.com/Lon60/slopos-sub001/kernel/mem/vmm"
)

// fakeBackend backs heap growth with a plain host-allocated arena instead of
// real physical frames/page tables so these tests can run off-target. The
// heap's virtual addresses (all derived from the fixed heapBase window) are
// redirected onto the arena via ptrFn, mirroring how kernel/mem/vmm's tests
// redirect ptePtrFn onto host-backed page table arrays.
type fakeBackend struct {
	nextFrame pmm.Frame
	arena     []byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{arena: make([]byte, 1<<20)}
}

func (f *fakeBackend) allocFrame() (pmm.Frame, *kernel.Error) {
	f.nextFrame++
	return f.nextFrame, nil
}

func (f *fakeBackend) mapPage(vmm.Page, pmm.Frame, vmm.PageTableEntryFlag) *kernel.Error {
	return nil
}

func (f *fakeBackend) ptr(addr uintptr) unsafe.Pointer {
	off := addr - heapBase
	if int(off) >= len(f.arena) {
		panic("heap test arena exhausted")
	}
	return unsafe.Pointer(&f.arena[off])
}

// newTestAllocator returns an Allocator wired to a fresh host-backed arena
// and restores the package-level ptrFn when the test completes.
func newTestAllocator(t *testing.T) *Allocator {
	orig := ptrFn
	backend := newFakeBackend()
	ptrFn = backend.ptr
	t.Cleanup(func() { ptrFn = orig })

	var a Allocator
	a.Init(backend.allocFrame, backend.mapPage)
	return &a
}

func TestAllocFreeAccounting(t *testing.T) {
	a := newTestAllocator(t)

	p1, err := a.Alloc(32)
	if err != nil || p1 == 0 {
		t.Fatalf("alloc(32) failed: %v", err)
	}

	st := a.Stats()
	if st.Allocated+st.Free != st.Total {
		t.Fatalf("allocated+free != total: %+v", st)
	}

	a.Free(p1)
	st = a.Stats()
	if st.Allocated != 0 {
		t.Fatalf("expected 0 allocated after free, got %d", st.Allocated)
	}
	if st.Allocated+st.Free != st.Total {
		t.Fatalf("allocated+free != total after free: %+v", st)
	}
}

// TestFragmentationRegression guards against the documented regression: a
// small block left at the head of a free list must not hide a larger block
// later in the same list from a request that needs it, and no such request
// may force the heap to grow when an existing free block already fits.
func TestFragmentationRegression(t *testing.T) {
	a := newTestAllocator(t)

	p32, err := a.Alloc(32)
	if err != nil {
		t.Fatalf("alloc(32): %v", err)
	}
	p1024, err := a.Alloc(1024)
	if err != nil {
		t.Fatalf("alloc(1024): %v", err)
	}
	p256, err := a.Alloc(256)
	if err != nil {
		t.Fatalf("alloc(256): %v", err)
	}
	_ = p256

	totalAfterInitialAllocs := a.Stats().Total

	a.Free(p1024)
	a.Free(p32)

	if _, err := a.Alloc(512); err != nil {
		t.Fatalf("alloc(512) should have fit into existing free inventory: %v", err)
	}

	if got := a.Stats().Total; got != totalAfterInitialAllocs {
		t.Fatalf("heap grew on an allocation that should have fit: total went from %d to %d", totalAfterInitialAllocs, got)
	}
}

func TestCoalesceOnFree(t *testing.T) {
	a := newTestAllocator(t)

	p1, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("alloc(64): %v", err)
	}
	p2, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("alloc(64): %v", err)
	}

	a.Free(p1)
	a.Free(p2)

	// A request that fits only in the coalesced region (larger than
	// either original one-page block alone, but within the combined free
	// capacity of the two adjacent chunks) must succeed without growing
	// the heap.
	totalBefore := a.Stats().Total
	if _, err := a.Alloc(6000); err != nil {
		t.Fatalf("alloc(6000) after coalesce: %v", err)
	}
	if got := a.Stats().Total; got != totalBefore {
		t.Fatalf("expected coalesced free space to satisfy the request without growth, total %d -> %d", totalBefore, got)
	}
}

func TestDoubleFreeIsNoop(t *testing.T) {
	a := newTestAllocator(t)

	p, err := a.Alloc(32)
	if err != nil {
		t.Fatalf("alloc(32): %v", err)
	}
	a.Free(p)
	before := a.Stats()
	a.Free(p)
	after := a.Stats()
	if before != after {
		t.Fatalf("expected double free to be a no-op: before=%+v after=%+v", before, after)
	}
}

func TestLargeAllocation(t *testing.T) {
	a := newTestAllocator(t)

	p, err := a.Alloc(mem.Size(3 * mem.PageSize))
	if err != nil || p == 0 {
		t.Fatalf("large alloc failed: %v", err)
	}
	a.Free(p)
	if got := a.Stats().Allocated; got != 0 {
		t.Fatalf("expected 0 allocated after freeing the only large block, got %d", got)
	}
}
