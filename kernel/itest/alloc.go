package itest

import (
	"unsafe"

	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/mem"
	"github.com/Lon60/slopos-sub001/kernel/mem/heap"
)

// heapAllocFn/heapFreeFn are bound to the kernel heap by SetHeap; tests
// inject fakes.
var (
	heapAllocFn func(mem.Size) (uintptr, *kernel.Error)
	heapFreeFn  func(uintptr)
)

// SetHeap wires the harness to the kernel heap.
func SetHeap(h *heap.Allocator) {
	heapAllocFn = h.Alloc
	heapFreeFn = h.Free
}

// ptrFn converts a virtual address into a dereferenceable pointer; tests
// override it to redirect addresses onto host-backed buffers.
var ptrFn = func(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) } //nolint:govet

// headerSize is the room kept immediately below a page-aligned pointer
// for the true allocation base.
const headerSize = unsafe.Sizeof(uintptr(0))

// pageAlignedAlloc returns a page-aligned pointer to size usable bytes.
// The heap's blocks grow forward from their header, so over-allocating by
// a page plus the header word always leaves room to round up; the true
// allocation base is stored in the word immediately below the returned
// pointer, where pageAlignedFree recovers it.
func pageAlignedAlloc(size mem.Size) (uintptr, *kernel.Error) {
	raw, err := heapAllocFn(size + mem.PageSize + mem.Size(headerSize))
	if err != nil {
		return 0, err
	}

	aligned := (raw + headerSize + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
	*(*uintptr)(ptrFn(aligned - headerSize)) = raw
	return aligned, nil
}

// pageAlignedFree releases an allocation obtained from pageAlignedAlloc.
func pageAlignedFree(aligned uintptr) {
	raw := *(*uintptr)(ptrFn(aligned - headerSize))
	heapFreeFn(raw)
}
