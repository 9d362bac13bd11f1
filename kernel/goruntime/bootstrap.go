// Package goruntime splices the Go runtime's memory and bookkeeping
// hooks onto the kernel's own virtual memory layer. Once Init returns,
// language features that need the runtime allocator (new/make, maps,
// interface dispatch) work inside the kernel.
package goruntime

import (
	"unsafe"

	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/mem"
	"github.com/Lon60/slopos-sub001/kernel/mem/pmm"
	"github.com/Lon60/slopos-sub001/kernel/mem/pmm/allocator"
	"github.com/Lon60/slopos-sub001/kernel/mem/vmm"
)

var (
	mapFn                = vmm.Map
	earlyReserveRegionFn = vmm.EarlyReserveRegion
	frameAllocFn         = allocator.AllocFrame
	mallocInitFn         = mallocInit
	algInitFn            = algInit
	modulesInitFn        = modulesInit
	typeLinksInitFn      = typeLinksInit
	itabsInitFn          = itabsInit

	// prngState drives getRandomData; the runtime only needs the bytes
	// for hash seeding, not for anything security-sensitive.
	prngState = 0xdeadc0de
)

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// pageSpan normalizes an arbitrary byte count into a page-aligned region
// size and its page count.
func pageSpan(size uintptr) (mem.Size, int) {
	regionSize := (mem.Size(size) + mem.PageSize - 1) &^ (mem.PageSize - 1)
	return regionSize, int(regionSize >> mem.PageShift)
}

// backPages installs pageCount mappings starting at startAddr, asking
// backing for the frame of each successive page. It reports whether
// every mapping succeeded; the runtime treats a nil return from its
// memory hooks as failure, so errors are not propagated further.
func backPages(startAddr uintptr, pageCount int, flags vmm.PageTableEntryFlag, backing func() (pmm.Frame, *kernel.Error)) bool {
	page := vmm.PageFromAddress(startAddr)
	for i := 0; i < pageCount; i, page = i+1, page+1 {
		frame, err := backing()
		if err != nil {
			return false
		}
		if err = mapFn(page, frame, flags); err != nil {
			return false
		}
	}
	return true
}

// zeroFrame hands out the shared pre-zeroed frame; combined with the CoW
// flag it gives the runtime lazily-populated zero memory.
func zeroFrame() (pmm.Frame, *kernel.Error) {
	return vmm.ReservedZeroedFrame, nil
}

// sysReserve claims a stretch of kernel virtual address space without
// backing it with memory.
//
// This function replaces runtime.sysReserve and is required for
// initializing the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionSize, _ := pageSpan(size)
	regionStartAddr, err := earlyReserveRegionFn(regionSize)
	if err != nil {
		panic(err)
	}

	*reserved = true
	return unsafe.Pointer(regionStartAddr)
}

// sysMap backs a previously reserved region with copy-on-write mappings
// of the shared zero frame, so physical memory is only consumed once the
// runtime actually writes to a page.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	// The runtime stays inside regions it reserved earlier; only the
	// start needs rounding up to a page boundary.
	startAddr := (uintptr(virtAddr) + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1)
	regionSize, pageCount := pageSpan(size)

	if !backPages(startAddr, pageCount, vmm.FlagPresent|vmm.FlagNoExecute|vmm.FlagCopyOnWrite, zeroFrame) {
		return unsafe.Pointer(uintptr(0))
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(startAddr)
}

// sysAlloc grabs fresh address space and backs every page of it with a
// newly allocated physical frame.
//
// This function replaces runtime.sysAlloc and is required for
// initializing the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize, pageCount := pageSpan(size)
	startAddr, err := earlyReserveRegionFn(regionSize)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	if !backPages(startAddr, pageCount, vmm.FlagPresent|vmm.FlagNoExecute|vmm.FlagRW, frameAllocFn) {
		return unsafe.Pointer(uintptr(0))
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(startAddr)
}

// nanotime satisfies the runtime's span-allocation clock. The kernel has
// no calibrated clock source this early, and the allocator only compares
// the values, so a constant is sufficient.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() uint64 {
	// Dummy loop that keeps the compiler from inlining the function.
	for i := 0; i < 100; i++ {
	}
	return 1
}

// getRandomData fills r from a multiplicative PRNG. The runtime normally
// reads the host's random device for its hash seeds; there is no such
// device here.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := range r {
		prngState = prngState*58321 + 11113
		r[i] = byte(prngState >> 16)
	}
}

// Init brings up the parts of the Go runtime the kernel relies on:
// the heap allocator, map support and interface dispatch tables. It must
// run after vmm.Init so the memory hooks above have something to map
// against.
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // hashing for map keys
	modulesInitFn()   // module list used by the type system
	typeLinksInitFn() // type registry (needs maps + modules)
	itabsInitFn()     // interface dispatch tables (needs modules)

	return nil
}

func init() {
	// Reference every hook once so the compiler cannot discard them
	// before the runtime redirects kick in.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
	getRandomData(nil)
	stat = nanotime()
}
