package allocator

import (
	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/boot"
	"github.com/Lon60/slopos-sub001/kernel/kfmt/early"
	"github.com/Lon60/slopos-sub001/kernel/mem"
	"github.com/Lon60/slopos-sub001/kernel/mem/pmm"
)

var (
	// earlyAllocator is a static instance of the boot memory allocator used
	// to bootstrap the kernel before the bitmap allocator takes over.
	earlyAllocator BootMemAllocator

	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
)

// BootMemAllocator implements a rudimentary physical memory allocator which is used
// to bootstrap the kernel.
//
// The allocator implementation uses the memory region information provided by
// the bootloader to detect free memory blocks and return the next available
// free frame.
//
// Allocations are tracked via an internal counter that contains the last
// allocated frame index. The system memory regions are mapped into a linear
// page index by aligning the region start address to the system's page size
// and then dividing by the page size.
//
// Due to the way that the allocator works, it is not possible to free
// allocated pages. Once the kernel is properly initialized, the allocated
// blocks will be handed over to the bitmap allocator which does support
// freeing.
type BootMemAllocator struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocIndex tracks the last allocated frame index.
	lastAllocIndex int64

	// lastAllocFrame mirrors lastAllocIndex as a pmm.Frame for callers
	// that want to cross-check the most recent allocation.
	lastAllocFrame pmm.Frame

	// kernelStartFrame and kernelEndFrame bound the frames occupied by the
	// kernel image, as reported by the caller of init.
	kernelStartFrame pmm.Frame
	kernelEndFrame   pmm.Frame

	kernelStart uintptr
	kernelEnd   uintptr
}

// init resets the boot memory allocator state and records the physical
// extents occupied by the kernel image so that reserveKernelFrames can
// later flag them as reserved in the bitmap allocator.
func (alloc *BootMemAllocator) init(kernelStart, kernelEnd uintptr) {
	alloc.lastAllocIndex = -1
	alloc.lastAllocFrame = pmm.InvalidFrame
	alloc.allocCount = 0
	alloc.kernelStart = kernelStart
	alloc.kernelEnd = kernelEnd
	alloc.kernelStartFrame = pmm.Frame(kernelStart >> mem.PageShift)
	alloc.kernelEndFrame = pmm.Frame((kernelEnd - 1) >> mem.PageShift)
}

// printMemoryMap dumps the system memory map and the kernel's physical
// extents using the active diagnostic sink.
func (alloc *BootMemAllocator) printMemoryMap() {
	early.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree mem.Size
	boot.VisitMemRegions(func(region *boot.MemoryMapEntry) bool {
		early.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == boot.MemUsable {
			totalFree += mem.Size(region.Length)
		}
		return true
	})
	early.Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(totalFree/mem.Kb))
	early.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStart, alloc.kernelEnd)
}

// AllocFrame scans the system memory regions reported by the bootloader and
// reserves the next available free frame. Allocation requests are always
// for a single (order-0) frame.
//
// AllocFrame returns errBootAllocOutOfMemory if no more memory can be
// allocated.
func (alloc *BootMemAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	var (
		foundPageIndex                           int64 = -1
		regionStartPageIndex, regionEndPageIndex int64
	)
	boot.VisitMemRegions(func(region *boot.MemoryMapEntry) bool {
		if region.Type != boot.MemUsable {
			return true
		}

		// Align region start address to a page boundary and find the start
		// and end page indices for the region
		regionStartPageIndex = int64(((mem.Size(region.PhysAddress) + (mem.PageSize - 1)) & ^(mem.PageSize - 1)) >> mem.PageShift)
		regionEndPageIndex = int64(((mem.Size(region.PhysAddress+region.Length) - (mem.PageSize - 1)) & ^(mem.PageSize - 1)) >> mem.PageShift)

		// Ignore already allocated regions
		if alloc.allocCount != 0 && alloc.lastAllocIndex >= regionEndPageIndex {
			return true
		}

		// We found a block that can be allocated. The last allocated
		// index will be either pointing to a previous region or will
		// point inside this region. In the first case we just need to
		// select the regionStartPageIndex. In the latter case we can
		// simply select the next available page in the current region.
		if alloc.allocCount == 0 || alloc.lastAllocIndex < regionStartPageIndex {
			foundPageIndex = regionStartPageIndex
		} else {
			foundPageIndex = alloc.lastAllocIndex + 1
		}
		return false
	})

	if foundPageIndex == -1 {
		return pmm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	alloc.lastAllocIndex = foundPageIndex
	alloc.lastAllocFrame = pmm.Frame(foundPageIndex)

	return alloc.lastAllocFrame, nil
}
