// Package heap implements the kernel's segregated free-list allocator. It
// sits directly on top of the physical frame allocator (kernel/mem/pmm) and
// the virtual memory manager (kernel/mem/vmm); nothing below this package
// may call into the Go runtime's own allocator since that allocator is
// itself bootstrapped through kernel/goruntime on top of this heap.
package heap

import (
	"unsafe"

	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/mem"
	"github.com/Lon60/slopos-sub001/kernel/mem/pmm"
	"github.com/Lon60/slopos-sub001/kernel/mem/vmm"
)

// heapBase is the start of a fixed virtual window reserved for the kernel
// heap's own growth. It sits immediately past vmm's early-reservation
// window so the two bump regions never collide.
const heapBase = uintptr(0xffffff8040000000)

// heapLimit bounds heap growth so a runaway allocation fails loudly instead
// of colliding with the recursive page-table mapping window.
const heapLimit = uintptr(0xffffff8080000000)

// headerSize is the size, in bytes, of blockHeader once aligned.
const headerSize = mem.Size(unsafe.Sizeof(blockHeader{}))

// sizeClassThresholds lists the ceiling-power-of-two capacities (16B..4KiB)
// that a block of a given class is guaranteed to satisfy.
var sizeClassThresholds = [...]mem.Size{16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

// largeClass is the sentinel class index used for allocations that exceed
// the largest standard threshold; these blocks are carved to fit the
// request rounded up to whole pages.
const largeClass = -1

// blockHeader precedes every block's payload. prev/next link physically
// adjacent blocks within the same carved chunk (for coalescing); nextFree
// links this block into its size class's free list.
type blockHeader struct {
	capacity mem.Size
	free     bool
	class    int
	selfAddr uintptr // this header's own virtual address, stamped at carve time
	prev     *blockHeader
	next     *blockHeader
	nextFree *blockHeader
}

// ptrFn converts a virtual address into a dereferenceable pointer. Tests
// override it to redirect the heap's fixed bump-window addresses onto
// host-backed buffers; the kernel build relies on the identity conversion
// since heap addresses are always backed by a real mapping installed via
// MapFn before any header at that address is touched.
var ptrFn = func(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) } //nolint:govet

func headerAt(addr uintptr) *blockHeader {
	return (*blockHeader)(ptrFn(addr))
}

func (h *blockHeader) payload() uintptr {
	return h.selfAddr + uintptr(headerSize)
}

func headerFromPayload(addr uintptr) *blockHeader {
	return headerAt(addr - uintptr(headerSize))
}

// Stats is a snapshot of the allocator's diagnostic counters.
type Stats struct {
	Total        mem.Size
	Free         mem.Size
	Allocated    mem.Size
	BlockCounts  [len(sizeClassThresholds) + 1]uint32 // last slot is the large class
	AllocCount   uint64
	FreeCount    uint64
}

// FrameAllocatorFn allocates a single physical frame.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// MapFn maps a virtual page to a physical frame.
type MapFn func(vmm.Page, pmm.Frame, vmm.PageTableEntryFlag) *kernel.Error

// Allocator is a segregated free-list allocator. The zero value must be
// initialized via Init before use.
type Allocator struct {
	allocFrame FrameAllocatorFn
	mapPage    MapFn

	nextVirt  uintptr
	lastBlock *blockHeader // most recently carved block, for chaining prev/next across grow calls

	freeList      [len(sizeClassThresholds)]*blockHeader
	largeFreeList *blockHeader

	stats Stats
}

// errOutOfVirtualSpace is returned when the heap's bump window is exhausted.
var errOutOfVirtualSpace = &kernel.Error{Module: "heap", Message: "heap virtual address window exhausted"}

// errOutOfMemory is returned by Alloc when the frame allocator cannot
// satisfy a grow request.
var errOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

// Init wires the allocator to its frame source and mapper. alloc and mapPg
// are normally allocator.AllocFrame and vmm.Map respectively; tests inject
// fakes.
func (a *Allocator) Init(alloc FrameAllocatorFn, mapPg MapFn) {
	a.allocFrame = alloc
	a.mapPage = mapPg
	a.nextVirt = heapBase
}

// classFor returns the size class index (and whether it is the large
// class) whose threshold can hold a request of `required` bytes
// (header + payload).
func classFor(required mem.Size) (idx int, isLarge bool) {
	for i, threshold := range sizeClassThresholds {
		if threshold >= required {
			return i, false
		}
	}
	return largeClass, true
}

// Alloc returns a pointer to a payload region of at least n bytes, or nil
// with a *kernel.Error if no memory is available.
func (a *Allocator) Alloc(n mem.Size) (uintptr, *kernel.Error) {
	if n == 0 {
		n = 1
	}
	required := n + headerSize
	class, isLarge := classFor(required)

	fromClass := class
	if isLarge {
		fromClass = len(sizeClassThresholds)
	}

	if blk := a.findFit(fromClass, required); blk != nil {
		return a.finishAlloc(blk), nil
	}

	// No existing block fits; grow from a fresh frame and retry. A large
	// request carves a chunk sized to the request; a standard
	// request carves one sized to its class threshold, though the carved
	// chunk rounds up to whole pages and may land in a higher class than
	// requested once classified by its actual (bigger) capacity.
	growCapacity := n
	if !isLarge {
		growCapacity = sizeClassThresholds[class]
	}
	if err := a.grow(growCapacity); err != nil {
		return 0, err
	}
	if blk := a.findFit(fromClass, required); blk != nil {
		return a.finishAlloc(blk), nil
	}
	return 0, errOutOfMemory
}

// findFit walks every standard class from fromClass upward, then the large
// class, returning the first block (removed from its free list) whose
// capacity satisfies required. A block's true capacity, not its nominal
// class, decides fitness, so any class at or above fromClass — including
// the large class — can satisfy the request.
func (a *Allocator) findFit(fromClass int, required mem.Size) *blockHeader {
	for c := fromClass; c < len(sizeClassThresholds); c++ {
		if blk := a.takeFit(c, required); blk != nil {
			return blk
		}
	}
	return a.takeFitLarge(required)
}

// takeFit walks class's free list end-to-end and removes the first block
// whose capacity satisfies required, returning it unlinked from the list.
func (a *Allocator) takeFit(class int, required mem.Size) *blockHeader {
	var prev *blockHeader
	for blk := a.freeList[class]; blk != nil; blk = blk.nextFree {
		if blk.capacity+headerSize >= required {
			if prev == nil {
				a.freeList[class] = blk.nextFree
			} else {
				prev.nextFree = blk.nextFree
			}
			blk.nextFree = nil
			return blk
		}
		prev = blk
	}
	return nil
}

func (a *Allocator) finishAlloc(blk *blockHeader) uintptr {
	blk.free = false
	a.stats.Allocated += blk.capacity + headerSize
	a.stats.Free -= blk.capacity + headerSize
	a.stats.AllocCount++
	a.stats.BlockCounts[a.classIndex(blk)]++
	return blk.payload()
}

func (a *Allocator) classIndex(blk *blockHeader) int {
	if blk.class == largeClass {
		return len(sizeClassThresholds)
	}
	return blk.class
}

// carve maps enough fresh frames to back one block of `capacity` payload
// bytes (plus its header) and links it into the physical prev/next chain
// immediately after whatever was carved last, so a later Free can coalesce
// across separate grow calls whenever their chunks land contiguously in the
// heap's virtual address space.
func (a *Allocator) carve(capacity mem.Size) (*blockHeader, *kernel.Error) {
	chunkSize := capacity + headerSize
	pages := chunkSize.Pages()

	base := a.nextVirt
	if base+uintptr(pages)*uintptr(mem.PageSize) > heapLimit {
		return nil, errOutOfVirtualSpace
	}

	for i := uint32(0); i < pages; i++ {
		frame, err := a.allocFrame()
		if err != nil {
			return nil, err
		}
		page := vmm.PageFromAddress(base + uintptr(i)*uintptr(mem.PageSize))
		if err := a.mapPage(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return nil, err
		}
	}
	a.nextVirt = base + uintptr(pages)*uintptr(mem.PageSize)

	blk := headerAt(base)
	blk.capacity = mem.Size(pages)*mem.PageSize - headerSize
	blk.selfAddr = base
	blk.next = nil

	if last := a.lastBlock; last != nil && last.payload()+uintptr(last.capacity) == base {
		blk.prev = last
		last.next = blk
	} else {
		blk.prev = nil
	}
	a.lastBlock = blk

	a.stats.Total += blk.capacity + headerSize
	return blk, nil
}

// grow carves a free block sized for `capacity` and files it under the
// size class its actual (page-rounded) capacity lands in.
func (a *Allocator) grow(capacity mem.Size) *kernel.Error {
	blk, err := a.carve(capacity)
	if err != nil {
		return err
	}
	blk.free = true
	if actual, isLarge := classFor(blk.capacity + headerSize); isLarge {
		blk.class = largeClass
	} else {
		blk.class = actual
	}

	a.insertFree(blk)
	a.stats.Free += blk.capacity + headerSize
	return nil
}

func (a *Allocator) takeFitLarge(required mem.Size) *blockHeader {
	var prev *blockHeader
	for blk := a.largeFreeList; blk != nil; blk = blk.nextFree {
		if blk.capacity+headerSize >= required {
			if prev == nil {
				a.largeFreeList = blk.nextFree
			} else {
				prev.nextFree = blk.nextFree
			}
			blk.nextFree = nil
			return blk
		}
		prev = blk
	}
	return nil
}

// insertFree pushes blk onto the head of its class's free list.
func (a *Allocator) insertFree(blk *blockHeader) {
	if blk.class == largeClass {
		blk.nextFree = a.largeFreeList
		a.largeFreeList = blk
		return
	}
	blk.nextFree = a.freeList[blk.class]
	a.freeList[blk.class] = blk
}

// Free releases a previously allocated block, coalescing it with any
// adjacent free block before returning it to its size class.
func (a *Allocator) Free(addr uintptr) {
	blk := headerFromPayload(addr)
	if blk.free {
		return
	}
	blk.free = true
	a.stats.Allocated -= blk.capacity + headerSize
	a.stats.Free += blk.capacity + headerSize
	a.stats.FreeCount++

	blk = a.coalesce(blk)
	a.insertFree(blk)
}

// coalesce merges blk with a physically-adjacent free neighbor (in either
// direction), unlinking the neighbor from its free list and updating the
// merged block's class. It returns the (possibly merged) block to insert.
func (a *Allocator) coalesce(blk *blockHeader) *blockHeader {
	if next := blk.next; next != nil && next.free {
		a.unlinkFree(next)
		blk.capacity += next.capacity + headerSize
		blk.next = next.next
		if blk.next != nil {
			blk.next.prev = blk
		}
		blk.class, _ = classFor(blk.capacity + headerSize)
	}
	if prev := blk.prev; prev != nil && prev.free {
		a.unlinkFree(prev)
		prev.capacity += blk.capacity + headerSize
		prev.next = blk.next
		if prev.next != nil {
			prev.next.prev = prev
		}
		prev.class, _ = classFor(prev.capacity + headerSize)
		blk = prev
	}
	return blk
}

// unlinkFree removes blk from whichever free list it currently sits in.
func (a *Allocator) unlinkFree(blk *blockHeader) {
	var list **blockHeader
	if blk.class == largeClass {
		list = &a.largeFreeList
	} else {
		list = &a.freeList[blk.class]
	}

	if *list == blk {
		*list = blk.nextFree
		blk.nextFree = nil
		return
	}
	for cur := *list; cur != nil; cur = cur.nextFree {
		if cur.nextFree == blk {
			cur.nextFree = blk.nextFree
			blk.nextFree = nil
			return
		}
	}
}

// Stats returns a snapshot of the allocator's diagnostic counters.
func (a *Allocator) Stats() Stats {
	return a.stats
}
