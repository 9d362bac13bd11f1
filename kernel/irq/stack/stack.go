// Package stack manages the dedicated exception stacks selectable through
// the interrupt stack table. Each mounted stack is preceded by a guard
// page that is deliberately left unmapped: an overflow walks off the
// bottom of the stack into the guard and raises a page fault at a
// predictable address, which the page-fault handler resolves back to the
// owning stack's name instead of misreporting a wild access.
package stack

import (
	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/irq"
	"github.com/Lon60/slopos-sub001/kernel/mem"
	"github.com/Lon60/slopos-sub001/kernel/mem/pmm"
	"github.com/Lon60/slopos-sub001/kernel/mem/vmm"
)

// maxStacks matches the number of interrupt-stack-table slots the CPU
// provides (IST indices 1-7).
const maxStacks = 7

// Descriptor records a mounted exception stack: its name, the usable
// range and the virtual address of its guard page.
type Descriptor struct {
	// Name identifies the stack in overflow panics ("df-stack", ...).
	Name string

	// Base is the lowest usable (mapped) address; the stack grows down
	// towards it.
	Base uintptr

	// Size is the usable stack size in bytes, excluding the guard page.
	Size mem.Size

	// Guard is the virtual address of the unmapped guard page placed
	// immediately below Base.
	Guard uintptr

	// ISTIndex is the interrupt-stack-table slot the stack is installed
	// into.
	ISTIndex uint8
}

var (
	mounted      [maxStacks]Descriptor
	mountedCount int

	errNoFreeSlot  = &kernel.Error{Module: "irq.stack", Message: "all interrupt stack table slots are in use"}
	errBadISTIndex = &kernel.Error{Module: "irq.stack", Message: "interrupt stack table index must be in [1, 7]"}

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	reserveRegionFn = vmm.EarlyReserveRegion
	mapFn           = vmm.Map
	useISTStackFn   = irq.UseISTStack
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

var frameAllocFn FrameAllocatorFn

// Init wires the manager to its physical frame source and registers the
// guard-page lookup with the page-fault path. It must run before the
// first Mount call.
func Init(alloc FrameAllocatorFn) {
	frameAllocFn = alloc
	vmm.SetGuardCheck(GuardFault)
}

// Mount carves a guard-paged stack of the given usable size, installs it
// into the interrupt stack table at istIndex and directs the supplied
// vectors to it. The virtual layout is one unmapped guard page followed
// by size bytes of mapped stack; the returned descriptor's Base+Size is
// the initial stack top the CPU loads from the IST slot.
func Mount(name string, istIndex uint8, size mem.Size, vectors ...irq.ExceptionNum) (Descriptor, *kernel.Error) {
	if istIndex == 0 || istIndex > maxStacks {
		return Descriptor{}, errBadISTIndex
	}
	if mountedCount == maxStacks {
		return Descriptor{}, errNoFreeSlot
	}

	size = (size + mem.PageSize - 1) &^ (mem.PageSize - 1)

	regionStart, err := reserveRegionFn(size + mem.PageSize)
	if err != nil {
		return Descriptor{}, err
	}

	desc := Descriptor{
		Name:     name,
		Guard:    regionStart,
		Base:     regionStart + uintptr(mem.PageSize),
		Size:     size,
		ISTIndex: istIndex,
	}

	// Map the usable pages; the guard page at regionStart stays unmapped.
	for offset := mem.Size(0); offset < size; offset += mem.PageSize {
		frame, allocErr := frameAllocFn()
		if allocErr != nil {
			return Descriptor{}, allocErr
		}

		page := vmm.PageFromAddress(desc.Base + uintptr(offset))
		if mapErr := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); mapErr != nil {
			return Descriptor{}, mapErr
		}
	}

	mounted[mountedCount] = desc
	mountedCount++

	for _, vector := range vectors {
		useISTStackFn(vector, istIndex)
	}

	return desc, nil
}

// GuardFault resolves a faulting address to the name of the exception
// stack whose guard page contains it. A hit means the named stack
// overflowed; the caller must treat this as fatal.
func GuardFault(faultAddr uintptr) (string, bool) {
	for i := 0; i < mountedCount; i++ {
		if faultAddr >= mounted[i].Guard && faultAddr < mounted[i].Guard+uintptr(mem.PageSize) {
			return mounted[i].Name, true
		}
	}
	return "", false
}

// Mounted returns the descriptors of all mounted stacks. Callers must not
// mutate the returned slice.
func Mounted() []Descriptor {
	return mounted[:mountedCount]
}
