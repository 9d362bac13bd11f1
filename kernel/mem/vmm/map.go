package vmm

import (
	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/cpu"
	"github.com/Lon60/slopos-sub001/kernel/mem"
	"github.com/Lon60/slopos-sub001/kernel/mem/pmm"
)

var (
	// nextAddrFn is used by tests to override the nextTableAddr
	// calculations used by Map. When compiling the kernel this function
	// will be automatically inlined.
	nextAddrFn = func(entryAddr uintptr) uintptr {
		return entryAddr
	}

	// flushTLBEntryFn is used by tests to override the privileged TLB
	// flush, which faults when executed in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errNoFrameAllocator  = &kernel.Error{Module: "vmm", Message: "no frame allocator registered"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// tempMappingAddr is the fixed virtual address used by MapTemporary to
// expose an arbitrary physical frame for read/write access. It decodes to
// page-table indices {p4: 510, p3: 511, p2: 511, p1: 511}.
const tempMappingAddr = canonicalHighBits | uintptr(510<<39|511<<30|511<<21|511<<12)

// Map establishes a mapping between a virtual page and a physical memory
// frame using the currently active page directory table. Calls to Map use
// the frame allocator registered via SetFrameAllocator to initialize
// missing page tables at each paging level supported by the MMU.
//
// Map fails with ErrAlreadyMapped if the target page is already mapped
// unless FlagReplaceExisting is set in flags.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) && flags&FlagReplaceExisting == 0 {
				err = ErrAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | (flags &^ FlagReplaceExisting))
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it, map it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			if frameAllocator == nil {
				err = errNoFrameAllocator
				return false
			}

			newTableFrame, allocErr := frameAllocator()
			if allocErr != nil {
				err = allocErr
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			// The next-level table becomes addressable via the
			// recursive mapping; clear its contents before use.
			nextTableAddr := pteVirtAddr(pteLevel+1, page.Address()) &^ (mem.PageSize - 1)
			mem.Memset(nextAddrFn(nextTableAddr), 0, mem.PageSize)
		}

		return true
	})

	return err
}

// MapTemporary establishes a temporary RW mapping of a physical memory frame
// to a fixed virtual address overwriting any previous mapping. The
// temporary mapping mechanism is primarily used by the kernel to access and
// initialize inactive page tables, using the frame allocator registered via
// SetFrameAllocator for any intermediate tables it needs to create.
func MapTemporary(frame pmm.Frame) (Page, *kernel.Error) {
	if err := Map(PageFromAddress(tempMappingAddr), frame, FlagRW|FlagReplaceExisting); err != nil {
		return 0, err
	}

	return PageFromAddress(tempMappingAddr), nil
}

// Unmap removes a mapping previously installed via a call to Map or MapTemporary.
func Unmap(page Page) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to set the
		// page as non-present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		// Next table is not present; this is an invalid mapping
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}
