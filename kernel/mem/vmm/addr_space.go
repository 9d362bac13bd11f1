package vmm

import (
	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/mem"
	"github.com/Lon60/slopos-sub001/kernel/mem/pmm"
)

const (
	// kernelHalfStart is the first top-level table slot belonging to the
	// shared kernel half; slots [kernelHalfStart, 512) map the higher
	// half on every address space.
	kernelHalfStart = 256

	// tableEntryCount is the number of entries in a page table at any
	// level.
	tableEntryCount = 512

	// NoProcess marks an address space (or task) as owned by the kernel
	// rather than a process.
	NoProcess = uint32(0)
)

// AddressSpace pairs a root page table with its reference count and owning
// process. The kernel half of every address space aliases the canonical
// kernel tables: the top-level entries are copied at creation so the
// lower-level kernel tables are shared by reference, never duplicated.
type AddressSpace struct {
	pdt      PageDirectoryTable
	refCount int32
	ownerPID uint32
}

var (
	// kernelSpace is the canonical kernel address space captured by
	// InitKernelSpace; every created address space inherits its top-half
	// entries.
	kernelSpace *AddressSpace

	// kernelSpaceData backs kernelSpace so Init does not need the Go
	// allocator.
	kernelSpaceData AddressSpace

	errKernelSpaceNotInitialized = &kernel.Error{Module: "vmm", Message: "kernel address space has not been captured"}
)

// pml4SelfAddr is the virtual address the active top-level table is
// visible at through the recursive mapping.
const pml4SelfAddr = canonicalHighBits |
	(recursiveEntry << 39) | (recursiveEntry << 30) | (recursiveEntry << 21) | (recursiveEntry << 12)

// InitKernelSpace captures the currently active page table as the
// canonical kernel address space. It must run while the boot page tables
// are active and before the first CreateAddressSpace call.
func InitKernelSpace() *AddressSpace {
	kernelSpaceData = AddressSpace{
		pdt:      PageDirectoryTable{pdtFrame: pmm.Frame(activePDTFn() >> mem.PageShift)},
		refCount: 1,
		ownerPID: NoProcess,
	}
	kernelSpace = &kernelSpaceData
	return kernelSpace
}

// KernelSpace returns the canonical kernel address space or nil before
// InitKernelSpace has run.
func KernelSpace() *AddressSpace {
	return kernelSpace
}

// Init allocates a fresh root table for s on behalf of ownerPID. The new
// space starts with an empty user half and a kernel half whose top-level
// entries are copied verbatim from the canonical kernel space, so kernel
// mappings established later through lower-level shared tables appear in
// every live space.
//
// The canonical kernel tables must be active when this is called; the
// kernel entries are read through the recursive self-mapping.
func (s *AddressSpace) Init(ownerPID uint32) *kernel.Error {
	if kernelSpace == nil {
		return errKernelSpaceNotInitialized
	}
	if frameAllocator == nil {
		return errNoFrameAllocator
	}

	rootFrame, err := frameAllocator()
	if err != nil {
		return err
	}

	// pdt.Init clears the new root and points its recursive slot back at
	// itself.
	if err = s.pdt.Init(rootFrame); err != nil {
		return err
	}

	// Copy the kernel top-half entries. The recursive slot was set up by
	// pdt.Init to reference the new root and must not be overwritten
	// with the kernel's own self-reference.
	tmpPage, err := mapTemporaryFn(rootFrame)
	if err != nil {
		return err
	}

	newEntries := (*[tableEntryCount]pageTableEntry)(ptePtrFn(tmpPage.Address()))
	kernelEntries := (*[tableEntryCount]pageTableEntry)(ptePtrFn(nextAddrFn(pml4SelfAddr)))
	for i := kernelHalfStart; i < tableEntryCount; i++ {
		if uintptr(i) == recursiveEntry {
			continue
		}
		newEntries[i] = kernelEntries[i]
	}

	unmapFn(tmpPage)

	s.refCount = 1
	s.ownerPID = ownerPID
	return nil
}

// Root returns the physical address of the space's top-level table; it is
// the value a context switch loads into CR3.
func (s *AddressSpace) Root() uintptr {
	return s.pdt.pdtFrame.Address()
}

// Owner returns the process id the space belongs to, or NoProcess.
func (s *AddressSpace) Owner() uint32 {
	return s.ownerPID
}

// Map establishes a mapping inside this address space, creating any
// missing intermediate tables.
func (s *AddressSpace) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return s.pdt.Map(page, frame, flags)
}

// Unmap removes a mapping previously installed in this address space.
func (s *AddressSpace) Unmap(page Page) *kernel.Error {
	return s.pdt.Unmap(page)
}

// Switch activates this address space. Switching to the already active
// space is a no-op, which also keeps repeated switches idempotent.
func (s *AddressSpace) Switch() {
	if pmm.Frame(activePDTFn()>>mem.PageShift) == s.pdt.pdtFrame {
		return
	}
	s.pdt.Activate()
}

// Retain increments the space's reference count.
func (s *AddressSpace) Retain() {
	s.refCount++
}

// Release decrements the reference count and frees the root table once it
// reaches zero. The caller must have unmapped (and freed) all user-half
// frames first; the shared kernel half is never freed through a
// non-canonical root. freeFrame is normally allocator.FreeFrame.
func (s *AddressSpace) Release(freeFrame func(pmm.Frame) *kernel.Error) *kernel.Error {
	if s.refCount <= 0 {
		return ErrAddressSpaceReleased
	}

	s.refCount--
	if s.refCount > 0 || s == kernelSpace {
		return nil
	}

	return freeFrame(s.pdt.pdtFrame)
}
