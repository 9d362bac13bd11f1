// Package vm manages per-process virtual memory: a private user half
// described by a list of permission-tagged areas, layered over an address
// space whose kernel half is shared with the canonical kernel tables.
package vm

import (
	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/mem"
	"github.com/Lon60/slopos-sub001/kernel/mem/pmm"
	"github.com/Lon60/slopos-sub001/kernel/mem/pmm/allocator"
	"github.com/Lon60/slopos-sub001/kernel/mem/vmm"
)

// Flag describes the access rights of a virtual memory area.
type Flag uint8

const (
	// FlagRead permits loads from the area.
	FlagRead Flag = 1 << iota

	// FlagWrite permits stores to the area.
	FlagWrite

	// FlagExec permits instruction fetches from the area.
	FlagExec

	// FlagUser makes the area accessible from ring 3.
	FlagUser
)

const (
	// userHalfEnd is the first non-canonical address; every area must
	// fit below it.
	userHalfEnd = uintptr(0x0000800000000000)

	// userStackTop is the exclusive upper bound the first stack area is
	// carved below. One unmapped page is kept between the stack top and
	// the canonical boundary.
	userStackTop = uintptr(0x00007ffffffff000)
)

// VMA is a contiguous, permission-tagged region [Start, End) in the user
// half of an address space. Areas never overlap within a space.
type VMA struct {
	Start uintptr
	End   uintptr
	Flags Flag

	refCount int32

	// frames records the physical frames mapped into the area, in page
	// order, so teardown can free them without a cross-space table walk.
	frames []pmm.Frame
}

// Retain increments the area's reference count.
func (v *VMA) Retain() {
	v.refCount++
}

// RefCount returns the area's current reference count.
func (v *VMA) RefCount() int32 {
	return v.refCount
}

// Space is a process's view of memory: an address space plus the areas
// carved into its user half.
type Space struct {
	addrSpace vmm.AddressSpace
	vmas      []*VMA
}

var (
	errAreaBounds  = &kernel.Error{Module: "vm", Message: "area must be page-aligned and inside the user half"}
	errAreaOverlap = &kernel.Error{Module: "vm", Message: "area overlaps an existing area"}

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	frameAllocFn = allocator.AllocFrame
	frameFreeFn  = allocator.FreeFrame
	mapFn        = func(s *vmm.AddressSpace, page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		return s.Map(page, frame, flags)
	}
	unmapFn = func(s *vmm.AddressSpace, page vmm.Page) *kernel.Error {
		return s.Unmap(page)
	}
)

// Init creates the space's address space for ownerPID. The user half
// starts empty; the kernel half is inherited from the canonical kernel
// space.
func (s *Space) Init(ownerPID uint32) *kernel.Error {
	return s.addrSpace.Init(ownerPID)
}

// AddressSpace exposes the underlying address space, e.g. for a context
// switch that needs its root.
func (s *Space) AddressSpace() *vmm.AddressSpace {
	return &s.addrSpace
}

// Root returns the physical address of the space's top-level page table.
func (s *Space) Root() uintptr {
	return s.addrSpace.Root()
}

// Areas returns the space's areas. Callers must not mutate the returned
// slice.
func (s *Space) Areas() []*VMA {
	return s.vmas
}

// Insert carves a new area [start, end) with the supplied flags. Both
// bounds must be page-aligned, the range must lie in the user half and it
// must not overlap any existing area.
func (s *Space) Insert(start, end uintptr, flags Flag) (*VMA, *kernel.Error) {
	if start >= end || end > userHalfEnd ||
		start&uintptr(mem.PageSize-1) != 0 || end&uintptr(mem.PageSize-1) != 0 {
		return nil, errAreaBounds
	}

	for _, vma := range s.vmas {
		if start < vma.End && vma.Start < end {
			return nil, errAreaOverlap
		}
	}

	vma := &VMA{Start: start, End: end, Flags: flags, refCount: 1}
	s.vmas = append(s.vmas, vma)
	return vma, nil
}

// MapEager backs every page of vma with a freshly allocated frame. The
// area's flags translate to page-table flags; areas without FlagExec are
// mapped no-execute.
func (s *Space) MapEager(vma *VMA) *kernel.Error {
	pteFlags := vmm.FlagPresent
	if vma.Flags&FlagWrite != 0 {
		pteFlags |= vmm.FlagRW
	}
	if vma.Flags&FlagUser != 0 {
		pteFlags |= vmm.FlagUser
	}
	if vma.Flags&FlagExec == 0 {
		pteFlags |= vmm.FlagNoExecute
	}

	for addr := vma.Start; addr < vma.End; addr += uintptr(mem.PageSize) {
		frame, err := frameAllocFn()
		if err != nil {
			return err
		}
		if err = mapFn(&s.addrSpace, vmm.PageFromAddress(addr), frame, pteFlags); err != nil {
			return err
		}
		vma.frames = append(vma.frames, frame)
	}

	return nil
}

// AllocStack carves and eagerly maps a stack area of the given size below
// the user stack top, returning the area and the initial stack pointer.
func (s *Space) AllocStack(size mem.Size) (*VMA, uintptr, *kernel.Error) {
	size = (size + mem.PageSize - 1) &^ (mem.PageSize - 1)

	top := userStackTop
	// Stack areas stack downwards below any existing area to keep the
	// hot path free of a general hole-finder.
	for _, vma := range s.vmas {
		if vma.End <= top && vma.Start-uintptr(mem.PageSize) < top {
			top = vma.Start - uintptr(mem.PageSize)
		}
	}

	vma, err := s.Insert(top-uintptr(size), top, FlagRead|FlagWrite|FlagUser)
	if err != nil {
		return nil, 0, err
	}
	if err = s.MapEager(vma); err != nil {
		return nil, 0, err
	}

	return vma, vma.End, nil
}

// removeArea releases one reference from vma; when the last reference
// drops, its pages are unmapped, its frames freed and the area unlinked.
func (s *Space) removeArea(index int) *kernel.Error {
	vma := s.vmas[index]
	vma.refCount--
	if vma.refCount > 0 {
		return nil
	}

	for i, frame := range vma.frames {
		page := vmm.PageFromAddress(vma.Start + uintptr(i)*uintptr(mem.PageSize))
		if err := unmapFn(&s.addrSpace, page); err != nil {
			return err
		}
		if err := frameFreeFn(frame); err != nil {
			return err
		}
	}

	s.vmas = append(s.vmas[:index], s.vmas[index+1:]...)
	return nil
}

// Remove releases one reference from the area starting at start.
// Removing an unknown area is a no-op.
func (s *Space) Remove(start uintptr) *kernel.Error {
	for i, vma := range s.vmas {
		if vma.Start == start {
			return s.removeArea(i)
		}
	}
	return nil
}

// Destroy tears the space down: every area is fully released regardless
// of its reference count, then the address space root is dropped. The
// shared kernel half is untouched. Destroying a space whose address space
// was never initialized only unlinks the areas.
func (s *Space) Destroy() *kernel.Error {
	for len(s.vmas) > 0 {
		s.vmas[0].refCount = 1
		if err := s.removeArea(0); err != nil {
			return err
		}
	}

	if err := s.addrSpace.Release(frameFreeFn); err != nil && err != vmm.ErrAddressSpaceReleased {
		return err
	}
	return nil
}
