package vmm

import (
	"unsafe"

	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/mem"
)

const (
	// pageLevels is the number of levels in the x86_64 4 KiB paging
	// hierarchy: PML4, PDPT, PD and PT.
	pageLevels = 4

	// recursiveEntry is the PML4 slot that is set up (by the bootstrap code)
	// to point back at the active PML4 itself. This lets the kernel address
	// any live page table as ordinary memory without a temporary mapping.
	recursiveEntry = uintptr(511)

	// canonicalHighBits sign-extends a 48-bit recursively-addressed virtual
	// address into a canonical 64-bit one.
	canonicalHighBits = uintptr(0xffff000000000000)
)

var (
	// pageLevelBits holds the number of index bits consumed at each paging
	// level (PML4 first).
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts holds the bit offset of each level's index field
	// inside a virtual address, PML4 first.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

	// ptePtrFn converts the virtual address of a page table entry slot
	// (computed via the recursive mapping trick) into a usable pointer. It
	// is overridden by tests and inlined by the compiler otherwise.
	ptePtrFn = func(entry uintptr) unsafe.Pointer { return unsafe.Pointer(entry) }
)

// pageTableIndex extracts the paging-level index (0 == PML4) encoded in
// virtAddr.
func pageTableIndex(level uint8, virtAddr uintptr) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & 0x1ff
}

// pteVirtAddr computes the virtual address of the page table entry at
// paging level `level` that is responsible for virtAddr, using the
// recursive PML4 self-mapping at recursiveEntry.
func pteVirtAddr(level uint8, virtAddr uintptr) uintptr {
	p4, p3, p2, p1 := pageTableIndex(0, virtAddr), pageTableIndex(1, virtAddr), pageTableIndex(2, virtAddr), pageTableIndex(3, virtAddr)

	switch level {
	case 0:
		return canonicalHighBits |
			(recursiveEntry << 39) | (recursiveEntry << 30) | (recursiveEntry << 21) | (recursiveEntry << 12) |
			(p4 << 3)
	case 1:
		return canonicalHighBits |
			(recursiveEntry << 39) | (recursiveEntry << 30) | (recursiveEntry << 21) |
			(p4 << 12) | (p3 << 3)
	case 2:
		return canonicalHighBits |
			(recursiveEntry << 39) | (recursiveEntry << 30) |
			(p4 << 21) | (p3 << 12) | (p2 << 3)
	default:
		return canonicalHighBits |
			(recursiveEntry << 39) |
			(p4 << 30) | (p3 << 21) | (p2 << 12) | (p1 << 3)
	}
}

// walk invokes visitFn once per paging level (PML4 first, PT last) that is
// responsible for virtAddr, stopping early if visitFn returns false.
func walk(virtAddr uintptr, visitFn func(pteLevel uint8, pte *pageTableEntry) bool) {
	for level := uint8(0); level < pageLevels; level++ {
		pte := (*pageTableEntry)(ptePtrFn(pteVirtAddr(level, virtAddr)))
		if !visitFn(level, pte) {
			return
		}
	}
}

// Translate resolves virtAddr to its physical address through the active
// page tables: the leaf entry's frame supplies the page bits and the
// virtual address the in-page offset. Unmapped addresses yield
// ErrInvalidMapping.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	return pte.Frame().Address() | (virtAddr & uintptr(mem.PageSize-1)), nil
}

// pteForAddress walks the active page tables and returns the leaf entry
// that maps virtAddr, or ErrInvalidMapping if no such mapping exists.
func pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		leaf *pageTableEntry
		err  *kernel.Error
	)

	walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if level == pageLevels-1 {
			leaf = pte
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	if err != nil {
		return nil, err
	}

	return leaf, nil
}
