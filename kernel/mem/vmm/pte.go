package vmm

import "github.com/Lon60/slopos-sub001/kernel/mem/pmm"

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

const (
	// FlagPresent is set when the page is present in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set when the page is writable.
	FlagRW

	// FlagUser is set when the page is accessible from user-mode (ring 3).
	FlagUser

	// FlagWriteThrough enables write-through caching for the page.
	FlagWriteThrough

	// FlagCacheDisable disables caching for the page.
	FlagCacheDisable

	// FlagAccessed is set by the CPU when the page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when the page is written to.
	FlagDirty

	// FlagHugePage marks a directory entry as pointing directly to a large page.
	FlagHugePage

	// FlagGlobal prevents the TLB from flushing this entry on a CR3 reload.
	FlagGlobal

	// FlagCopyOnWrite flags a read-only page as requiring a copy-on-write
	// fault handler invocation before it can be made writable.
	FlagCopyOnWrite

	// FlagNoExecute disallows code execution when set (requires NX support).
	FlagNoExecute PageTableEntryFlag = 1 << 63

	// FlagReplaceExisting is a synthetic flag (never written to an actual
	// entry) that callers of Map pass to opt out of the default
	// already-mapped refusal.
	FlagReplaceExisting PageTableEntryFlag = 1 << 62
)

// pageTableEntry represents a single entry in a page table at any of the
// supported paging levels.
type pageTableEntry uintptr

// HasFlags returns true if all flags specified by flagSet are set.
func (pte pageTableEntry) HasFlags(flagSet PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flagSet)) == uintptr(flagSet)
}

// HasAnyFlag returns true if any of the flags specified by flagSet are set.
func (pte pageTableEntry) HasAnyFlag(flagSet PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flagSet)) != 0
}

// SetFlags sets the flags specified by flagSet leaving all other flags intact.
func (pte *pageTableEntry) SetFlags(flagSet PageTableEntryFlag) {
	*pte |= pageTableEntry(flagSet)
}

// ClearFlags clears the flags specified by flagSet leaving all other flags intact.
func (pte *pageTableEntry) ClearFlags(flagSet PageTableEntryFlag) {
	*pte &^= pageTableEntry(flagSet)
}

// Frame returns the physical frame this entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uintptr(pte) & physAddrMask) >> mem12Shift)
}

// SetFrame updates the pte so it points to the supplied physical frame,
// leaving the flag bits intact.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = (*pte &^ pageTableEntry(physAddrMask)) | pageTableEntry(frame.Address()&physAddrMask)
}

const (
	// mem12Shift matches mem.PageShift without importing mem to avoid a cycle
	// in test files that construct raw entries.
	mem12Shift = 12

	// physAddrMask masks off the physical-address bits of a page table entry,
	// excluding the flag bits at the low end and the NX bit at the top.
	physAddrMask = uintptr(0x000ffffffffff000)
)
