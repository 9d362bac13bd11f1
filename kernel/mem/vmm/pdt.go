package vmm

import (
	"unsafe"

	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/cpu"
	"github.com/Lon60/slopos-sub001/kernel/mem"
	"github.com/Lon60/slopos-sub001/kernel/mem/pmm"
)

var (
	// activePDTFn and switchPDTFn wrap the privileged CR3 accessors;
	// tests override them since the real instructions fault outside
	// ring 0.
	activePDTFn = cpu.ActivePDT
	switchPDTFn = cpu.SwitchPDT

	// mapFn, mapTemporaryFn and unmapFn are mocked by tests and are
	// automatically inlined by the compiler.
	mapFn          = Map
	mapTemporaryFn = MapTemporary
	unmapFn        = Unmap
)

// lastSlotOffset is the byte offset of a table's final entry, the slot
// reserved for the recursive self-mapping.
const lastSlotOffset = uintptr(tableEntryCount-1) << mem.PointerShift

// PageDirectoryTable is a handle on a top-level page table, live or not.
// Operations on a table that is not the active one are tunneled through
// the active table's recursive slot, so no permanent mapping of foreign
// page tables ever exists.
type PageDirectoryTable struct {
	pdtFrame pmm.Frame
}

// Init takes ownership of pdtFrame as this table's root. A frame that is
// already the live root was necessarily set up by the boot path and is
// left untouched; any other frame is wiped through a temporary mapping
// and gets its final slot pointed back at itself, which is what later
// lets the table address its own entries once activated.
func (pdt *PageDirectoryTable) Init(pdtFrame pmm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	if pdtFrame.Address() == activePDTFn() {
		return nil
	}

	tmp, err := mapTemporaryFn(pdtFrame)
	if err != nil {
		return err
	}

	mem.Memset(tmp.Address(), 0, mem.PageSize)

	self := (*pageTableEntry)(unsafe.Pointer(tmp.Address() + lastSlotOffset))
	*self = 0
	self.SetFlags(FlagPresent | FlagRW)
	self.SetFrame(pdtFrame)

	unmapFn(tmp)
	return nil
}

// withWindow runs do with this table reachable through the recursive
// address scheme. When the table is already active nothing needs to be
// done; otherwise the active table's recursive slot is retargeted at
// this table for the duration of the call and restored afterwards, with
// a TLB flush on both edits.
func (pdt PageDirectoryTable) withWindow(do func() *kernel.Error) *kernel.Error {
	activeFrame := pmm.Frame(activePDTFn() >> mem.PageShift)
	if activeFrame == pdt.pdtFrame {
		return do()
	}

	slotAddr := activeFrame.Address() + lastSlotOffset
	slot := (*pageTableEntry)(unsafe.Pointer(slotAddr))

	slot.SetFrame(pdt.pdtFrame)
	flushTLBEntryFn(slotAddr)

	err := do()

	slot.SetFrame(activeFrame)
	flushTLBEntryFn(slotAddr)

	return err
}

// Map establishes a mapping between page and frame inside this table. It
// behaves like the package-level Map but also accepts inactive tables by
// tunneling through the recursive window.
func (pdt PageDirectoryTable) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return pdt.withWindow(func() *kernel.Error {
		return mapFn(page, frame, flags)
	})
}

// Unmap removes a mapping previously installed by Map on this table,
// accepting inactive tables the same way Map does.
func (pdt PageDirectoryTable) Unmap(page Page) *kernel.Error {
	return pdt.withWindow(func() *kernel.Error {
		return unmapFn(page)
	})
}

// Activate loads this table as the live root and flushes the TLB.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}
