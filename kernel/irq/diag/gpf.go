package diag

import "github.com/Lon60/slopos-sub001/kernel/kfmt/early"

// DescriptorTable identifies the table a selector-error code refers to.
type DescriptorTable uint8

const (
	// TableGDT is the global descriptor table.
	TableGDT DescriptorTable = iota

	// TableIDT is the interrupt descriptor table.
	TableIDT

	// TableLDT is the local descriptor table.
	TableLDT
)

// String returns the conventional abbreviation for the table.
func (t DescriptorTable) String() string {
	switch t {
	case TableIDT:
		return "IDT"
	case TableLDT:
		return "LDT"
	default:
		return "GDT"
	}
}

// SelectorErrorInfo is the decoded form of the 16-bit selector error code
// pushed for general protection faults (and several segment exceptions).
// A zero error code means the fault was not selector-related.
type SelectorErrorInfo struct {
	// External is set when the fault originated outside the CPU (for
	// example a hardware interrupt delivered through a bad gate).
	External bool

	// Table is the descriptor table the selector index refers to.
	Table DescriptorTable

	// Index is the selector index within Table.
	Index uint16
}

// DecodeSelectorError expands the 16-bit selector error code. Bit 0 is the
// external flag, bits 1-2 select the table (01 and 11 both mean the IDT)
// and bits 3-15 hold the selector index.
func DecodeSelectorError(errorCode uint64) SelectorErrorInfo {
	info := SelectorErrorInfo{
		External: errorCode&0x1 != 0,
		Index:    uint16(errorCode>>3) & 0x1fff,
	}

	switch (errorCode >> 1) & 0x3 {
	case 0x1, 0x3:
		info.Table = TableIDT
	case 0x2:
		info.Table = TableLDT
	default:
		info.Table = TableGDT
	}

	return info
}

// Print reports the decoded selector error and the faulting instruction
// pointer to the active diagnostic sink.
func (info SelectorErrorInfo) Print(rip uint64) {
	early.Printf("general protection fault at RIP 0x%16x\n", rip)
	early.Printf("selector: index %d in %s", info.Index, info.Table.String())
	if info.External {
		early.Printf(" (external origin)")
	}
	early.Printf("\n")
}
