// Package diag decodes the error codes the CPU pushes for the faults the
// kernel analyzes: page faults, general protection faults and double
// faults. The decoders are pure so the panic path and the fault-injection
// harness can share them.
package diag

import "github.com/Lon60/slopos-sub001/kernel/kfmt/early"

// Page-fault error code bits.
const (
	pfPresent = 1 << iota
	pfWrite
	pfUser
	pfReservedBit
	pfInstrFetch
)

// PageFaultInfo is the decoded form of a page-fault error code plus the
// faulting address the CPU latched into CR2.
type PageFaultInfo struct {
	// Addr is the faulting virtual address (CR2).
	Addr uintptr

	// Present is set when the fault was a protection violation on a
	// present page; clear means the page was not present.
	Present bool

	// Write is set for a write access, clear for a read.
	Write bool

	// User is set when the access originated in user mode.
	User bool

	// ReservedBit is set when a reserved page-table bit was found set.
	ReservedBit bool

	// InstrFetch is set when the fault was raised by an instruction
	// fetch.
	InstrFetch bool
}

// DecodePageFault expands the CPU-pushed error code bits.
func DecodePageFault(errorCode uint64, faultAddr uintptr) PageFaultInfo {
	return PageFaultInfo{
		Addr:        faultAddr,
		Present:     errorCode&pfPresent != 0,
		Write:       errorCode&pfWrite != 0,
		User:        errorCode&pfUser != 0,
		ReservedBit: errorCode&pfReservedBit != 0,
		InstrFetch:  errorCode&pfInstrFetch != 0,
	}
}

// Print reports the decoded fault to the active diagnostic sink.
func (info PageFaultInfo) Print() {
	early.Printf("page fault while accessing address: 0x%16x\nreason: ", uint64(info.Addr))

	switch {
	case info.ReservedBit:
		early.Printf("page table has reserved bit set")
	case info.InstrFetch:
		early.Printf("instruction fetch")
	case info.Present && info.Write:
		early.Printf("page protection violation (write)")
	case info.Present:
		early.Printf("page protection violation (read)")
	case info.Write:
		early.Printf("write to non-present page")
	default:
		early.Printf("read from non-present page")
	}

	if info.User {
		early.Printf(" in user-mode")
	}
	early.Printf("\n")
}
