package diag

import "github.com/Lon60/slopos-sub001/kernel/kfmt/early"

// DoubleFaultInfo describes a double fault. The CPU always pushes a zero
// error code for vector 8, so the only useful diagnostics are the saved
// instruction and stack pointers; a non-zero code indicates state
// corruption and is reported as such.
type DoubleFaultInfo struct {
	ErrorCode uint64
	RIP       uint64
	RSP       uint64
}

// DecodeDoubleFault packages the double-fault frame fields for reporting.
func DecodeDoubleFault(errorCode, rip, rsp uint64) DoubleFaultInfo {
	return DoubleFaultInfo{ErrorCode: errorCode, RIP: rip, RSP: rsp}
}

// Print reports the double fault to the active diagnostic sink. Double
// faults are never recoverable; the caller must panic after reporting.
func (info DoubleFaultInfo) Print() {
	early.Printf("double fault at RIP 0x%16x (RSP 0x%16x)\n", info.RIP, info.RSP)
	if info.ErrorCode != 0 {
		early.Printf("error code 0x%x is non-zero: frame state is suspect\n", info.ErrorCode)
	}
}
