package itest

// The fault provokers are tiny assembly stubs: the harness must know the
// exact shape of the faulting instruction (to skip it) or be handed an
// explicit resume label (to jump over it), neither of which Go code can
// promise.

// triggerBreakpoint executes INT3.
func triggerBreakpoint()

// triggerInvalidOpcode executes UD2.
func triggerInvalidOpcode()

// triggerDivideByZero divides by a zero register.
func triggerDivideByZero()

// triggerOverflow raises the overflow trap via INTO semantics emulated
// with INT 4.
func triggerOverflow()

// faultProbeRead performs a 1-byte load from addr. The load is the
// stub's first instruction and is immediately followed by the label
// faultProbeResumeAddr returns, so a handler that rewrites the frame RIP
// to that label resumes the stub right after the faulting load.
func faultProbeRead(addr uintptr)

// faultProbeResumeAddr returns the address of the instruction following
// faultProbeRead's load.
func faultProbeResumeAddr() uintptr

// faultProbeWrite performs a 1-byte store to addr, with the same resume
// label contract as faultProbeRead.
func faultProbeWrite(addr uintptr)

// faultProbeWriteResumeAddr returns the address of the instruction
// following faultProbeWrite's store.
func faultProbeWriteResumeAddr() uintptr
