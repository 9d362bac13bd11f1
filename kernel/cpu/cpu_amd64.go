// Package cpu declares the privileged instructions the kernel needs as
// Go functions; each is implemented by a hand-written assembly stub
// since no Go-level construct can express them.
package cpu

// EnableInterrupts allows maskable interrupt delivery (STI).
func EnableInterrupts()

// DisableInterrupts suspends maskable interrupt delivery (CLI).
func DisableInterrupts()

// Halt parks the CPU until the next interrupt (HLT).
func Halt()

// FlushTLBEntry evicts the TLB entry covering virtAddr (INVLPG).
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT loads the page-table root at pdtPhysAddr into CR3, which
// also flushes all non-global TLB entries.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT reads CR3: the physical address of the live page-table root.
func ActivePDT() uintptr

// ReadCR2 reads CR2, where the CPU latches the faulting virtual address
// of the most recent page fault.
func ReadCR2() uint64

// ReadTSC samples the time-stamp counter (RDTSC).
func ReadTSC() uint64

// PortWriteByte writes val to the I/O port addressed by port (OUT).
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a byte from the I/O port addressed by port (IN).
func PortReadByte(port uint16) uint8

// ID executes CPUID for the supplied leaf and returns the eax, ebx, ecx
// and edx register values.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)
