// Package pmm defines the vocabulary of the physical memory manager:
// physical memory travels through the kernel as page-sized frame
// numbers, never as raw addresses, so a frame cannot be accidentally
// used where a byte offset is expected.
package pmm

import "github.com/Lon60/slopos-sub001/kernel/mem"

// Frame numbers a physical page; frame N covers the bytes
// [N << mem.PageShift, (N+1) << mem.PageShift).
type Frame uint64

// InvalidFrame is the sentinel allocators hand back when they cannot
// satisfy a request.
const InvalidFrame = ^Frame(0)

// Valid reports whether f names a real frame rather than the allocator
// failure sentinel.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the frame's first byte.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}
