package vmm

import (
	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/mem"
)

// earlyReserveBase is the start of a fixed virtual window set aside for
// bump-allocated reservations made before the kernel heap exists: the
// bitmap allocator's own bookkeeping structures and the Go runtime's
// sysReserve/sysAlloc bootstrap both carve their address space from here.
const earlyReserveBase = uintptr(0xffffff8000000000)

// earlyReserveLimit bounds the reservation window so a runaway caller fails
// loudly instead of colliding with the recursive page table mapping window.
const earlyReserveLimit = uintptr(0xffffff8040000000)

// nextReserveAddr is the bump pointer for EarlyReserveRegion.
var nextReserveAddr = earlyReserveBase

// EarlyReserveRegion reserves a page-aligned range of `size` bytes of kernel
// virtual address space without mapping any physical memory to it. It never
// frees: it exists solely to bootstrap the allocators and the Go runtime
// before a real virtual memory manager with teardown is available.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	alignedSize := uintptr((size + mem.PageSize - 1) &^ (mem.PageSize - 1))

	regionStart := nextReserveAddr
	if regionStart+alignedSize > earlyReserveLimit || regionStart+alignedSize < regionStart {
		return 0, ErrOutOfVirtualSpace
	}

	nextReserveAddr += alignedSize
	return regionStart, nil
}
