package kernel

import (
	"unsafe"

	"github.com/Lon60/slopos-sub001/kernel/kfmt/early"
)

// maxStackFrames bounds the panic-time stack walk.
const maxStackFrames = 32

// readFramePointer returns the caller's frame pointer (RBP). Implemented
// in assembly.
func readFramePointer() uintptr

// framePointerFn is mocked by tests and is automatically inlined by the
// compiler.
var framePointerFn = readFramePointer

// RegionResolver maps an address to the name of the memory region that
// contains it (an exception-stack guard page, a reservation).
type RegionResolver func(addr uintptr) (string, bool)

var regionResolver RegionResolver

// SetRegionResolver registers the lookup the panic path uses to annotate
// addresses with the region they fall into.
func SetRegionResolver(fn RegionResolver) {
	regionResolver = fn
}

// RegionFor resolves addr through the registered resolver.
func RegionFor(addr uintptr) (string, bool) {
	if regionResolver == nil {
		return "", false
	}
	return regionResolver(addr)
}

// DumpStack walks the frame-pointer chain outward from the caller,
// printing up to maxStackFrames return addresses. The walk is defensive
// by necessity: it runs on a dying kernel, so it stops on a nil frame
// pointer, on a chain that stops ascending and on any frame pointer it
// has already visited.
func DumpStack() {
	fp := framePointerFn()
	if fp == 0 {
		return
	}

	var visited [maxStackFrames]uintptr

	early.Printf("call stack:\n")
	for depth := 0; depth < maxStackFrames && fp != 0; depth++ {
		// Frame layout: [fp] holds the caller's frame pointer, [fp+8]
		// the return address.
		retAddr := *(*uintptr)(unsafe.Pointer(fp + unsafe.Sizeof(fp)))
		if retAddr == 0 {
			return
		}

		if name, ok := RegionFor(retAddr); ok {
			early.Printf(" #%d %16x (%s)\n", depth, uint64(retAddr), name)
		} else {
			early.Printf(" #%d %16x\n", depth, uint64(retAddr))
		}

		next := *(*uintptr)(unsafe.Pointer(fp))
		for i := 0; i <= depth; i++ {
			if visited[i] == next {
				return
			}
		}
		visited[depth] = fp

		// Stacks grow down, so the chain must strictly ascend.
		if next <= fp {
			return
		}
		fp = next
	}
}
