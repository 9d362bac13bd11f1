package vmm

import "github.com/Lon60/slopos-sub001/kernel/mem"

// Page numbers a virtual page, the virtual-side twin of pmm.Frame.
type Page uintptr

// PageFromAddress returns the page containing virtAddr. The shift
// discards the in-page offset, so every address inside a page yields the
// same index.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(virtAddr >> mem.PageShift)
}

// Address returns the virtual address of the page's first byte.
func (p Page) Address() uintptr {
	return uintptr(p) << mem.PageShift
}
