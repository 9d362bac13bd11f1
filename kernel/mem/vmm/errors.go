package vmm

import "github.com/Lon60/slopos-sub001/kernel"

var (
	// ErrInvalidMapping is returned by Unmap/Translate when the supplied
	// virtual address does not correspond to a mapped physical page.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not correspond to a mapped physical page"}

	// ErrAlreadyMapped is returned by Map when the target page is already
	// mapped and the caller did not request a replace.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// ErrOutOfVirtualSpace is returned by EarlyReserveRegion once the early
	// bump-allocated reservation window has been exhausted.
	ErrOutOfVirtualSpace = &kernel.Error{Module: "vmm", Message: "no more virtual address space to reserve"}

	// ErrAddressSpaceReleased is returned by AddressSpace.Release when the
	// space holds no references, including the case where it was never
	// initialized.
	ErrAddressSpaceReleased = &kernel.Error{Module: "vmm", Message: "address space released with zero references"}
)
