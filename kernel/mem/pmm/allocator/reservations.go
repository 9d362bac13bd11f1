package allocator

import (
	"github.com/Lon60/slopos-sub001/kernel/boot"
	"github.com/Lon60/slopos-sub001/kernel/mem"
	"github.com/Lon60/slopos-sub001/kernel/mem/pmm"
	"github.com/Lon60/slopos-sub001/kernel/mem/pmm/reservation"
)

// reservations records the physical ranges the allocator must never hand
// out, built from the boot memory map before the bitmap pools are set up.
var reservations reservation.Set

// Reservations exposes the reservation set for diagnostics (the panic
// path annotates addresses with the region they fall into).
func Reservations() *reservation.Set {
	return &reservations
}

// reservationKind maps a boot memory region type to its reservation
// vocabulary.
func reservationKind(t boot.MemoryEntryType) (reservation.Kind, reservation.Flag) {
	switch t {
	case boot.MemACPIReclaimable:
		return reservation.KindACPIReclaim, reservation.FlagExcludeFromAllocator | reservation.FlagAllowDirectMap
	case boot.MemACPINVS:
		return reservation.KindACPINVS, reservation.FlagExcludeFromAllocator
	case boot.MemFramebuffer:
		return reservation.KindFramebuffer, reservation.FlagExcludeFromAllocator | reservation.FlagAllowDirectMap | reservation.FlagMMIO
	default:
		return reservation.KindFirmwareOther, reservation.FlagExcludeFromAllocator
	}
}

// reserveExcludedFrames flags as reserved every pool frame that overlaps
// a reservation carrying FlagExcludeFromAllocator. Usable regions and
// firmware reservations normally do not overlap, but firmware that
// reports the framebuffer or ACPI tables inside a usable range must not
// see those frames handed out.
func (alloc *BitmapAllocator) reserveExcludedFrames() {
	for _, r := range reservations.Regions() {
		if r.Flags&reservation.FlagExcludeFromAllocator == 0 {
			continue
		}

		for frame := pmm.Frame(r.Start >> mem.PageShift); frame.Address() < r.End; frame++ {
			poolIndex := alloc.poolForFrame(frame)
			if poolIndex < 0 {
				continue
			}
			alloc.markFrame(poolIndex, frame, markReserved)
		}
	}
}

// buildReservations folds every non-usable boot memory region into the
// reservation set. Regions the firmware double-reports merge on insert,
// so the stored set never holds overlapping entries.
func buildReservations() {
	reservations = reservation.Set{}

	boot.VisitMemRegions(func(region *boot.MemoryMapEntry) bool {
		if region.Type == boot.MemUsable {
			return true
		}

		kind, flags := reservationKind(region.Type)
		reservations.Insert(reservation.Region{
			Start: uintptr(region.PhysAddress),
			End:   uintptr(region.PhysAddress + region.Length),
			Kind:  kind,
			Flags: flags,
		})
		return true
	})
}
