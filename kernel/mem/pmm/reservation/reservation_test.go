package reservation

import (
	"testing"

	"github.com/Lon60/slopos-sub001/kernel/errors"
	"github.com/Lon60/slopos-sub001/kernel/mem"
)

func TestInsertRejectsInvertedRange(t *testing.T) {
	var s Set

	if err := s.Insert(Region{Start: uintptr(mem.PageSize), End: 0}); err != errors.ErrInvalidParamValue {
		t.Fatalf("expected ErrInvalidParamValue, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatal("a rejected insert must not store a region")
	}
}

func TestInsertMergesOverlaps(t *testing.T) {
	var s Set

	s.Insert(Region{Start: 0, End: uintptr(mem.PageSize), Kind: KindFirmwareOther, Flags: FlagExcludeFromAllocator})
	s.Insert(Region{Start: uintptr(mem.PageSize) / 2, End: uintptr(mem.PageSize) * 2, Kind: KindACPIReclaim, Flags: FlagAllowDirectMap})

	if got := s.Len(); got != 1 {
		t.Fatalf("expected overlapping inserts to merge into 1 region, got %d", got)
	}

	r, ok := s.Lookup(uintptr(mem.PageSize) / 2)
	if !ok {
		t.Fatal("expected lookup to find merged region")
	}
	if r.Flags&FlagExcludeFromAllocator == 0 || r.Flags&FlagAllowDirectMap == 0 {
		t.Fatalf("expected merged flags to be the union, got %v", r.Flags)
	}
}

func TestInsertDisjointRegionsStaySeparate(t *testing.T) {
	var s Set

	s.Insert(Region{Start: 0, End: uintptr(mem.PageSize)})
	s.Insert(Region{Start: uintptr(mem.PageSize) * 10, End: uintptr(mem.PageSize) * 11})

	if got := s.Len(); got != 2 {
		t.Fatalf("expected 2 disjoint regions, got %d", got)
	}
}

func TestInsertNoOverlapInvariant(t *testing.T) {
	var s Set
	pg := uintptr(mem.PageSize)

	inputs := []Region{
		{Start: 0, End: pg * 4},
		{Start: pg * 2, End: pg * 6},
		{Start: pg * 100, End: pg * 101},
		{Start: pg * 5, End: pg * 102},
	}
	for _, in := range inputs {
		s.Insert(in)
	}

	regions := s.Regions()
	for i := 0; i < len(regions); i++ {
		for j := i + 1; j < len(regions); j++ {
			if regions[i].overlaps(regions[j]) {
				t.Fatalf("post-insert invariant violated: %v overlaps %v", regions[i], regions[j])
			}
		}
	}
}

func TestExcludesAllocation(t *testing.T) {
	var s Set
	pg := uintptr(mem.PageSize)

	s.Insert(Region{Start: 0, End: pg, Flags: FlagExcludeFromAllocator})
	s.Insert(Region{Start: pg * 5, End: pg * 6, Flags: FlagAllowDirectMap})

	if !s.ExcludesAllocation(0, pg) {
		t.Fatal("expected excluded region to report ExcludesAllocation")
	}
	if s.ExcludesAllocation(pg*5, pg*6) {
		t.Fatal("expected non-excluded region to not report ExcludesAllocation")
	}
}
