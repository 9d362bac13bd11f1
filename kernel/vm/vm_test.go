package vm

import (
	"testing"

	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/mem"
	"github.com/Lon60/slopos-sub001/kernel/mem/pmm"
	"github.com/Lon60/slopos-sub001/kernel/mem/vmm"
)

type fakeBacking struct {
	nextFrame pmm.Frame
	mapped    map[vmm.Page]pmm.Frame
	freed     []pmm.Frame
	mapFlags  map[vmm.Page]vmm.PageTableEntryFlag
}

func installFakeBacking(t *testing.T) *fakeBacking {
	fake := &fakeBacking{
		mapped:   make(map[vmm.Page]pmm.Frame),
		mapFlags: make(map[vmm.Page]vmm.PageTableEntryFlag),
	}

	origAlloc, origFree, origMap, origUnmap := frameAllocFn, frameFreeFn, mapFn, unmapFn
	t.Cleanup(func() {
		frameAllocFn, frameFreeFn, mapFn, unmapFn = origAlloc, origFree, origMap, origUnmap
	})

	frameAllocFn = func() (pmm.Frame, *kernel.Error) {
		fake.nextFrame++
		return fake.nextFrame, nil
	}
	frameFreeFn = func(frame pmm.Frame) *kernel.Error {
		fake.freed = append(fake.freed, frame)
		return nil
	}
	mapFn = func(_ *vmm.AddressSpace, page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		fake.mapped[page] = frame
		fake.mapFlags[page] = flags
		return nil
	}
	unmapFn = func(_ *vmm.AddressSpace, page vmm.Page) *kernel.Error {
		delete(fake.mapped, page)
		return nil
	}

	return fake
}

func TestInsertRejectsBadBounds(t *testing.T) {
	var s Space

	specs := []struct {
		descr      string
		start, end uintptr
	}{
		{"empty range", 0x1000, 0x1000},
		{"inverted range", 0x2000, 0x1000},
		{"unaligned start", 0x1001, 0x2000},
		{"unaligned end", 0x1000, 0x2fff},
		{"beyond user half", userHalfEnd - 0x1000, userHalfEnd + 0x1000},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			if _, err := s.Insert(spec.start, spec.end, FlagRead); err != errAreaBounds {
				t.Fatalf("expected errAreaBounds, got %v", err)
			}
		})
	}
}

func TestInsertRejectsOverlap(t *testing.T) {
	var s Space

	if _, err := s.Insert(0x10000, 0x14000, FlagRead|FlagWrite); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		descr      string
		start, end uintptr
		expErr     *kernel.Error
	}{
		{"identical", 0x10000, 0x14000, errAreaOverlap},
		{"overlaps head", 0xe000, 0x11000, errAreaOverlap},
		{"overlaps tail", 0x13000, 0x16000, errAreaOverlap},
		{"contained", 0x11000, 0x12000, errAreaOverlap},
		{"touching below is fine", 0xe000, 0x10000, nil},
		{"touching above is fine", 0x14000, 0x16000, nil},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			if _, err := s.Insert(spec.start, spec.end, FlagRead); err != spec.expErr {
				t.Fatalf("expected %v, got %v", spec.expErr, err)
			}
		})
	}
}

func TestMapEagerFlags(t *testing.T) {
	fake := installFakeBacking(t)

	var s Space
	vma, err := s.Insert(0x40000, 0x42000, FlagRead|FlagWrite|FlagUser)
	if err != nil {
		t.Fatal(err)
	}
	if err = s.MapEager(vma); err != nil {
		t.Fatal(err)
	}

	if len(fake.mapped) != 2 {
		t.Fatalf("expected 2 mapped pages, got %d", len(fake.mapped))
	}
	for page, flags := range fake.mapFlags {
		if !flagSet(flags, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUser|vmm.FlagNoExecute) {
			t.Fatalf("page %x mapped with flags %x", page.Address(), flags)
		}
	}
	if len(vma.frames) != 2 {
		t.Fatalf("expected the area to track 2 frames, got %d", len(vma.frames))
	}
}

func flagSet(flags, want vmm.PageTableEntryFlag) bool {
	return flags&want == want
}

func TestAllocStack(t *testing.T) {
	installFakeBacking(t)

	var s Space
	vma, sp, err := s.AllocStack(16 * mem.Kb)
	if err != nil {
		t.Fatal(err)
	}

	if sp != vma.End {
		t.Fatalf("initial stack pointer %x must equal the area end %x", sp, vma.End)
	}
	if vma.End != userStackTop {
		t.Fatalf("first stack must top out at %x, got %x", userStackTop, vma.End)
	}
	if vma.End-vma.Start != 16*1024 {
		t.Fatalf("expected a 16K stack, got %d bytes", vma.End-vma.Start)
	}

	// A second stack lands below the first with a one-page hole
	vma2, _, err := s.AllocStack(8 * mem.Kb)
	if err != nil {
		t.Fatal(err)
	}
	if vma2.End != vma.Start-uintptr(mem.PageSize) {
		t.Fatalf("second stack must sit one page below the first: %x != %x", vma2.End, vma.Start-uintptr(mem.PageSize))
	}
}

func TestRemoveHonorsRefCount(t *testing.T) {
	fake := installFakeBacking(t)

	var s Space
	vma, err := s.Insert(0x40000, 0x41000, FlagRead|FlagWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err = s.MapEager(vma); err != nil {
		t.Fatal(err)
	}

	vma.Retain()

	if err = s.Remove(vma.Start); err != nil {
		t.Fatal(err)
	}
	if len(s.Areas()) != 1 || len(fake.freed) != 0 {
		t.Fatal("area with remaining references must stay mapped")
	}

	if err = s.Remove(vma.Start); err != nil {
		t.Fatal(err)
	}
	if len(s.Areas()) != 0 {
		t.Fatal("area must be unlinked once the last reference drops")
	}
	if len(fake.freed) != 1 || len(fake.mapped) != 0 {
		t.Fatalf("expected 1 freed frame and no mappings, got %d / %d", len(fake.freed), len(fake.mapped))
	}
}

func TestDestroyReleasesEverything(t *testing.T) {
	fake := installFakeBacking(t)

	var s Space

	vma, err := s.Insert(0x40000, 0x42000, FlagRead|FlagWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err = s.MapEager(vma); err != nil {
		t.Fatal(err)
	}
	vma.Retain() // an extra reference must not survive Destroy

	if err = s.Destroy(); err != nil {
		t.Fatal(err)
	}

	if len(s.Areas()) != 0 {
		t.Fatal("Destroy must unlink every area")
	}
	// Both area frames come back; the address space was never
	// initialized so there is no root frame to drop.
	if len(fake.freed) != 2 {
		t.Fatalf("expected 2 freed frames, got %v", fake.freed)
	}
	if len(fake.mapped) != 0 {
		t.Fatalf("expected no surviving mappings, got %d", len(fake.mapped))
	}
}
