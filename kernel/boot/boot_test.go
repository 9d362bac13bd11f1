package boot

import (
	"bytes"
	"encoding/binary"
	"testing"
	"unsafe"
)

// payloadBuilder assembles a fake boot info payload the same way the loader
// stub lays it out in memory: an 8-byte info header followed by 8-byte
// aligned tags terminated by a zero-type end tag.
type payloadBuilder struct {
	buf bytes.Buffer
}

func (p *payloadBuilder) init() {
	// info header; totalSize is not consulted by the tag scanner
	binary.Write(&p.buf, binary.LittleEndian, uint32(0))
	binary.Write(&p.buf, binary.LittleEndian, uint32(0))
}

func (p *payloadBuilder) addTag(t tagType, contents []byte) {
	binary.Write(&p.buf, binary.LittleEndian, uint32(t))
	binary.Write(&p.buf, binary.LittleEndian, uint32(len(contents)+8))
	p.buf.Write(contents)
	for p.buf.Len()%8 != 0 {
		p.buf.WriteByte(0)
	}
}

func (p *payloadBuilder) done() []byte {
	binary.Write(&p.buf, binary.LittleEndian, uint32(tagSectionEnd))
	binary.Write(&p.buf, binary.LittleEndian, uint32(8))
	return p.buf.Bytes()
}

func setPayload(t *testing.T, data []byte) {
	t.Cleanup(func() { SetInfoPtr(0) })
	SetInfoPtr(uintptr(unsafe.Pointer(&data[0])))
}

func TestVisitMemRegions(t *testing.T) {
	var (
		p    payloadBuilder
		mmap bytes.Buffer
	)
	p.init()

	binary.Write(&mmap, binary.LittleEndian, uint32(24)) // entrySize
	binary.Write(&mmap, binary.LittleEndian, uint32(0))  // entryVersion
	entries := []MemoryMapEntry{
		{PhysAddress: 0x0, Length: 0x9f000, Type: MemUsable},
		{PhysAddress: 0x9f000, Length: 0x1000, Type: MemReserved},
		{PhysAddress: 0x100000, Length: 0x700000, Type: MemKernel},
		{PhysAddress: 0x800000, Length: 0x100000, Type: 0xbadf00d},
	}
	for _, e := range entries {
		binary.Write(&mmap, binary.LittleEndian, e.PhysAddress)
		binary.Write(&mmap, binary.LittleEndian, e.Length)
		binary.Write(&mmap, binary.LittleEndian, uint32(e.Type))
		binary.Write(&mmap, binary.LittleEndian, uint32(0)) // pad to entrySize
	}
	p.addTag(tagMemoryMap, mmap.Bytes())
	setPayload(t, p.done())

	var visited int
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		exp := entries[visited]
		if entry.PhysAddress != exp.PhysAddress || entry.Length != exp.Length {
			t.Errorf("entry %d: got {%x, %x}, want {%x, %x}", visited, entry.PhysAddress, entry.Length, exp.PhysAddress, exp.Length)
		}
		visited++
		return true
	})

	if visited != len(entries) {
		t.Fatalf("expected to visit %d regions, visited %d", len(entries), visited)
	}
}

func TestVisitMemRegionsMapsUnknownTypesToReserved(t *testing.T) {
	var (
		p    payloadBuilder
		mmap bytes.Buffer
	)
	p.init()

	binary.Write(&mmap, binary.LittleEndian, uint32(24))
	binary.Write(&mmap, binary.LittleEndian, uint32(0))
	binary.Write(&mmap, binary.LittleEndian, uint64(0x1000))
	binary.Write(&mmap, binary.LittleEndian, uint64(0x1000))
	binary.Write(&mmap, binary.LittleEndian, uint32(0xffff))
	binary.Write(&mmap, binary.LittleEndian, uint32(0))
	p.addTag(tagMemoryMap, mmap.Bytes())
	setPayload(t, p.done())

	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if entry.Type != MemReserved {
			t.Fatalf("expected unknown type to be remapped to MemReserved, got %d", entry.Type)
		}
		return true
	})
}

func TestCmdLine(t *testing.T) {
	var p payloadBuilder
	p.init()
	p.addTag(tagCmdLine, []byte("itests=on itests.suite=basic+memory\x00"))
	setPayload(t, p.done())

	if got, want := CmdLine(), "itests=on itests.suite=basic+memory"; got != want {
		t.Fatalf("CmdLine() = %q, want %q", got, want)
	}
}

func TestCmdLineMissing(t *testing.T) {
	var p payloadBuilder
	p.init()
	setPayload(t, p.done())

	if got := CmdLine(); got != "" {
		t.Fatalf("CmdLine() = %q, want empty", got)
	}
}

func TestHHDMOffset(t *testing.T) {
	var (
		p    payloadBuilder
		hhdm bytes.Buffer
	)
	p.init()
	binary.Write(&hhdm, binary.LittleEndian, uint64(0xffff800000000000))
	p.addTag(tagHHDM, hhdm.Bytes())
	setPayload(t, p.done())

	if got, want := HHDMOffset(), uintptr(0xffff800000000000); got != want {
		t.Fatalf("HHDMOffset() = %x, want %x", got, want)
	}

	var empty payloadBuilder
	empty.init()
	setPayload(t, empty.done())
	if got := HHDMOffset(); got != 0 {
		t.Fatalf("HHDMOffset() with no tag = %x, want 0", got)
	}
}

func TestGetFramebufferInfo(t *testing.T) {
	var (
		p  payloadBuilder
		fb bytes.Buffer
	)
	p.init()
	binary.Write(&fb, binary.LittleEndian, uint64(0xfd000000)) // PhysAddr
	binary.Write(&fb, binary.LittleEndian, uint32(4096))       // Pitch
	binary.Write(&fb, binary.LittleEndian, uint32(1024))       // Width
	binary.Write(&fb, binary.LittleEndian, uint32(768))        // Height
	fb.WriteByte(32)                        // Bpp
	fb.WriteByte(byte(FramebufferTypeRGB))  // Type
	fb.Write([]byte{0, 0, 0, 0, 0, 0})      // pad
	p.addTag(tagFramebufferInfo, fb.Bytes())
	setPayload(t, p.done())

	info := GetFramebufferInfo()
	if info == nil {
		t.Fatal("expected non-nil framebuffer info")
	}
	if info.PhysAddr != 0xfd000000 || info.Width != 1024 || info.Height != 768 || info.Bpp != 32 || info.Type != FramebufferTypeRGB {
		t.Fatalf("unexpected framebuffer info: %+v", info)
	}
}
