// Package boot provides access to the information payload handed over by
// the firmware boot protocol: the physical memory map, the higher-half
// direct-map offset, the framebuffer descriptor and the kernel command
// line. The payload is a packed sequence of 8-byte aligned tags that the
// loader stub places in memory before jumping to the kernel entrypoint.
package boot

import (
	"reflect"
	"unsafe"
)

type tagType uint32

// nolint
const (
	tagSectionEnd tagType = iota
	tagCmdLine
	tagLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagKernelSections
	tagApmTable
	tagHHDM
)

// info describes the boot info section header.
type info struct {
	// Total size of the boot info section.
	totalSize uint32

	// Always set to zero; reserved for future use
	reserved uint32
}

// tagHeader describes the header that precedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at a 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// FramebufferType defines the type of the initialized framebuffer.
type FramebufferType uint8

const (
	// FrameBufferTypeIndexed specifies a 256-color palette.
	FrameBufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// FramebufferInfo provides information about the initialized framebuffer.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Row pitch in bytes.
	Pitch uint32

	// Width and height in pixels (or characters if Type = FramebufferTypeEGA)
	Width, Height uint32

	// Bits per pixel (non EGA modes only).
	Bpp uint8

	// Framebuffer type.
	Type FramebufferType
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemUsable indicates that the memory region is available for use.
	MemUsable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemACPIReclaimable indicates a memory region holding ACPI tables
	// that can be reused once the tables have been parsed.
	MemACPIReclaimable

	// MemACPINVS indicates memory that must be preserved when hibernating.
	MemACPINVS

	// MemBad indicates a memory region that the firmware flagged as
	// faulty.
	MemBad

	// MemBootloader indicates memory holding bootloader structures that
	// can be reclaimed once the kernel has consumed the boot payload.
	MemBootloader

	// MemKernel indicates the region occupied by the kernel image and any
	// loaded modules.
	MemKernel

	// MemFramebuffer indicates the linear framebuffer region.
	MemFramebuffer

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String returns the region type's name for memory-map listings.
func (t MemoryEntryType) String() string {
	switch t {
	case MemUsable:
		return "usable"
	case MemACPIReclaimable:
		return "acpi-reclaim"
	case MemACPINVS:
		return "acpi-nvs"
	case MemBad:
		return "bad"
	case MemBootloader:
		return "bootloader"
	case MemKernel:
		return "kernel"
	case MemFramebuffer:
		return "framebuffer"
	default:
		return "reserved"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

var (
	infoData uintptr
)

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// SetInfoPtr updates the internal boot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the boot info payload that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for curPtr != endPtr {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// GetFramebufferInfo returns information about the framebuffer initialized by
// the bootloader. This function returns nil if no framebuffer info is
// available.
func GetFramebufferInfo() *FramebufferInfo {
	var info *FramebufferInfo

	curPtr, size := findTagByType(tagFramebufferInfo)
	if size != 0 {
		info = (*FramebufferInfo)(unsafe.Pointer(curPtr))
	}

	return info
}

// KernelSectionFlag describes the access rights of a loaded kernel
// section; the values match the ELF section header flags.
type KernelSectionFlag uint32

const (
	// KernelSectionWritable is set for writable sections (.data, .bss).
	KernelSectionWritable KernelSectionFlag = 1 << iota

	// KernelSectionAllocated is set for sections occupying memory at run
	// time.
	KernelSectionAllocated

	// KernelSectionExecutable is set for sections containing code.
	KernelSectionExecutable
)

// kernelSectionEntry is the packed layout of one kernel-section tag
// entry.
type kernelSectionEntry struct {
	VirtAddress uint64
	Size        uint64
	Flags       uint32
	reserved    uint32
}

// KernelSectionVisitor defines a visitor function that gets invoked by
// VisitKernelSections for each loaded section of the kernel image.
type KernelSectionVisitor func(flags KernelSectionFlag, virtAddr uintptr, size uint64)

// VisitKernelSections will invoke the supplied visitor for each loaded
// kernel image section the bootloader reported. Sections that occupy no
// run-time memory are skipped.
func VisitKernelSections(visitor KernelSectionVisitor) {
	curPtr, size := findTagByType(tagKernelSections)
	if size == 0 {
		return
	}

	entrySize := uint32(unsafe.Sizeof(kernelSectionEntry{}))
	for endPtr := curPtr + uintptr(size); curPtr < endPtr; curPtr += uintptr(entrySize) {
		entry := (*kernelSectionEntry)(unsafe.Pointer(curPtr))
		if entry.Flags&uint32(KernelSectionAllocated) == 0 || entry.Size == 0 {
			continue
		}

		visitor(KernelSectionFlag(entry.Flags), uintptr(entry.VirtAddress), entry.Size)
	}
}

// HHDMOffset returns the virtual base address of the higher-half direct-map
// window that the bootloader established for the kernel, or 0 if the
// payload carries no HHDM tag.
func HHDMOffset() uintptr {
	curPtr, size := findTagByType(tagHHDM)
	if size == 0 {
		return 0
	}

	return uintptr(*(*uint64)(unsafe.Pointer(curPtr)))
}

// CmdLine returns the command line string passed to the kernel by the
// bootloader. The returned string aliases the boot payload memory; it is
// never mutated and no allocation takes place.
func CmdLine() string {
	curPtr, size := findTagByType(tagCmdLine)
	if size == 0 {
		return ""
	}

	// The tag payload is a NUL-terminated string; exclude the terminator
	// and any padding from the returned value.
	strLen := 0
	for ; strLen < int(size); strLen++ {
		if *(*byte)(unsafe.Pointer(curPtr + uintptr(strLen))) == 0 {
			break
		}
	}

	var cmdline string
	hdr := (*reflect.StringHeader)(unsafe.Pointer(&cmdline))
	hdr.Data = curPtr
	hdr.Len = strLen
	return cmdline
}

// findTagByType scans the boot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the boot info, findTagByType will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
