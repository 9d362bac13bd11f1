package vmm

import (
	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/boot"
	"github.com/Lon60/slopos-sub001/kernel/cpu"
	"github.com/Lon60/slopos-sub001/kernel/irq"
	"github.com/Lon60/slopos-sub001/kernel/irq/diag"
	"github.com/Lon60/slopos-sub001/kernel/kfmt/early"
	"github.com/Lon60/slopos-sub001/kernel/mem"
	"github.com/Lon60/slopos-sub001/kernel/mem/pmm"
)

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// ReservedZeroedFrame points to a single physical frame that is kept
	// permanently zeroed and is shared (read-only, CoW) by every lazily
	// allocated page until the owning task writes to it.
	ReservedZeroedFrame pmm.Frame

	// protectReservedZeroedPage is flipped to true once ReservedZeroedFrame
	// has been initialized; from that point on it must never be mapped RW.
	protectReservedZeroedPage bool

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	panicFn                   = kernel.Panic
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2
	visitKernelSectionsFn     = boot.VisitKernelSections
	translateFn               = Translate
	setupPDTForKernelFn       = setupPDTForKernel
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// GuardCheckFn resolves a faulting address to the name of a guard-paged
// exception stack whose guard contains it.
type GuardCheckFn func(faultAddr uintptr) (string, bool)

// guardCheckFn is registered by the exception-stack manager; until then no
// fault can be a guard hit.
var guardCheckFn GuardCheckFn

// SetGuardCheck registers the guard-page lookup the page-fault handler
// consults before any other analysis. A hit is always fatal: a fault
// inside a guard page means the owning exception stack overflowed.
func SetGuardCheck(fn GuardCheckFn) {
	guardCheckFn = fn
}

var errExceptionStackOverflow = &kernel.Error{Module: "vmm", Message: "exception stack overflow"}

func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	if guardCheckFn != nil {
		if name, hit := guardCheckFn(faultAddress); hit {
			early.Printf("\nexception stack overflow: %s (fault address 0x%16x)\n", name, faultAddress)
			panicFn(errExceptionStackOverflow)
			return
		}
	}

	// Lookup entry for the page where the fault occurred
	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)

		if pteLevel == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}

		// Abort walk if the next page table entry is missing
		return nextIsPresent
	})

	// CoW is supported for RO pages with the CoW flag set
	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		var (
			copy    pmm.Frame
			tmpPage Page
			err     *kernel.Error
		)

		if copy, err = frameAllocator(); err != nil {
			nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
		} else if tmpPage, err = mapTemporaryFn(copy); err != nil {
			nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
		} else {
			// Copy page contents, mark as RW and remove CoW flag
			mem.Memcopy(faultPage.Address(), tmpPage.Address(), mem.PageSize)
			unmapFn(tmpPage)

			// Update mapping to point to the new frame, flag it as RW and
			// remove the CoW flag
			pageEntry.ClearFlags(FlagCopyOnWrite)
			pageEntry.SetFlags(FlagPresent | FlagRW)
			pageEntry.SetFrame(copy)
			flushTLBEntryFn(faultPage.Address())

			// Fault recovered; retry the instruction that caused the fault
			return
		}
	}

	nonRecoverablePageFault(faultAddress, errorCode, frame, regs, nil)
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	early.Printf("\n")
	diag.DecodePageFault(errorCode, faultAddress).Print()

	early.Printf("\nRegisters:\n")
	regs.Print()
	frame.Print()

	panicFn(err)
}

func generalProtectionFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	early.Printf("\n")
	diag.DecodeSelectorError(errorCode).Print(frame.RIP)

	early.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	panicFn(nil)
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage Page
	)

	if ReservedZeroedFrame, err = frameAllocator(); err != nil {
		return err
	} else if tempPage, err = mapTemporaryFn(ReservedZeroedFrame); err != nil {
		return err
	}
	mem.Memset(tempPage.Address(), 0, mem.PageSize)
	unmapFn(tempPage)

	// From this point on, ReservedZeroedFrame cannot be mapped with a RW flag
	protectReservedZeroedPage = true
	return nil
}

// kernelPageOffset is the virtual base the kernel image is linked at;
// loaded section virtual addresses sit above it and map to the physical
// load address by subtracting it.
const kernelPageOffset = uintptr(0xffffffff80000000)

// setupPDTForKernel replaces the bootstrap page tables with a page
// directory built from the loaded kernel sections the boot protocol
// reported, so each section carries its precise W/X rights instead of
// one blanket RWX mapping. Mappings established earlier through
// EarlyReserveRegion are carried over before the new directory is
// activated.
func setupPDTForKernel() *kernel.Error {
	var pdt PageDirectoryTable

	pdtFrame, err := frameAllocator()
	if err != nil {
		return err
	}
	if err = pdt.Init(pdtFrame); err != nil {
		return err
	}

	visitKernelSectionsFn(func(secFlags boot.KernelSectionFlag, secAddress uintptr, secSize uint64) {
		// Bail out if we have encountered an error; also ignore
		// sections below the kernel image base.
		if err != nil || secAddress < kernelPageOffset {
			return
		}

		flags := FlagPresent
		if secFlags&boot.KernelSectionExecutable == 0 {
			flags |= FlagNoExecute
		}
		if secFlags&boot.KernelSectionWritable != 0 {
			flags |= FlagRW
		}

		curPage := PageFromAddress(secAddress)
		lastPage := PageFromAddress(secAddress + uintptr(secSize-1))
		curFrame := pmm.Frame((secAddress - kernelPageOffset) >> mem.PageShift)
		for ; curPage <= lastPage; curFrame, curPage = curFrame+1, curPage+1 {
			if err = pdt.Map(curPage, curFrame, flags); err != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}

	// Carry over any pages the early reservation window has already
	// mapped (allocator bitmaps, runtime bootstrap).
	for rsvAddr := earlyReserveBase; rsvAddr < nextReserveAddr; rsvAddr += uintptr(mem.PageSize) {
		physAddr, translateErr := translateFn(rsvAddr)
		if translateErr != nil {
			if translateErr == ErrInvalidMapping {
				continue
			}
			return translateErr
		}

		page := PageFromAddress(rsvAddr)
		if err = pdt.Map(page, pmm.Frame(physAddr>>mem.PageShift), FlagPresent|FlagRW|FlagNoExecute); err != nil {
			return err
		}
	}

	pdt.Activate()
	return nil
}

// Init initializes the vmm system: it rebuilds the kernel page directory
// with section-granular permissions and installs the paging-related
// exception handlers.
func Init() *kernel.Error {
	if err := setupPDTForKernelFn(); err != nil {
		return err
	}
	if err := reserveZeroedFrame(); err != nil {
		return err
	}

	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
	return nil
}
