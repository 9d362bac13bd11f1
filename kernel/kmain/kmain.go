package kmain

import (
	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/boot"
	"github.com/Lon60/slopos-sub001/kernel/cmdline"
	"github.com/Lon60/slopos-sub001/kernel/cpu"
	"github.com/Lon60/slopos-sub001/kernel/goruntime"
	"github.com/Lon60/slopos-sub001/kernel/hal"
	"github.com/Lon60/slopos-sub001/kernel/irq"
	"github.com/Lon60/slopos-sub001/kernel/irq/diag"
	"github.com/Lon60/slopos-sub001/kernel/irq/stack"
	"github.com/Lon60/slopos-sub001/kernel/itest"
	"github.com/Lon60/slopos-sub001/kernel/kfmt"
	"github.com/Lon60/slopos-sub001/kernel/mem"
	"github.com/Lon60/slopos-sub001/kernel/mem/heap"
	"github.com/Lon60/slopos-sub001/kernel/mem/pmm/allocator"
	"github.com/Lon60/slopos-sub001/kernel/mem/vmm"
	"github.com/Lon60/slopos-sub001/kernel/sched"
	"github.com/Lon60/slopos-sub001/kernel/shutdown"
	"github.com/Lon60/slopos-sub001/kernel/task"
)

// timerHz is the preemption tick rate.
const timerHz = 100

var (
	kernelHeap heap.Allocator

	testConfig cmdline.Config
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up the GDT and setting up a minimal g0 struct that allows
// Go code to use the 4K stack allocated by the assembly code.
//
// The rt0 code passes the address of the boot info payload provided by
// the bootloader as well as the physical addresses for the kernel
// start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the
// CPU.
//
//go:noinline
func Kmain(bootInfoPtr, kernelStart, kernelEnd uintptr) {
	boot.SetInfoPtr(bootInfoPtr)

	// All diagnostics land in the ring buffer until a console driver
	// attaches; the shutdown path drains whatever is still buffered.
	hal.SetActiveSink(kfmt.Buffered())

	var err *kernel.Error
	if err = allocator.Init(kernelStart, kernelEnd); err != nil {
		panic(err)
	} else if err = vmm.Init(); err != nil {
		panic(err)
	} else if err = goruntime.Init(); err != nil {
		panic(err)
	}

	irq.Init()
	irq.HandleExceptionWithCode(irq.DoubleFault, doubleFaultHandler)
	vmm.InitKernelSpace()
	kernelHeap.Init(allocator.AllocFrame, vmm.Map)

	stack.Init(allocator.AllocFrame)
	mountExceptionStacks()

	kernel.SetRegionResolver(regionFor)

	task.Init(&kernelHeap)

	cfg := cmdline.Parse(boot.CmdLine())

	if err = sched.Init(sched.Config{
		TimerHz:               timerHz,
		ExitOnIdleTermination: cfg.TestsEnabled,
	}); err != nil {
		panic(err)
	}

	if cfg.TestsEnabled {
		testConfig = cfg

		var id task.ID
		if id, err = task.Create("itest", runTestHarness, 0, 0, task.FlagKernelMode|task.FlagSystem); err != nil {
			panic(err)
		}
		if wakeErr := sched.Wake(task.Get(id)); wakeErr != nil {
			panic(wakeErr)
		}
	}

	cpu.EnableInterrupts()
	sched.Start()

	// The scheduler wound down: either the test harness shut the task
	// set down or the idle task died. Either way the machine halts.
	if testConfig.TestsEnabled && testConfig.ShutdownAfterTests {
		shutdown.Shutdown("interrupt tests complete")
	}
	shutdown.Shutdown("scheduler exited")
}

var errDoubleFault = &kernel.Error{Module: "irq", Message: "double fault"}

// doubleFaultHandler is the non-overridable vector 8 handler: report and
// die. It runs on its dedicated IST stack, so it survives the corrupted
// stack that usually caused the double fault in the first place.
func doubleFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	diag.DecodeDoubleFault(errorCode, frame.RIP, frame.RSP).Print()
	regs.Print()
	frame.Print()
	kernel.Panic(errDoubleFault)
}

// regionFor names the memory region an address falls into for the panic
// annotator: exception-stack guard pages first, then firmware
// reservations.
func regionFor(addr uintptr) (string, bool) {
	if name, ok := stack.GuardFault(addr); ok {
		return name, true
	}
	if r, ok := allocator.Reservations().Lookup(addr); ok {
		return r.Kind.String(), true
	}
	return "", false
}

// mountExceptionStacks gives each fault class that must survive a bad
// stack its own guard-paged IST stack.
func mountExceptionStacks() {
	mounts := []struct {
		name    string
		ist     uint8
		size    mem.Size
		vectors []irq.ExceptionNum
	}{
		{"pf-stack", 1, 32 * mem.Kb, []irq.ExceptionNum{irq.PageFaultException}},
		{"df-stack", 2, 16 * mem.Kb, []irq.ExceptionNum{irq.DoubleFault}},
		{"nmi-stack", 3, 16 * mem.Kb, []irq.ExceptionNum{irq.NMI}},
		{"mc-stack", 4, 16 * mem.Kb, []irq.ExceptionNum{irq.MachineCheck}},
	}

	for _, m := range mounts {
		if _, err := stack.Mount(m.name, m.ist, m.size, m.vectors...); err != nil {
			panic(err)
		}
	}
}

// runTestHarness is the body of the "itest" task: it runs the enabled
// suites under test routing, restores normal routing and tears the task
// set down so the scheduler returns control to Kmain.
func runTestHarness(uintptr) {
	itest.SetHeap(&kernelHeap)
	itest.Init(testConfig.Verbosity == cmdline.VerbosityVerbose)

	itest.RunAll(testConfig)

	itest.Cleanup()
	task.ShutdownAll(task.Current().ID())
}
