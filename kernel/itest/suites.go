package itest

import (
	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/cmdline"
	"github.com/Lon60/slopos-sub001/kernel/cpu"
	"github.com/Lon60/slopos-sub001/kernel/irq"
	"github.com/Lon60/slopos-sub001/kernel/kfmt/early"
	"github.com/Lon60/slopos-sub001/kernel/mem"
	"github.com/Lon60/slopos-sub001/kernel/mem/vmm"
)

// test is one harness test: a name, the vector it expects (or
// VectorNone) and a body that provokes — or refrains from provoking —
// the fault.
type test struct {
	name     string
	expected irq.ExceptionNum
	run      func()
}

// suite groups tests by category.
type suite struct {
	name  string
	mask  cmdline.SuiteMask
	tests []test
}

var suites = []suite{
	{
		name: "basic",
		mask: cmdline.SuiteBasic,
		tests: []test{
			{"breakpoint", irq.Breakpoint, triggerBreakpoint},
			{"invalid-opcode", irq.InvalidOpcode, triggerInvalidOpcode},
			{"divide-by-zero", irq.DivideByZero, triggerDivideByZero},
			{"no-fault", VectorNone, func() {}},
		},
	},
	{
		name: "memory",
		mask: cmdline.SuiteMemory,
		tests: []test{
			{"read-unmapped-page", irq.PageFaultException, readUnmappedPage},
			{"write-unmapped-page", irq.PageFaultException, writeUnmappedPage},
		},
	},
	{
		name: "control",
		mask: cmdline.SuiteControl,
		tests: []test{
			{"overflow-trap", irq.Overflow, triggerOverflow},
			{"critical-override-refused", VectorNone, criticalOverrideRefused},
		},
	},
}

// The following functions are mocked by tests and are automatically
// inlined by the compiler.
var (
	readTSCFn      = cpu.ReadTSC
	tscFrequencyFn = cpu.TSCFrequency
)

// RunAll executes every suite enabled in cfg, honoring the combined
// wall-clock budget. It returns the aggregate statistics.
func RunAll(cfg cmdline.Config) Stats {
	var deadline uint64
	if cfg.TimeoutMillis > 0 {
		deadline = readTSCFn() + cfg.TimeoutMillis*(tscFrequencyFn()/1000)
	}

	for _, s := range suites {
		if cfg.Suites&s.mask == 0 {
			continue
		}
		if cfg.Verbosity >= cmdline.VerbositySummary {
			early.Printf("itest: running suite %s (%d tests)\n", s.name, len(s.tests))
		}

		for _, tc := range s.tests {
			if deadline != 0 && readTSCFn() > deadline {
				early.Printf("itest: timeout budget exhausted; aborting remaining tests\n")
				return finishRun(cfg)
			}

			Start(tc.name, tc.expected)
			tc.run()
			End()
		}
	}

	if cfg.StacktraceDemo {
		stacktraceDemo()
	}

	return finishRun(cfg)
}

func finishRun(cfg cmdline.Config) Stats {
	result := stats
	if cfg.Verbosity >= cmdline.VerbositySummary {
		early.Printf("itest: %d run, %d passed, %d failed, %d faults caught\n",
			result.Run, result.Passed, result.Failed, result.FaultsCaught)
	}
	return result
}

// readUnmappedPage allocates a page, unmaps it and dereferences it; the
// harness resumes at the probe's resume label once the page fault is
// caught.
func readUnmappedPage() {
	faultOnUnmappedPage(faultProbeRead, faultProbeResumeAddr())
}

// writeUnmappedPage is the store flavor of readUnmappedPage.
func writeUnmappedPage() {
	faultOnUnmappedPage(faultProbeWrite, faultProbeWriteResumeAddr())
}

func faultOnUnmappedPage(probe func(uintptr), resume uintptr) {
	page, err := pageAlignedAlloc(mem.PageSize)
	if err != nil {
		early.Printf("itest: cannot allocate probe page: %s\n", err.Message)
		return
	}

	SetResumeRIP(resume)
	if unmapErr := vmm.Unmap(vmm.PageFromAddress(page)); unmapErr != nil {
		early.Printf("itest: cannot unmap probe page: %s\n", unmapErr.Message)
		pageAlignedFree(page)
		return
	}

	probe(page)

	// The backing frame leaks intentionally: the mapping is gone, so the
	// heap block wrapped around it must not be reused either.
}

// criticalOverrideRefused verifies the dispatcher turns down an override
// for a critical vector while leaving the panic handler active. It
// expects no fault.
func criticalOverrideRefused() {
	if irq.SetOverrideWithCode(irq.DoubleFault, func(uint64, *irq.Frame, *irq.Regs) {}) {
		early.Printf("itest: override on a critical vector was accepted\n")
		// Force a visible failure: the harness treats an unexpected
		// fault as FAIL, so provoke one.
		triggerBreakpoint()
	}
}

// stacktraceDemo prints a frame-pointer walk from a few nested calls so
// the stack walker's output can be inspected on a live boot.
func stacktraceDemo() {
	demoOuter()
}

func demoOuter() { demoInner() }

func demoInner() {
	early.Printf("itest: stack trace demo:\n")
	kernel.DumpStack()
}
