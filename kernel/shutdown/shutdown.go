// Package shutdown sequences the kernel's death: quiesce interrupt
// sources, tear down tasks, drain buffered diagnostics and halt. Every
// stage is guarded by its own flag so the orchestrator is re-entrant:
// a fault during shutdown lands back here and short-circuits straight to
// quiesce + drain + halt without repeating work.
package shutdown

import (
	"github.com/Lon60/slopos-sub001/kernel/cpu"
	"github.com/Lon60/slopos-sub001/kernel/hal"
	"github.com/Lon60/slopos-sub001/kernel/irq"
	"github.com/Lon60/slopos-sub001/kernel/kfmt"
	"github.com/Lon60/slopos-sub001/kernel/kfmt/early"
	"github.com/Lon60/slopos-sub001/kernel/sched"
	"github.com/Lon60/slopos-sub001/kernel/task"
)

var (
	inProgress bool
	quiesced   bool
	swept      bool
	drained    bool

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	disableInterruptsFn = cpu.DisableInterrupts
	stopSchedulerFn     = sched.Stop
	shutdownTasksFn     = task.ShutdownAll
	currentTaskFn       = task.Current
	setCurrentTaskFn    = task.SetCurrent
	maskPICFn           = irq.MaskPIC
	ackPendingFn        = acknowledgePending
	stopLAPICFn         = disableLAPIC
	drainFn             = drainDiagnostics
	haltForeverFn       = haltForever
)

// disableLAPIC clears the APIC-enable bit in the APIC base MSR when a
// local interrupt controller is present, and is a no-op otherwise.
// Implemented in assembly.
func disableLAPIC()

// acknowledgePending sends an end-of-interrupt to both legacy
// controllers so no line is left in service across the halt.
func acknowledgePending() {
	irq.SendEOI(irq.IRQNum(8))
}

// drainDiagnostics flushes any ring-buffered output to the active sink.
func drainDiagnostics() {
	kfmt.DrainTo(hal.ActiveSink)
}

func haltForever() {
	for {
		cpu.Halt()
	}
}

// Shutdown runs the full halt sequence. Calling it again — including from
// a fault raised while it runs — short-circuits to quiesce, drain and
// halt; the task sweep happens exactly once.
func Shutdown(reason string) {
	disableInterruptsFn()

	if inProgress {
		Quiesce()
		Drain()
		haltForeverFn()
		return
	}
	inProgress = true

	early.Printf("shutdown: %s\n", reason)

	Quiesce()
	teardownTasks()
	Drain()
	haltForeverFn()
}

// Quiesce silences every interrupt source and stops the scheduler. Safe
// to call on its own and idempotent.
func Quiesce() {
	if quiesced {
		return
	}
	quiesced = true

	stopSchedulerFn()
	ackPendingFn()
	maskPICFn()
	stopLAPICFn()
}

// teardownTasks terminates every task except the caller's and clears the
// current-task pointer. The sweep runs at most once per shutdown.
func teardownTasks() {
	if swept {
		return
	}
	swept = true

	keep := task.InvalidTaskID
	if cur := currentTaskFn(); cur != nil {
		keep = cur.ID()
	}
	shutdownTasksFn(keep)
	setCurrentTaskFn(nil)
}

// Drain flushes buffered diagnostics to the active sink. Safe to call on
// its own and idempotent.
func Drain() {
	if drained {
		return
	}
	drained = true

	drainFn()
}
