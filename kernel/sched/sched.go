// Package sched implements the cooperative round-robin scheduler with
// optional timer-driven preemption. Tasks enter the CPU strictly in ready
// queue order; a running task leaves it only at a yield, a block, a wait
// or (when the timer is enabled) quantum expiry on an interrupt return.
package sched

import (
	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/cpu"
	"github.com/Lon60/slopos-sub001/kernel/irq"
	"github.com/Lon60/slopos-sub001/kernel/kfmt/early"
	"github.com/Lon60/slopos-sub001/kernel/task"
)

// Runnable is the slice of a task control block the scheduler needs. It
// is satisfied by *task.Task; tests drive the policy with lightweight
// fakes.
type Runnable interface {
	ID() task.ID
	State() task.State
	TransitionTo(task.State)
	Flags() task.Flag
	Context() *task.Context
	AccountYield()
	ResetQuantum()
	TickQuantum() bool
	MarkRun(now uint64)
	AddRunTicks(n uint64)
}

// Config selects the scheduler's operating mode.
type Config struct {
	// TimerHz enables timer-driven preemption at the given tick rate;
	// 0 runs fully cooperatively.
	TimerHz uint32

	// ExitOnIdleTermination makes the scheduler disable itself and
	// return to the bootstrap context when the idle task terminates.
	// The test-harness boot path sets this; a production boot treats a
	// dying idle task as an error.
	ExitOnIdleTermination bool
}

// Stats is a snapshot of the scheduler's diagnostic counters.
type Stats struct {
	ContextSwitches uint64
	Ticks           uint64
	ReadyLen        int
}

var (
	cfg     Config
	enabled bool

	readyQ readyQueue

	current Runnable
	idle    Runnable
	idleID  task.ID

	// scheduleDepth guards Schedule against re-entry: only the
	// outermost call drives a switch.
	scheduleDepth uint32

	reschedulePending bool

	tickCount       uint64
	contextSwitches uint64

	// bootstrapCtx captures the boot flow of control; the scheduler
	// switches back to it when it disables itself.
	bootstrapCtx task.Context

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	switchContextFn = switchContext
	switchPDTFn     = cpu.SwitchPDT
	activePDTFn     = cpu.ActivePDT
	readTSCFn       = cpu.ReadTSC
	createTaskFn    = task.Create
	getTaskFn       = func(id task.ID) Runnable {
		if t := task.Get(id); t != nil {
			return t
		}
		return nil
	}
	setCurrentTaskFn = func(r Runnable) {
		if t, ok := r.(*task.Task); ok {
			task.SetCurrent(t)
			return
		}
		task.SetCurrent(nil)
	}
)

// switchContext saves the callee-saved register state into old (unless
// old is nil) and resumes execution from new, loading its stack, resume
// address and flags. Implemented in assembly.
func switchContext(old, new *task.Context)

// Init resets the scheduler, creates the idle task and registers the
// lifecycle and interrupt hooks. It must run after task.Init.
func Init(config Config) *kernel.Error {
	cfg = config
	readyQ.reset()
	current = nil
	scheduleDepth = 0
	reschedulePending = false
	tickCount = 0
	contextSwitches = 0

	id, err := createTaskFn("idle", idleEntry, 0, 0, task.FlagKernelMode|task.FlagSystem|task.FlagNoPreempt)
	if err != nil {
		return err
	}
	idleID = id
	idle = getTaskFn(id)

	task.SetSchedulerHooks(unscheduleHook, wakeHook, BlockCurrent)
	task.SetExitHook(Schedule)

	if cfg.TimerHz > 0 {
		irq.HandleIRQ(irq.TimerIRQ, timerTick)
		irq.SetAfterIRQ(AfterIRQ)
		irq.StartTimer(cfg.TimerHz)
	}

	enabled = true
	return nil
}

// Enabled reports whether the scheduler is accepting work.
func Enabled() bool {
	return enabled
}

// Current returns the task holding the CPU, or nil.
func Current() Runnable {
	return current
}

// Start hands the boot flow of control to the scheduler. It returns only
// after the scheduler disables itself (idle termination with
// ExitOnIdleTermination, or Stop).
func Start() {
	if !enabled {
		return
	}

	next := selectNext()
	if next == nil {
		enabled = false
		return
	}

	dispatch(next, &bootstrapCtx)
}

// Schedule performs one round-robin step: the current task (if still
// running) goes to the queue tail and the head task takes the CPU.
// Re-entrant calls return immediately; the outermost call drives the
// switch.
func Schedule() {
	if !enabled {
		return
	}

	scheduleDepth++
	defer func() { scheduleDepth-- }()
	if scheduleDepth > 1 {
		return
	}

	prev := current
	if prev != nil && prev.State() == task.StateRunning && prev != idle {
		prev.TransitionTo(task.StateReady)
		prev.ResetQuantum()
		if err := readyQ.enqueue(prev); err != nil {
			early.Printf("sched: cannot requeue running task %d: %s\n", uint32(prev.ID()), err.Message)
		}
	}

	next := selectNext()
	if next == nil {
		// The idle task is gone; the scheduler winds down and control
		// returns to whoever called Start.
		if !cfg.ExitOnIdleTermination {
			early.Printf("sched: idle task terminated unexpectedly; disabling scheduler\n")
		}
		enabled = false
		current = nil
		setCurrentTaskFn(nil)

		var prevCtx *task.Context
		if prev != nil {
			prevCtx = prev.Context()
		}
		switchContextFn(prevCtx, &bootstrapCtx)
		return
	}

	if next == prev {
		// Sole runnable task: put it straight back on the CPU.
		if next.State() != task.StateRunning {
			next.TransitionTo(task.StateRunning)
		}
		return
	}

	var prevCtx *task.Context
	if prev != nil {
		prevCtx = prev.Context()
	}
	dispatch(next, prevCtx)
}

// selectNext pops the ready queue, falling back to the idle task while it
// is alive.
func selectNext() Runnable {
	if next := readyQ.dequeue(); next != nil {
		return next
	}
	if idle == nil {
		return nil
	}
	if s := idle.State(); s == task.StateTerminated || s == task.StateInvalid {
		return nil
	}
	return idle
}

// dispatch switches the CPU to next, saving the outgoing state into
// prevCtx (nil on a cold start, per the first-switch contract).
func dispatch(next Runnable, prevCtx *task.Context) {
	next.TransitionTo(task.StateRunning)
	next.MarkRun(readTSCFn())
	contextSwitches++

	current = next
	setCurrentTaskFn(next)

	if cr3 := next.Context().CR3; cr3 != 0 && cr3 != activePDTFn() {
		switchPDTFn(cr3)
	}

	switchContextFn(prevCtx, next.Context())
}

// Yield gives up the CPU voluntarily; the caller resumes after every
// other READY task had its turn.
func Yield() {
	if cur := current; cur != nil {
		cur.AccountYield()
	}
	Schedule()
}

// BlockCurrent parks the running task until a Wake call readies it again.
func BlockCurrent() {
	cur := current
	if cur == nil {
		return
	}

	cur.TransitionTo(task.StateBlocked)
	readyQ.remove(cur)
	Schedule()
}

// Wake readies a blocked task and queues it for dispatch. Admitting a
// freshly created (already READY) task is the same operation. It fails
// with ErrReadyQueueFull when the queue cannot take it.
func Wake(r Runnable) *kernel.Error {
	if r.State() != task.StateReady {
		r.TransitionTo(task.StateReady)
	}
	return readyQ.enqueue(r)
}

// Unschedule removes a task from the ready queue (and from the CPU if it
// is the current one) without changing its state; the task lifecycle owns
// the state edge.
func Unschedule(r Runnable) {
	readyQ.remove(r)
	if r == current {
		current = nil
		setCurrentTaskFn(nil)
	}
}

// unscheduleHook adapts Unschedule to the task package's hook signature.
func unscheduleHook(t *task.Task) {
	Unschedule(t)
}

// wakeHook adapts Wake to the task package's hook signature.
func wakeHook(t *task.Task) *kernel.Error {
	return Wake(t)
}

// timerTick is the handler registered on the timer line.
func timerTick(_ *irq.Frame, _ *irq.Regs) {
	OnTick()
}

// OnTick performs the per-tick bookkeeping and arms a reschedule when the
// running task's quantum expires while other work is queued. Tasks
// holding FlagNoPreempt and an idle CPU only account the tick.
func OnTick() {
	tickCount++

	cur := current
	if cur == nil {
		return
	}
	cur.AddRunTicks(1)

	if cur.Flags()&task.FlagNoPreempt != 0 {
		return
	}
	if cur == idle && readyQ.len() == 0 {
		return
	}

	if cur.TickQuantum() && readyQ.len() > 0 {
		reschedulePending = true
	}
}

// AfterIRQ runs on every interrupt return path: a pending reschedule is
// consumed here, never inside the interrupt handler itself.
func AfterIRQ() {
	if !reschedulePending || scheduleDepth > 0 {
		return
	}

	reschedulePending = false
	Schedule()
}

// Stop disables the scheduler and clears its queue and current pointer.
// Used by the shutdown orchestrator; tasks are torn down separately.
func Stop() {
	enabled = false
	reschedulePending = false
	readyQ.reset()
	current = nil
	setCurrentTaskFn(nil)
}

// SchedulerStats returns a snapshot of the diagnostic counters.
func SchedulerStats() Stats {
	return Stats{
		ContextSwitches: contextSwitches,
		Ticks:           tickCount,
		ReadyLen:        readyQ.len(),
	}
}

// idleEntry is the idle task body: it retires the CPU until the next
// interrupt when preemption is on, and spins through the scheduler
// otherwise.
func idleEntry(uintptr) {
	for {
		if cfg.TimerHz > 0 {
			cpu.Halt()
		}
		Schedule()
	}
}
