// Package task implements task control blocks and the task lifecycle:
// creation, termination, waiting and the checked state machine in
// between. Scheduling policy lives in kernel/sched; this package only
// owns the registry and the per-task resources (stack, address space).
package task

import (
	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/cpu"
	"github.com/Lon60/slopos-sub001/kernel/kfmt/early"
	"github.com/Lon60/slopos-sub001/kernel/mem"
	"github.com/Lon60/slopos-sub001/kernel/mem/heap"
	"github.com/Lon60/slopos-sub001/kernel/mem/vmm"
	"github.com/Lon60/slopos-sub001/kernel/vm"
)

// ID identifies a task. IDs are monotonic and never reused; slot indices
// are.
type ID uint32

const (
	// InvalidTaskID is returned when task creation fails and used as the
	// "no task" sentinel in wait links.
	InvalidTaskID = ID(0)

	// MaxTasks bounds the registry size.
	MaxTasks = 64

	// DefaultQuantum is the number of timer ticks a task may hold the
	// CPU before preemption becomes eligible.
	DefaultQuantum = uint32(5)

	// defaultKernelStackSize is the stack size for kernel-mode tasks.
	defaultKernelStackSize = 16 * mem.Kb

	// defaultUserStackSize is the stack size for user-mode tasks.
	defaultUserStackSize = 64 * mem.Kb
)

// Flag alters how a task is created and scheduled.
type Flag uint16

const (
	// FlagKernelMode runs the task on a heap-allocated kernel stack in
	// the kernel address space.
	FlagKernelMode Flag = 1 << iota

	// FlagUserMode runs the task in its own address space with a
	// user-half stack area.
	FlagUserMode

	// FlagNoPreempt exempts the task from quantum expiry while it runs.
	FlagNoPreempt

	// FlagSystem marks system tasks (idle, init) that shutdown sweeps
	// treat like any other task but diagnostics report separately.
	FlagSystem
)

// EntryFn is a task body. Returning from it terminates the task.
type EntryFn func(arg uintptr)

// Context is the register state preserved across a cooperative context
// switch: the callee-saved registers, the stack, the resume address and
// the address-space root. The switch itself is performed in assembly by
// the scheduler.
type Context struct {
	RBX, RBP, R12, R13, R14, R15 uintptr

	RSP    uintptr
	RIP    uintptr
	RFlags uintptr
	CR3    uintptr
}

// Task is a task control block. All fields are owned by this package; the
// scheduler mutates the scheduling bookkeeping through exported methods.
type Task struct {
	id       ID
	name     string
	state    State
	priority uint8
	flags    Flag

	// ownerPID is the owning process id, or vmm.NoProcess for
	// kernel-mode tasks.
	ownerPID uint32

	stackBase uintptr
	stackSize mem.Size

	entry EntryFn
	arg   uintptr

	ctx Context

	quantum     uint32
	quantumLeft uint32

	// Runtime accounting, all in timer ticks except the TSC timestamps.
	runTicks   uint64
	createdAt  uint64
	yieldCount uint64
	lastRunAt  uint64

	waitingOn ID

	// space is the task's private memory view; nil for kernel-mode
	// tasks, which share the kernel address space.
	space        *vm.Space
	spaceStorage vm.Space
}

var (
	tasks   [MaxTasks]Task
	nextID  = ID(1)
	current *Task

	// heapAllocFn/heapFreeFn are bound to the kernel heap by Init; tests
	// inject fakes.
	heapAllocFn func(mem.Size) (uintptr, *kernel.Error)
	heapFreeFn  func(uintptr)

	// Scheduler hooks, registered via SetSchedulerHooks. They keep the
	// task registry free of a dependency on scheduling policy.
	unscheduleFn   func(*Task)
	wakeFn         func(*Task) *kernel.Error
	blockCurrentFn func()

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readTSCFn        = cpu.ReadTSC
	trampolineAddrFn = trampolineAddr
	activePDTFn      = cpu.ActivePDT
	setupUserSpaceFn = setupUserSpace

	errRegistryFull  = &kernel.Error{Module: "task", Message: "no free task slots"}
	errNoHeap        = &kernel.Error{Module: "task", Message: "task registry is not initialized"}
	errBadMode       = &kernel.Error{Module: "task", Message: "exactly one of FlagKernelMode/FlagUserMode must be set"}
)

// Init wires the registry to the kernel heap. It must run after the heap
// exists and before the first Create call.
func Init(h *heap.Allocator) {
	heapAllocFn = h.Alloc
	heapFreeFn = h.Free
	nextID = 1
	current = nil
	for i := range tasks {
		tasks[i] = Task{}
	}
}

// SetSchedulerHooks registers the scheduler operations the lifecycle
// needs: removing a task from the ready queue, waking a blocked task and
// blocking the current one.
func SetSchedulerHooks(unschedule func(*Task), wake func(*Task) *kernel.Error, blockCurrent func()) {
	unscheduleFn = unschedule
	wakeFn = wake
	blockCurrentFn = blockCurrent
}

// SetExitHook registers the scheduler call that carries execution away
// from a task that just terminated itself; without it runEntry spins
// until the next preemption.
func SetExitHook(fn func()) {
	exitFn = fn
}

var exitFn func()

// trampolineAddr returns the entry address every new task context starts
// at: an assembly stub that establishes the Go calling convention and
// calls runEntry. Implemented in assembly.
func trampolineAddr() uintptr

// runEntry is invoked by the task trampoline on a task's first dispatch.
// It runs the task body and terminates the task if the body returns. The
// terminated task's stack is gone, so this function must never return:
// it hands the CPU to the scheduler and spins as a backstop.
//
//go:nosplit
func runEntry() {
	t := current
	t.entry(t.arg)
	Terminate(t.id)

	for {
		if exitFn != nil {
			exitFn()
		}
	}
}

// Current returns the running task, or nil during early boot.
func Current() *Task {
	return current
}

// SetCurrent records t as the running task; called by the scheduler
// around a context switch.
func SetCurrent(t *Task) {
	current = t
}

// Get returns the live task with the given id, or nil. Terminated and
// recycled slots do not resolve.
func Get(id ID) *Task {
	for i := range tasks {
		if tasks[i].id == id && tasks[i].state != StateInvalid {
			return &tasks[i]
		}
	}
	return nil
}

// Create allocates a task slot, its stack and (for user-mode tasks) its
// address space, and readies the task for its first dispatch. On failure
// it returns InvalidTaskID and the reason.
func Create(name string, entry EntryFn, arg uintptr, priority uint8, flags Flag) (ID, *kernel.Error) {
	if heapAllocFn == nil {
		return InvalidTaskID, errNoHeap
	}
	if (flags&FlagKernelMode != 0) == (flags&FlagUserMode != 0) {
		return InvalidTaskID, errBadMode
	}

	slot := freeSlot()
	if slot == nil {
		return InvalidTaskID, errRegistryFull
	}

	id := nextID
	*slot = Task{
		id:        id,
		name:      name,
		priority:  priority,
		flags:     flags,
		ownerPID:  vmm.NoProcess,
		entry:     entry,
		arg:       arg,
		quantum:   DefaultQuantum,
		createdAt: readTSCFn(),
		waitingOn: InvalidTaskID,
	}
	slot.quantumLeft = slot.quantum

	var err *kernel.Error
	if flags&FlagKernelMode != 0 {
		err = setupKernelStack(slot)
	} else {
		err = setupUserSpaceFn(slot)
	}
	if err != nil {
		*slot = Task{}
		return InvalidTaskID, err
	}

	// The first dispatch enters the trampoline on a fresh stack.
	slot.ctx.RIP = trampolineAddrFn()
	slot.ctx.RSP = slot.stackTop()

	nextID++
	transition(slot, StateReady)
	return id, nil
}

// setupKernelStack carves the stack from the kernel heap and runs the
// task in the current (kernel) address space.
func setupKernelStack(t *Task) *kernel.Error {
	base, err := heapAllocFn(defaultKernelStackSize)
	if err != nil {
		return err
	}

	t.stackBase = base
	t.stackSize = defaultKernelStackSize
	t.ctx.CR3 = activePDTFn()
	return nil
}

// setupUserSpace creates a private address space and an eagerly mapped
// stack area for a user-mode task.
func setupUserSpace(t *Task) *kernel.Error {
	t.ownerPID = uint32(t.id)
	t.space = &t.spaceStorage

	if err := t.space.Init(t.ownerPID); err != nil {
		t.space = nil
		return err
	}

	vma, stackTop, err := t.space.AllocStack(defaultUserStackSize)
	if err != nil {
		t.space.Destroy()
		t.space = nil
		return err
	}

	t.stackBase = vma.Start
	t.stackSize = mem.Size(vma.End - vma.Start)
	t.ctx.RSP = stackTop
	t.ctx.CR3 = t.space.Root()
	return nil
}

// stackTop returns the initial, 16-byte aligned stack pointer.
func (t *Task) stackTop() uintptr {
	return (t.stackBase + uintptr(t.stackSize)) &^ 0xf
}

// Terminate ends the task with the given id: it leaves the scheduler,
// wakes every task waiting on it, releases its stack or address space and
// recycles the slot. Terminating an already-gone task succeeds silently.
func Terminate(id ID) {
	t := Get(id)
	if t == nil {
		return
	}

	if unscheduleFn != nil && (t.state == StateReady || t.state == StateRunning) {
		unscheduleFn(t)
	}
	transition(t, StateTerminated)
	if t == current {
		current = nil
	}

	// Resources go first: a waiter woken by a task's termination must
	// never observe its stack or address space still held.
	releaseResources(t)
	wakeWaiters(id)

	transition(t, StateInvalid)
	*t = Task{}
}

// wakeWaiters readies every task whose wait link points at id. Waiters
// are found by a linear sweep so the wait graph stays data-only.
func wakeWaiters(id ID) {
	for i := range tasks {
		w := &tasks[i]
		if w.waitingOn != id || w.state != StateBlocked {
			continue
		}

		w.waitingOn = InvalidTaskID
		if wakeFn != nil {
			if err := wakeFn(w); err != nil {
				early.Printf("task: failed to wake task %d: %s\n", uint32(w.id), err.Message)
			}
		} else {
			transition(w, StateReady)
		}
	}
}

// releaseResources frees the task's stack or destroys its address space.
// This happens before any waiter observes the TERMINATED task slot being
// recycled, so a joined task's resources are always gone by wake-up.
func releaseResources(t *Task) {
	if t.flags&FlagKernelMode != 0 {
		if t.stackBase != 0 {
			heapFreeFn(t.stackBase)
		}
		return
	}

	if t.space != nil {
		if err := t.space.Destroy(); err != nil {
			early.Printf("task: failed to destroy address space of task %d: %s\n", uint32(t.id), err.Message)
		}
		t.space = nil
	}
}

// WaitFor blocks the calling task until the task with the given id
// terminates. If the target is already gone the call returns immediately.
func WaitFor(id ID) {
	t := Get(id)
	if t == nil || t.state == StateTerminated || current == nil {
		return
	}

	current.waitingOn = id
	if blockCurrentFn != nil {
		blockCurrentFn()
	}
}

// ShutdownAll terminates every live task except the one with keepID. Used
// by the shutdown orchestrator, which keeps the caller alive long enough
// to finish the halt sequence.
func ShutdownAll(keepID ID) {
	for i := range tasks {
		t := &tasks[i]
		if t.state == StateInvalid || t.id == keepID {
			continue
		}
		Terminate(t.id)
	}
}

// freeSlot returns the first invalid slot, or nil when the registry is
// full.
func freeSlot() *Task {
	for i := range tasks {
		if tasks[i].state == StateInvalid {
			return &tasks[i]
		}
	}
	return nil
}

// LiveCount returns the number of slots holding a live task.
func LiveCount() int {
	var n int
	for i := range tasks {
		if tasks[i].state != StateInvalid {
			n++
		}
	}
	return n
}
