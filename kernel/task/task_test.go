package task

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/hal"
	"github.com/Lon60/slopos-sub001/kernel/mem"
)

type fakeEnv struct {
	nextStack  uintptr
	heapFrees  []uintptr
	tsc        uint64
	userSpaces int
}

func installFakeEnv(t *testing.T) *fakeEnv {
	env := &fakeEnv{nextStack: 0xffffff8050000000}

	origAlloc, origFree := heapAllocFn, heapFreeFn
	origTSC, origTramp, origPDT, origUser := readTSCFn, trampolineAddrFn, activePDTFn, setupUserSpaceFn
	t.Cleanup(func() {
		heapAllocFn, heapFreeFn = origAlloc, origFree
		readTSCFn, trampolineAddrFn, activePDTFn, setupUserSpaceFn = origTSC, origTramp, origPDT, origUser
		SetSchedulerHooks(nil, nil, nil)
		for i := range tasks {
			tasks[i] = Task{}
		}
		nextID = 1
		current = nil
	})

	heapAllocFn = func(size mem.Size) (uintptr, *kernel.Error) {
		base := env.nextStack
		env.nextStack += uintptr(size)
		return base, nil
	}
	heapFreeFn = func(addr uintptr) {
		env.heapFrees = append(env.heapFrees, addr)
	}
	readTSCFn = func() uint64 {
		env.tsc += 1000
		return env.tsc
	}
	trampolineAddrFn = func() uintptr { return 0xfeedface }
	activePDTFn = func() uintptr { return 0xb000 }
	setupUserSpaceFn = func(tk *Task) *kernel.Error {
		env.userSpaces++
		tk.ownerPID = uint32(tk.id)
		tk.stackBase = 0x7fff0000
		tk.stackSize = defaultUserStackSize
		tk.ctx.CR3 = 0xc000
		return nil
	}

	for i := range tasks {
		tasks[i] = Task{}
	}
	nextID = 1
	current = nil

	return env
}

func mockSink(t *testing.T) *bytes.Buffer {
	buf := &bytes.Buffer{}
	hal.SetActiveSink(buf)
	return buf
}

func TestLegalTransitions(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateInvalid, StateReady},
		{StateReady, StateRunning},
		{StateRunning, StateReady},
		{StateRunning, StateBlocked},
		{StateBlocked, StateReady},
		{StateReady, StateTerminated},
		{StateRunning, StateTerminated},
		{StateBlocked, StateTerminated},
		{StateTerminated, StateInvalid},
	}
	for _, edge := range legal {
		if !legalTransition(edge.from, edge.to) {
			t.Errorf("%s -> %s must be legal", edge.from, edge.to)
		}
	}

	illegal := []struct{ from, to State }{
		{StateInvalid, StateRunning},
		{StateInvalid, StateTerminated},
		{StateReady, StateBlocked},
		{StateBlocked, StateRunning},
		{StateTerminated, StateReady},
		{StateTerminated, StateRunning},
	}
	for _, edge := range illegal {
		if legalTransition(edge.from, edge.to) {
			t.Errorf("%s -> %s must be illegal", edge.from, edge.to)
		}
	}
}

func TestIllegalTransitionIsLoggedButApplied(t *testing.T) {
	installFakeEnv(t)
	buf := mockSink(t)

	tk := &tasks[0]
	tk.id = 99
	tk.name = "rogue"
	tk.state = StateReady

	tk.TransitionTo(StateBlocked)

	if tk.State() != StateBlocked {
		t.Fatal("the transition must still be applied")
	}
	if !strings.Contains(buf.String(), "illegal state transition READY -> BLOCKED") {
		t.Fatalf("expected an illegal-transition log, got %q", buf.String())
	}
}

func TestCreateKernelTask(t *testing.T) {
	env := installFakeEnv(t)
	mockSink(t)

	id, err := Create("worker", func(uintptr) {}, 7, 1, FlagKernelMode)
	if err != nil {
		t.Fatal(err)
	}
	if id == InvalidTaskID {
		t.Fatal("expected a valid task id")
	}

	tk := Get(id)
	if tk == nil {
		t.Fatal("created task must resolve via Get")
	}
	if tk.State() != StateReady {
		t.Fatalf("new task must be READY, got %s", tk.State())
	}
	if tk.Context().RIP != 0xfeedface {
		t.Fatalf("first dispatch must land in the trampoline, RIP=%x", tk.Context().RIP)
	}
	if tk.Context().CR3 != 0xb000 {
		t.Fatalf("kernel task must inherit the active root, CR3=%x", tk.Context().CR3)
	}
	if tk.Context().RSP&0xf != 0 {
		t.Fatalf("initial stack pointer must be 16-byte aligned, RSP=%x", tk.Context().RSP)
	}
	if env.userSpaces != 0 {
		t.Fatal("kernel task must not create an address space")
	}

	// IDs are monotonic
	id2, err := Create("worker2", func(uintptr) {}, 1, 1, FlagKernelMode)
	if err != nil {
		t.Fatal(err)
	}
	if id2 != id+1 {
		t.Fatalf("expected monotonic ids, got %d then %d", id, id2)
	}
}

func TestCreateUserTask(t *testing.T) {
	env := installFakeEnv(t)
	mockSink(t)

	id, err := Create("shell", func(uintptr) {}, 0, 1, FlagUserMode)
	if err != nil {
		t.Fatal(err)
	}

	tk := Get(id)
	if env.userSpaces != 1 {
		t.Fatal("user task must create an address space")
	}
	if tk.Owner() != uint32(id) {
		t.Fatalf("user task must own a process id, got %d", tk.Owner())
	}
	if tk.Context().CR3 != 0xc000 {
		t.Fatalf("user task must run on its own root, CR3=%x", tk.Context().CR3)
	}
}

func TestCreateRejectsBadModeFlags(t *testing.T) {
	installFakeEnv(t)
	mockSink(t)

	if _, err := Create("both", func(uintptr) {}, 0, 1, FlagKernelMode|FlagUserMode); err != errBadMode {
		t.Fatalf("expected errBadMode, got %v", err)
	}
	if _, err := Create("neither", func(uintptr) {}, 0, 1, 0); err != errBadMode {
		t.Fatalf("expected errBadMode, got %v", err)
	}
}

func TestTerminateReleasesAndRecycles(t *testing.T) {
	env := installFakeEnv(t)
	mockSink(t)

	id, _ := Create("victim", func(uintptr) {}, 0, 1, FlagKernelMode)
	tk := Get(id)
	stackBase := tk.stackBase

	var unscheduled []*Task
	SetSchedulerHooks(func(tk *Task) { unscheduled = append(unscheduled, tk) }, nil, nil)

	Terminate(id)

	if Get(id) != nil {
		t.Fatal("terminated task must not resolve")
	}
	if len(unscheduled) != 1 {
		t.Fatalf("expected 1 unschedule call, got %d", len(unscheduled))
	}
	if len(env.heapFrees) != 1 || env.heapFrees[0] != stackBase {
		t.Fatalf("expected the stack to be freed, frees=%v", env.heapFrees)
	}

	// Idempotent: a second terminate is a silent no-op
	Terminate(id)
	if len(env.heapFrees) != 1 {
		t.Fatal("double terminate must not double-free")
	}

	// The slot is recycled for the next create
	id2, err := Create("recycled", func(uintptr) {}, 0, 1, FlagKernelMode)
	if err != nil {
		t.Fatal(err)
	}
	if id2 == id {
		t.Fatal("task ids must never be reused")
	}
}

func TestTerminateWakesWaiters(t *testing.T) {
	installFakeEnv(t)
	mockSink(t)

	target, _ := Create("target", func(uintptr) {}, 0, 1, FlagKernelMode)
	waiterID, _ := Create("waiter", func(uintptr) {}, 0, 1, FlagKernelMode)

	waiter := Get(waiterID)
	waiter.TransitionTo(StateRunning)
	SetCurrent(waiter)

	var woken []*Task
	blockCalled := false
	SetSchedulerHooks(
		func(*Task) {},
		func(tk *Task) *kernel.Error {
			tk.TransitionTo(StateReady)
			woken = append(woken, tk)
			return nil
		},
		func() {
			blockCalled = true
			current.TransitionTo(StateBlocked)
		},
	)

	WaitFor(target)
	if !blockCalled || waiter.State() != StateBlocked {
		t.Fatal("WaitFor must block the caller")
	}
	if waiter.WaitingOn() != target {
		t.Fatalf("expected wait link to %d, got %d", target, waiter.WaitingOn())
	}

	SetCurrent(nil)
	Terminate(target)

	if len(woken) != 1 || woken[0] != waiter {
		t.Fatalf("expected the waiter to be woken exactly once, got %v", woken)
	}
	if waiter.State() != StateReady {
		t.Fatalf("woken waiter must be READY, got %s", waiter.State())
	}
	if waiter.WaitingOn() != InvalidTaskID {
		t.Fatal("the wait link must be cleared on wake")
	}
}

func TestWaitForGoneTaskReturnsImmediately(t *testing.T) {
	installFakeEnv(t)
	mockSink(t)

	id, _ := Create("self", func(uintptr) {}, 0, 1, FlagKernelMode)
	self := Get(id)
	self.TransitionTo(StateRunning)
	SetCurrent(self)

	SetSchedulerHooks(func(*Task) {}, nil, func() {
		t.Fatal("WaitFor on a gone task must not block")
	})

	WaitFor(ID(12345))
	if self.WaitingOn() != InvalidTaskID {
		t.Fatal("no wait link must be recorded")
	}
}

func TestShutdownAllSparesCaller(t *testing.T) {
	installFakeEnv(t)
	mockSink(t)

	a, _ := Create("a", func(uintptr) {}, 0, 1, FlagKernelMode)
	b, _ := Create("b", func(uintptr) {}, 0, 1, FlagKernelMode)
	c, _ := Create("c", func(uintptr) {}, 0, 1, FlagKernelMode)

	ShutdownAll(b)

	if Get(a) != nil || Get(c) != nil {
		t.Fatal("all other tasks must be terminated")
	}
	if Get(b) == nil {
		t.Fatal("the spared task must survive")
	}
	if LiveCount() != 1 {
		t.Fatalf("expected exactly 1 live task, got %d", LiveCount())
	}
}

func TestCreateFailsWhenRegistryFull(t *testing.T) {
	installFakeEnv(t)
	mockSink(t)

	for i := 0; i < MaxTasks; i++ {
		if _, err := Create("filler", func(uintptr) {}, 0, 1, FlagKernelMode); err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
	}

	id, err := Create("overflow", func(uintptr) {}, 0, 1, FlagKernelMode)
	if id != InvalidTaskID || err != errRegistryFull {
		t.Fatalf("expected (InvalidTaskID, errRegistryFull), got (%d, %v)", id, err)
	}
}
