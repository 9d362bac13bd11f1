package task

// ID returns the task's identifier.
func (t *Task) ID() ID {
	return t.id
}

// Name returns the task's name.
func (t *Task) Name() string {
	return t.name
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	return t.state
}

// Flags returns the task's creation flags.
func (t *Task) Flags() Flag {
	return t.flags
}

// Priority returns the task's priority.
func (t *Task) Priority() uint8 {
	return t.priority
}

// Owner returns the owning process id, or vmm.NoProcess.
func (t *Task) Owner() uint32 {
	return t.ownerPID
}

// Context returns the task's saved CPU context for the scheduler's
// register-saving switch.
func (t *Task) Context() *Context {
	return &t.ctx
}

// TransitionTo moves the task to the new state through the lifecycle
// checker; illegal edges are logged and applied (see transition).
func (t *Task) TransitionTo(to State) {
	transition(t, to)
}

// ResetQuantum refills the task's remaining quantum.
func (t *Task) ResetQuantum() {
	t.quantumLeft = t.quantum
}

// TickQuantum burns one tick of the task's remaining quantum and reports
// whether it expired. Calling it with an already-expired quantum keeps
// reporting expiry without wrapping.
func (t *Task) TickQuantum() bool {
	if t.quantumLeft > 0 {
		t.quantumLeft--
	}
	return t.quantumLeft == 0
}

// AccountYield increments the task's voluntary-yield counter.
func (t *Task) AccountYield() {
	t.yieldCount++
}

// YieldCount returns the number of voluntary yields the task performed.
func (t *Task) YieldCount() uint64 {
	return t.yieldCount
}

// MarkRun stamps the task as dispatched at the given TSC timestamp.
func (t *Task) MarkRun(now uint64) {
	t.lastRunAt = now
}

// LastRunAt returns the TSC timestamp of the task's latest dispatch.
func (t *Task) LastRunAt() uint64 {
	return t.lastRunAt
}

// AddRunTicks accumulates timer ticks the task spent on the CPU.
func (t *Task) AddRunTicks(n uint64) {
	t.runTicks += n
}

// RunTicks returns the timer ticks the task has accumulated on the CPU.
func (t *Task) RunTicks() uint64 {
	return t.runTicks
}

// WaitingOn returns the id of the task this one waits for, or
// InvalidTaskID.
func (t *Task) WaitingOn() ID {
	return t.waitingOn
}
