package irq

// IRQNum identifies a hardware interrupt line on the legacy interrupt
// controller pair.
type IRQNum uint8

const (
	// IRQBase is the vector the hardware interrupt lines are remapped to;
	// IRQ n arrives on vector IRQBase+n.
	IRQBase = uint8(32)

	// irqCount is the number of legacy interrupt lines.
	irqCount = 16

	// TimerIRQ is the programmable interval timer line.
	TimerIRQ = IRQNum(0)
)

// IRQHandler is invoked for a hardware interrupt. Unlike exception
// handlers, IRQ handlers receive no error code; the frame and registers
// are still mutable and propagate back on return.
type IRQHandler func(*Frame, *Regs)

var (
	irqHandlers [irqCount]IRQHandler

	// afterIRQFn, when set, runs after every IRQ handler returns and
	// after the controller has been acknowledged. The scheduler installs
	// its quantum-expiry reschedule check here.
	afterIRQFn func()

	// sendEOIFn is mocked by tests.
	sendEOIFn = SendEOI
)

// HandleIRQ registers a handler for the given hardware interrupt line.
// Lines without a registered handler are acknowledged and dropped.
func HandleIRQ(irqNum IRQNum, handler IRQHandler) {
	if irqNum >= irqCount {
		return
	}
	irqHandlers[irqNum] = handler
}

// SetAfterIRQ installs fn on the interrupt return path. It runs once per
// dispatched IRQ, after acknowledgement, with interrupts still disabled.
func SetAfterIRQ(fn func()) {
	afterIRQFn = fn
}

// dispatchIRQ routes a hardware interrupt to its registered handler. It is
// invoked by the assembly-generated gate entrypoints for vectors
// [IRQBase, IRQBase+irqCount).
func dispatchIRQ(vector uint8, frame *Frame, regs *Regs) {
	recordDispatch(vector, frame.RSP)

	irqNum := IRQNum(vector - IRQBase)
	if h := irqHandlers[irqNum]; h != nil {
		h(frame, regs)
	}

	sendEOIFn(irqNum)

	if afterIRQFn != nil {
		afterIRQFn()
	}
}
