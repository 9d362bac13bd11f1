// Package irq implements the interrupt descriptor table, exception dispatch
// and the two routing modes (normal and test) used by the fault-injection
// harness.
package irq

import (
	"github.com/Lon60/slopos-sub001/kernel"
	"github.com/Lon60/slopos-sub001/kernel/kfmt/early"
)

// panicFn is mocked by tests and is automatically inlined by the compiler.
var panicFn = kernel.Panic

// ExceptionNum defines an exception number that can be passed to
// HandleException and HandleExceptionWithCode.
type ExceptionNum uint8

const (
	DivideByZero               = ExceptionNum(0)
	NMI                        = ExceptionNum(2)
	Breakpoint                 = ExceptionNum(3)
	Overflow                   = ExceptionNum(4)
	BoundRangeExceeded         = ExceptionNum(5)
	InvalidOpcode              = ExceptionNum(6)
	DeviceNotAvailable         = ExceptionNum(7)
	DoubleFault                = ExceptionNum(8)
	InvalidTSS                 = ExceptionNum(10)
	SegmentNotPresent          = ExceptionNum(11)
	StackSegmentFault          = ExceptionNum(12)
	GPFException               = ExceptionNum(13)
	PageFaultException         = ExceptionNum(14)
	FloatingPointException     = ExceptionNum(16)
	AlignmentCheck             = ExceptionNum(17)
	MachineCheck               = ExceptionNum(18)
	SIMDFloatingPointException = ExceptionNum(19)

	vectorCount = 32
)

// RoutingMode selects how dispatch and dispatchWithCode route an incoming
// exception.
type RoutingMode uint8

const (
	// RoutingNormal invokes the registered handler directly. This is the
	// boot-time default.
	RoutingNormal RoutingMode = iota

	// RoutingTest additionally consults the override table installed by
	// the fault-injection harness before falling back to the normally
	// registered handler.
	RoutingTest
)

// criticalVectors can never be overridden by the test harness; they always
// run the handler registered via HandleException/HandleExceptionWithCode.
var criticalVectors = map[ExceptionNum]bool{
	DoubleFault:  true,
	MachineCheck: true,
	NMI:          true,
}

// IsCritical reports whether exceptionNum refuses override-table routing.
func IsCritical(exceptionNum ExceptionNum) bool {
	return criticalVectors[exceptionNum]
}

// ExceptionHandler is a function that handles an exception that does not
// push an error code onto the stack. If the handler returns, any
// modifications to the supplied Frame and/or Regs pointers are propagated
// back to the location where the exception occurred.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode is a function that handles an exception that
// pushes an error code onto the stack. If the handler returns, any
// modifications to the supplied Frame and/or Regs pointers are propagated
// back to the location where the exception occurred.
type ExceptionHandlerWithCode func(uint64, *Frame, *Regs)

var (
	mode RoutingMode

	handlers         [vectorCount]ExceptionHandler
	handlersWithCode [vectorCount]ExceptionHandlerWithCode

	overrideHandlers         [vectorCount]ExceptionHandler
	overrideHandlersWithCode [vectorCount]ExceptionHandlerWithCode
	overrideActive           [vectorCount]bool
)

// SetMode switches the dispatcher between normal operation and
// harness-driven test routing. Leaving test routing removes every
// installed override in the same step, so no override can outlive the
// mode that allowed it.
func SetMode(m RoutingMode) {
	if mode == RoutingTest && m != RoutingTest {
		ClearAllOverrides()
	}
	mode = m
}

// Mode returns the dispatcher's current routing mode.
func Mode() RoutingMode {
	return mode
}

// HandleException registers an exception handler (without an error code)
// for the given vector.
func HandleException(exceptionNum ExceptionNum, handler ExceptionHandler) {
	handlers[exceptionNum] = handler
}

// HandleExceptionWithCode registers an exception handler (with an error
// code) for the given vector.
func HandleExceptionWithCode(exceptionNum ExceptionNum, handler ExceptionHandlerWithCode) {
	handlersWithCode[exceptionNum] = handler
}

// refuseOverride reports (via early diagnostics) an attempt to override a
// non-overridable vector; it never panics since it may be called from
// within dispatch. Overrides are refused for the critical vectors and for
// anything outside the exception range.
func refuseOverride(exceptionNum ExceptionNum) bool {
	if exceptionNum >= vectorCount {
		early.Printf("irq: refusing to install test override outside the exception range (vector %d)\n", uint8(exceptionNum))
		return true
	}
	if IsCritical(exceptionNum) {
		early.Printf("irq: refusing to install test override for critical vector %d\n", uint8(exceptionNum))
		return true
	}
	return false
}

// SetOverride installs a handler (without an error code) that RoutingTest
// consults ahead of the normally registered handler. It reports whether
// the override was installed; critical vectors always refuse.
func SetOverride(exceptionNum ExceptionNum, handler ExceptionHandler) bool {
	if refuseOverride(exceptionNum) {
		return false
	}
	overrideHandlers[exceptionNum] = handler
	overrideActive[exceptionNum] = true
	return true
}

// SetOverrideWithCode installs a handler (with an error code) that
// RoutingTest consults ahead of the normally registered handler. It
// reports whether the override was installed; critical vectors always
// refuse.
func SetOverrideWithCode(exceptionNum ExceptionNum, handler ExceptionHandlerWithCode) bool {
	if refuseOverride(exceptionNum) {
		return false
	}
	overrideHandlersWithCode[exceptionNum] = handler
	overrideActive[exceptionNum] = true
	return true
}

// ClearOverride removes any override installed for exceptionNum, reverting
// RoutingTest dispatch back to the normally registered handler.
func ClearOverride(exceptionNum ExceptionNum) {
	overrideHandlers[exceptionNum] = nil
	overrideHandlersWithCode[exceptionNum] = nil
	overrideActive[exceptionNum] = false
}

// ClearAllOverrides removes every installed override; used by the
// fault-injection harness's cleanup path.
func ClearAllOverrides() {
	for i := range overrideActive {
		overrideHandlers[i] = nil
		overrideHandlersWithCode[i] = nil
		overrideActive[i] = false
	}
}

// dispatch routes an exception that carries no error code to the
// appropriate handler according to the active routing mode. It is invoked
// by the assembly-generated gate entrypoints.
func dispatch(exceptionNum ExceptionNum, frame *Frame, regs *Regs) {
	recordDispatch(uint8(exceptionNum), frame.RSP)
	frame.Vector = exceptionNum
	logException(exceptionNum, 0)

	if !IsCritical(exceptionNum) && mode == RoutingTest && overrideActive[exceptionNum] && overrideHandlers[exceptionNum] != nil {
		overrideHandlers[exceptionNum](frame, regs)
		return
	}

	if h := handlers[exceptionNum]; h != nil {
		h(frame, regs)
		return
	}

	unhandled(exceptionNum, 0, frame, regs)
}

// dispatchWithCode routes an exception that carries an error code to the
// appropriate handler according to the active routing mode.
func dispatchWithCode(exceptionNum ExceptionNum, errorCode uint64, frame *Frame, regs *Regs) {
	recordDispatch(uint8(exceptionNum), frame.RSP)
	frame.Vector = exceptionNum
	logException(exceptionNum, errorCode)

	if !IsCritical(exceptionNum) && mode == RoutingTest && overrideActive[exceptionNum] && overrideHandlersWithCode[exceptionNum] != nil {
		overrideHandlersWithCode[exceptionNum](errorCode, frame, regs)
		return
	}

	if h := handlersWithCode[exceptionNum]; h != nil {
		h(errorCode, frame, regs)
		return
	}

	unhandled(exceptionNum, errorCode, frame, regs)
}

// logException reports an incoming exception unless the harness owns the
// dispatcher: in test routing mode only the critical vectors are logged so
// intentionally injected faults do not flood the diagnostic buffer.
func logException(exceptionNum ExceptionNum, errorCode uint64) {
	if IsCritical(exceptionNum) || mode != RoutingTest {
		early.Printf("irq: exception %d (error code %x)\n", uint8(exceptionNum), errorCode)
	}
}

// unhandledFn is mocked by tests.
var unhandledFn = defaultUnhandled

func unhandled(exceptionNum ExceptionNum, errorCode uint64, frame *Frame, regs *Regs) {
	unhandledFn(exceptionNum, errorCode, frame, regs)
}

func defaultUnhandled(exceptionNum ExceptionNum, errorCode uint64, frame *Frame, regs *Regs) {
	early.Printf("\nUnhandled exception %d (error code: %x)\n", uint8(exceptionNum), errorCode)
	regs.Print()
	frame.Print()
	panicFn(nil)
}
