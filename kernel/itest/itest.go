// Package itest is the fault-injection test harness: it drives the
// exception dispatcher with intentionally provoked faults while sharing
// the CPU with the kernel under test. The harness owns the dispatcher's
// test routing mode; its override handler records the observed vector and
// redirects resumption by rewriting the saved frame's instruction pointer
// before iret.
package itest

import (
	"github.com/Lon60/slopos-sub001/kernel/irq"
	"github.com/Lon60/slopos-sub001/kernel/kfmt/early"
)

// VectorNone means a test expects no fault at all.
const VectorNone = irq.ExceptionNum(0xff)

// Outcome classifies a finished test.
type Outcome uint8

const (
	// OutcomePassed: no fault expected, none observed.
	OutcomePassed Outcome = iota

	// OutcomeExceptionCaught: the expected fault arrived and was
	// consumed.
	OutcomeExceptionCaught

	// OutcomeFailUnexpected: a fault arrived although none was expected.
	OutcomeFailUnexpected

	// OutcomeFailMissing: the expected fault never happened.
	OutcomeFailMissing

	// OutcomeFailWrongVector: a fault arrived on a different vector than
	// expected.
	OutcomeFailWrongVector
)

// Passed reports whether the outcome counts as a pass.
func (o Outcome) Passed() bool {
	return o == OutcomePassed || o == OutcomeExceptionCaught
}

// String returns the outcome's name.
func (o Outcome) String() string {
	switch o {
	case OutcomePassed:
		return "PASS"
	case OutcomeExceptionCaught:
		return "PASS (exception caught)"
	case OutcomeFailUnexpected:
		return "FAIL (unexpected exception)"
	case OutcomeFailMissing:
		return "FAIL (expected exception missing)"
	default:
		return "FAIL (wrong vector)"
	}
}

// Stats aggregates harness results.
type Stats struct {
	Run          uint64
	Passed       uint64
	Failed       uint64
	FaultsCaught uint64
}

// testContext tracks one in-flight test.
type testContext struct {
	active   bool
	name     string
	expected irq.ExceptionNum

	faulted  bool
	observed irq.ExceptionNum

	// resumeRIP, when set by the test, is written into the fault frame
	// so execution continues at the test's chosen label instead of
	// retrying the faulting instruction.
	resumeRIP uintptr

	lastFrame *irq.Frame
	faultRIP  uintptr
}

var (
	cur   testContext
	stats Stats

	verbose bool
)

// Init switches the dispatcher to test routing and installs the harness
// override on every non-critical exception vector. The critical vectors
// keep their panic handlers; the dispatcher refuses overrides for them by
// contract.
func Init(verboseLogging bool) {
	verbose = verboseLogging
	stats = Stats{}
	cur = testContext{}

	irq.SetMode(irq.RoutingTest)
	for vector := irq.ExceptionNum(0); vector < 32; vector++ {
		if irq.IsCritical(vector) {
			continue
		}
		irq.SetOverride(vector, catchFault)
		irq.SetOverrideWithCode(vector, catchFaultWithCode)
	}
}

// Cleanup restores normal routing, which atomically removes every
// override the harness installed.
func Cleanup() {
	irq.SetMode(irq.RoutingNormal)
}

// HarnessStats returns the aggregate results so far.
func HarnessStats() Stats {
	return stats
}

// Start begins a test that expects the given vector (or VectorNone).
func Start(name string, expected irq.ExceptionNum) {
	cur = testContext{
		active:   true,
		name:     name,
		expected: expected,
	}
}

// SetResumeRIP records the continuation address the next caught fault
// resumes at.
func SetResumeRIP(rip uintptr) {
	cur.resumeRIP = rip
}

// LastFrame returns the frame of the most recent caught fault, or nil.
func LastFrame() *irq.Frame {
	return cur.lastFrame
}

// FaultRIP returns the instruction pointer the most recent fault was
// raised at.
func FaultRIP() uintptr {
	return cur.faultRIP
}

// instrLength returns the byte length the harness skips when a test did
// not set an explicit resume address: the faulting instruction's length
// for the vectors whose provokers are fixed-size instructions, and a
// 1-byte best effort otherwise.
func instrLength(vector irq.ExceptionNum) uintptr {
	switch vector {
	case irq.InvalidOpcode: // UD2
		return 2
	case irq.Breakpoint: // INT3
		return 1
	default:
		return 1
	}
}

// catchFault is the override handler for vectors without an error code.
func catchFault(frame *irq.Frame, regs *irq.Regs) {
	recordFault(frame)
}

// catchFaultWithCode is the override handler for vectors with an error
// code.
func catchFaultWithCode(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	recordFault(frame)
}

// recordFault notes the observed vector and rewrites the frame's RIP: to
// the test's resume label when one was set, past the faulting instruction
// otherwise. The CPU picks the new RIP up on iret, which is what lets a
// fault-provoking test run to completion on the same CPU it just
// faulted.
func recordFault(frame *irq.Frame) {
	cur.faulted = true
	cur.observed = frame.Vector
	cur.lastFrame = frame
	cur.faultRIP = uintptr(frame.RIP)

	if cur.resumeRIP != 0 {
		frame.RIP = uint64(cur.resumeRIP)
		return
	}
	frame.RIP += uint64(instrLength(frame.Vector))
}

// End classifies the outcome of the running test and folds it into the
// aggregate statistics.
func End() Outcome {
	out := classify()

	stats.Run++
	if out.Passed() {
		stats.Passed++
	} else {
		stats.Failed++
	}
	if cur.faulted {
		stats.FaultsCaught++
	}

	if verbose || !out.Passed() {
		early.Printf("itest: %s: %s\n", cur.name, out.String())
	}

	cur = testContext{}
	return out
}

func classify() Outcome {
	switch {
	case cur.expected == VectorNone && !cur.faulted:
		return OutcomePassed
	case cur.expected == VectorNone && cur.faulted:
		return OutcomeFailUnexpected
	case !cur.faulted:
		return OutcomeFailMissing
	case cur.observed == cur.expected:
		return OutcomeExceptionCaught
	default:
		return OutcomeFailWrongVector
	}
}
