package irq

// totalVectors covers the full IDT range; dispatch statistics are tracked
// for every vector, not just the exception range.
const totalVectors = 256

// DispatchStat records per-vector dispatch diagnostics: how many times the
// vector fired and the deepest handler-stack position observed, which the
// exception-stack sizing was validated against.
type DispatchStat struct {
	Count   uint64
	LastRSP uint64
	MinRSP  uint64
}

var dispatchStats [totalVectors]DispatchStat

// recordDispatch updates the diagnostic counters for vector. It runs on
// every dispatch, before any handler is selected.
func recordDispatch(vector uint8, rsp uint64) {
	stat := &dispatchStats[vector]
	stat.Count++
	stat.LastRSP = rsp
	if stat.MinRSP == 0 || rsp < stat.MinRSP {
		stat.MinRSP = rsp
	}
}

// VectorStats returns a snapshot of the dispatch diagnostics for vector.
func VectorStats(vector uint8) DispatchStat {
	return dispatchStats[vector]
}

// ResetStats clears all dispatch diagnostics; used by the fault-injection
// harness between suites.
func ResetStats() {
	for i := range dispatchStats {
		dispatchStats[i] = DispatchStat{}
	}
}
