package cpu

const (
	// cpuidLeafMax is the highest basic CPUID leaf the processor reports.
	cpuidLeafMax = uint32(0x0)

	// cpuidLeafFrequency reports the processor base/max frequency in MHz
	// on CPUs that implement it.
	cpuidLeafFrequency = uint32(0x16)

	// fallbackTSCFrequency is assumed when the processor does not report
	// its base frequency via CPUID (common on older CPUs and most
	// hypervisors).
	fallbackTSCFrequency = uint64(3_000_000_000)
)

// cpuidFn is mocked by tests and is automatically inlined by the compiler.
var cpuidFn = ID

// TSCFrequency estimates the frequency the time-stamp counter advances at,
// in Hz. It consults the CPUID frequency leaf when available and falls back
// to 3 GHz otherwise; callers deriving wall-clock budgets from the TSC must
// treat the result as an estimate.
func TSCFrequency() uint64 {
	maxLeaf, _, _, _ := cpuidFn(cpuidLeafMax)
	if maxLeaf < cpuidLeafFrequency {
		return fallbackTSCFrequency
	}

	baseMHz, _, _, _ := cpuidFn(cpuidLeafFrequency)
	if baseMHz == 0 {
		return fallbackTSCFrequency
	}

	return uint64(baseMHz) * 1_000_000
}
