package irq

// Init installs the interrupt descriptor table and enables exception
// dispatch. All gate entries route through dispatch/dispatchWithCode (for
// exception vectors) or dispatchIRQ (for remapped hardware interrupt
// vectors), which apply the active RoutingMode.
func Init() {
	installIDT()
	RemapPIC()
}

// installIDT populates the IDT with gate descriptors pointing at the
// generated per-vector entrypoints and loads it via LIDT. Entrypoints for
// vectors where the CPU pushes no error code push a synthetic zero so
// every frame reaching the dispatcher has the same layout. Implemented in
// assembly.
func installIDT()

// setGateIST updates the interrupt-stack-table index field of the gate
// descriptor for the given vector. A zero index restores the default
// behavior of staying on the interrupted stack. Implemented in assembly.
func setGateIST(vector uint8, istIndex uint8)

// setGateISTFn is mocked by tests and is automatically inlined by the
// compiler.
var setGateISTFn = setGateIST

// UseISTStack directs the CPU to switch to the interrupt-stack-table slot
// istIndex when delivering exceptionNum. The exception-stack manager calls
// this after mounting a guard-paged stack for the vector.
func UseISTStack(exceptionNum ExceptionNum, istIndex uint8) {
	setGateISTFn(uint8(exceptionNum), istIndex)
}
