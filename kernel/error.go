package kernel

// Error is the kernel's error value: the subsystem that failed plus a
// static description. Instances are always package-level variables
// handed around by pointer — much of the kernel runs below the Go
// allocator, so building error values dynamically (the errors.New way)
// is not an option.
type Error struct {
	// Module names the subsystem that raised the error.
	Module string

	// Message describes the failure.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
