// Package kernel contains the types and helpers shared by every kernel
// subsystem.
package kernel

// Error describes a kernel error. Kernel errors are always declared as global
// variables pointing to an Error value so that reporting them never requires
// the Go allocator.
type Error struct {
	// The subsystem that raised the error.
	Module string

	// The error message.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
