//go:build !debug_stockpile

package memutils

// DebugChecks reports whether the debug_stockpile build tag is present
const DebugChecks = false

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_stockpile build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugAssert panics with the formatted message when condition is false. This method no-ops unless
// the debug_stockpile build tag is present.
func DebugAssert(condition bool, format string, args ...any) {
}
