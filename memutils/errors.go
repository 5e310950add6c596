package memutils

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
	PowerOfTwoError error = errors.New("number must be a power of two")

	// ErrFatal marks every error that the resource layer considers unrecoverable. Callers test for it
	// with errors.Is and decide whether to abort.
	ErrFatal = errors.New("fatal resource error")

	// ErrValidation marks violated preconditions, such as copying into a buffer that was never mapped
	ErrValidation = errors.New("resource validation failed")
)

// FatalResourceError is returned by the allocator and by buffer and image resources when an operation
// failed in a way that cannot be retried. Op names the operation that failed.
type FatalResourceError struct {
	Op    string
	cause error
}

// NewFatalResourceError wraps cause in a FatalResourceError. The result satisfies both
// errors.Is(err, ErrFatal) and errors.Is(err, cause).
func NewFatalResourceError(op string, cause error) error {
	return &FatalResourceError{
		Op:    op,
		cause: errors.Mark(cause, ErrFatal),
	}
}

func (e *FatalResourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.cause)
}

func (e *FatalResourceError) Unwrap() error {
	return e.cause
}

// ValidationErrorf builds an error marked with ErrValidation
func ValidationErrorf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}
