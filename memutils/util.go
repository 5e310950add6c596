package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// WholeSize is VK_WHOLE_SIZE: a map, flush or invalidate of this size reaches the end of the memory
// object
const WholeSize = -1

func CheckPow2[T constraints.Integer](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp[T constraints.Integer](value T, alignment T) T {
	if alignment <= 1 {
		return value
	}
	return (value + alignment - 1) & ^(alignment - 1)
}

func AlignDown[T constraints.Integer](value T, alignment T) T {
	if alignment <= 1 {
		return value
	}
	return value & ^(alignment - 1)
}

// MiB is a convenience for writing sizes in configuration and tests
const MiB = 1024 * 1024
