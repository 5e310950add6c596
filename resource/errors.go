package resource

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/stockpile/memutils"
)

var (
	// ErrNotMapped is returned when host access is attempted on a buffer that has not been mapped
	ErrNotMapped = errors.New("buffer is not mapped")
	// ErrBufferMapped is returned when a buffer is released while a mapping is still outstanding
	ErrBufferMapped = errors.New("buffer is still mapped")
	// ErrUnsupportedLayout is returned when a transition involves a layout with no entry in the
	// access table
	ErrUnsupportedLayout = errors.New("unsupported image layout")
	// ErrSubresourceOutOfRange is returned when a subresource range reaches past the image's mip
	// levels or array layers
	ErrSubresourceOutOfRange = errors.New("subresource out of range")
	// ErrReleased is returned when a released buffer or image is used
	ErrReleased = errors.New("resource was released")
)

func validationError(sentinel error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(sentinel, format, args...), memutils.ErrValidation)
}
