package resource_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/stockpile/alloc"
	"github.com/vkngwrapper/stockpile/device/devicetest"
	"github.com/vkngwrapper/stockpile/resource"
)

func readyContext(t *testing.T) (*devicetest.Device, *resource.Context) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	dev := devicetest.New(devicetest.DefaultOptions())

	allocator, err := alloc.New(logger, dev, alloc.CreateOptions{})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, allocator.Destroy())
	})

	return dev, resource.NewContext(logger, dev, allocator)
}
