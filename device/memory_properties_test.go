package device_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/stockpile/device"
	"github.com/vkngwrapper/stockpile/device/devicetest"
	"github.com/vkngwrapper/stockpile/device/mocks"
	"github.com/vkngwrapper/stockpile/memutils"
	"go.uber.org/mock/gomock"
)

func newProperties(t *testing.T, opts devicetest.Options) *device.MemoryProperties {
	props, err := device.NewMemoryProperties(devicetest.New(opts))
	require.NoError(t, err)
	return props
}

func TestFindMemoryTypeIndex_RequiredFlags(t *testing.T) {
	props := newProperties(t, devicetest.DefaultOptions())

	index, err := props.FindMemoryTypeIndex(0xffffffff, core1_0.MemoryPropertyHostVisible, 0, 0)
	require.NoError(t, err)
	require.Equal(t, devicetest.MemoryTypeHostCoherent, index)

	index, err = props.FindMemoryTypeIndex(0xffffffff, core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCached, 0, 0)
	require.NoError(t, err)
	require.Equal(t, devicetest.MemoryTypeHostCached, index)
}

func TestFindMemoryTypeIndex_PreferredFlags(t *testing.T) {
	props := newProperties(t, devicetest.DefaultOptions())

	index, err := props.FindMemoryTypeIndex(0xffffffff, core1_0.MemoryPropertyHostVisible, core1_0.MemoryPropertyHostCached, 0)
	require.NoError(t, err)
	require.Equal(t, devicetest.MemoryTypeHostCached, index)

	index, err = props.FindMemoryTypeIndex(0xffffffff, 0, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)
	require.Equal(t, devicetest.MemoryTypeDeviceLocal, index)

	index, err = props.FindMemoryTypeIndex(0xffffffff, core1_0.MemoryPropertyHostVisible, 0, core1_0.MemoryPropertyHostCoherent)
	require.NoError(t, err)
	require.Equal(t, devicetest.MemoryTypeHostCached, index)
}

func TestFindMemoryTypeIndex_TypeBits(t *testing.T) {
	props := newProperties(t, devicetest.DefaultOptions())

	index, err := props.FindMemoryTypeIndex(1<<devicetest.MemoryTypeHostCached, 0, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)
	require.Equal(t, devicetest.MemoryTypeHostCached, index)
}

func TestFindMemoryTypeIndex_NoMatch(t *testing.T) {
	props := newProperties(t, devicetest.DefaultOptions())

	_, err := props.FindMemoryTypeIndex(1<<devicetest.MemoryTypeDeviceLocal, core1_0.MemoryPropertyHostVisible, 0, 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, device.ErrNoMemoryType))
}

func TestNewMemoryProperties_RejectsBadLimits(t *testing.T) {
	opts := devicetest.DefaultOptions()
	opts.Limits.NonCoherentAtomSize = 48

	_, err := device.NewMemoryProperties(devicetest.New(opts))
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
}

func TestNewMemoryProperties_MockDevice(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	opts := devicetest.DefaultOptions()
	mockDevice := mocks.NewMockDevice(ctrl)
	mockDevice.EXPECT().Properties().Return(&core1_0.PhysicalDeviceProperties{Limits: &opts.Limits})
	mockDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: opts.MemoryTypes,
		MemoryHeaps: opts.MemoryHeaps,
	})

	props, err := device.NewMemoryProperties(mockDevice)
	require.NoError(t, err)
	require.Equal(t, 3, props.MemoryTypeCount())
	require.Equal(t, 2, props.MemoryHeapCount())
	require.Equal(t, 64, props.NonCoherentAtomSize())
	require.True(t, props.IsMemoryTypeHostNonCoherent(devicetest.MemoryTypeHostCached))
	require.False(t, props.IsMemoryTypeHostNonCoherent(devicetest.MemoryTypeHostCoherent))
	require.False(t, props.IsMemoryTypeHostVisible(devicetest.MemoryTypeDeviceLocal))
}

func TestMemoryProperties_Counters(t *testing.T) {
	opts := devicetest.DefaultOptions()
	opts.Limits.MaxMemoryAllocationCount = 2
	props := newProperties(t, opts)

	require.NoError(t, props.ReserveDeviceAllocation(devicetest.MemoryTypeHostCoherent, 1024))
	require.NoError(t, props.ReserveDeviceAllocation(devicetest.MemoryTypeHostCached, 2048))
	require.Error(t, props.ReserveDeviceAllocation(devicetest.MemoryTypeDeviceLocal, 4096))
	require.Equal(t, 2, props.DeviceAllocationCount())

	props.AddAllocation(devicetest.MemoryTypeHostCoherent, 100)

	var stats memutils.Statistics
	props.HeapStatistics(1, &stats)
	require.Equal(t, memutils.Statistics{
		BlockCount:      2,
		AllocationCount: 1,
		BlockBytes:      3072,
		AllocationBytes: 100,
	}, stats)

	props.RemoveAllocation(devicetest.MemoryTypeHostCoherent, 100)
	props.ReleaseDeviceAllocation(devicetest.MemoryTypeHostCached, 2048)
	props.ReleaseDeviceAllocation(devicetest.MemoryTypeHostCoherent, 1024)

	props.HeapStatistics(1, &stats)
	require.Equal(t, memutils.Statistics{}, stats)
	require.Equal(t, 0, props.DeviceAllocationCount())
}

func TestMemoryCounters(t *testing.T) {
	var counters device.MemoryCounters
	counters.AddBuffer(256)
	counters.AddImage(4096)
	require.Equal(t, int64(4352), counters.UsedBytes())
	require.Equal(t, 1, counters.BufferCount())

	counters.RemoveBuffer(256)
	counters.RemoveImage(4096)
	require.Equal(t, int64(0), counters.UsedBytes())
	require.Equal(t, 0, counters.ImageCount())
}
