package alloc_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/stockpile/alloc"
	"github.com/vkngwrapper/stockpile/device"
	"github.com/vkngwrapper/stockpile/device/devicetest"
	"github.com/vkngwrapper/stockpile/memutils"
)

var (
	deviceLocal = alloc.AllocationCreateInfo{RequiredFlags: core1_0.MemoryPropertyDeviceLocal}
	hostCached  = alloc.AllocationCreateInfo{RequiredFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCached}
	hostVisible = alloc.AllocationCreateInfo{
		RequiredFlags:  core1_0.MemoryPropertyHostVisible,
		PreferredFlags: core1_0.MemoryPropertyHostCoherent,
	}
)

func readyAllocator(t *testing.T, deviceOptions devicetest.Options, options alloc.CreateOptions) (*devicetest.Device, *alloc.Allocator) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	dev := devicetest.New(deviceOptions)

	allocator, err := alloc.New(logger, dev, options)
	require.NoError(t, err)

	return dev, allocator
}

func createBuffer(t *testing.T, dev *devicetest.Device, size int) *devicetest.Buffer {
	buffer, err := dev.CreateBuffer(core1_0.BufferCreateInfo{
		Size:  size,
		Usage: core1_0.BufferUsageTransferSrc,
	})
	require.NoError(t, err)
	return buffer.(*devicetest.Buffer)
}

func TestAllocator_ChooseStrategy(t *testing.T) {
	_, allocator := readyAllocator(t, devicetest.DefaultOptions(), alloc.CreateOptions{})

	require.Equal(t, alloc.DefaultPooledAllocationCeiling, allocator.PooledAllocationCeiling())
	for _, size := range []int{1, 4096, alloc.DefaultPooledAllocationCeiling} {
		require.Equal(t, alloc.StrategyPooled, allocator.ChooseStrategy(size), "size %d", size)
	}
	for _, size := range []int{alloc.DefaultPooledAllocationCeiling + 1, 512 * memutils.MiB} {
		require.Equal(t, alloc.StrategyDedicated, allocator.ChooseStrategy(size), "size %d", size)
	}
}

func TestAllocator_RoutesBySize(t *testing.T) {
	dev, allocator := readyAllocator(t, devicetest.DefaultOptions(), alloc.CreateOptions{
		PooledAllocationCeiling: memutils.MiB,
	})

	small := createBuffer(t, dev, memutils.MiB)
	smallAlloc, err := allocator.AllocateForBuffer("small", small, deviceLocal)
	require.NoError(t, err)
	require.Equal(t, alloc.StrategyPooled, smallAlloc.Strategy())
	require.Equal(t, devicetest.MemoryTypeDeviceLocal, smallAlloc.MemoryTypeIndex())

	// The device-local heap is a gigabyte, so blocks start at 128MiB and halve three times for a
	// small request
	require.Len(t, dev.AllocateInfos, 1)
	require.Equal(t, 16*memutils.MiB, dev.AllocateInfos[0].AllocationSize)
	require.Nil(t, dev.AllocateInfos[0].Next)
	require.Same(t, small.Memory, smallAlloc.Memory())
	require.Equal(t, 0, small.Offset)

	large := createBuffer(t, dev, memutils.MiB+1)
	largeAlloc, err := allocator.AllocateForBuffer("large", large, deviceLocal)
	require.NoError(t, err)
	require.Equal(t, alloc.StrategyDedicated, largeAlloc.Strategy())
	require.Equal(t, 0, largeAlloc.Offset())

	require.Len(t, dev.AllocateInfos, 2)
	require.Equal(t, memutils.MiB+256, dev.AllocateInfos[1].AllocationSize)
	require.Equal(t, khr_dedicated_allocation.MemoryDedicatedAllocateInfo{Buffer: large}, dev.AllocateInfos[1].Next)

	stats := allocator.Statistics()
	require.Equal(t, 2, stats.BlockCount)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 2*memutils.MiB+256, stats.AllocationBytes)

	require.NoError(t, smallAlloc.Free())
	require.NoError(t, largeAlloc.Free())
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, dev.LiveAllocations())
}

func TestAllocator_DedicatedRequestChainsPriority(t *testing.T) {
	options := devicetest.DefaultOptions()
	options.Extensions = device.Extensions{DedicatedAllocation: true, MemoryPriority: true}
	dev, allocator := readyAllocator(t, options, alloc.CreateOptions{})

	buffer := createBuffer(t, dev, 1024)
	allocation, err := allocator.AllocateForBuffer("forced", buffer, alloc.AllocationCreateInfo{
		RequiredFlags: core1_0.MemoryPropertyDeviceLocal,
		Dedicated:     true,
	})
	require.NoError(t, err)
	require.Equal(t, alloc.StrategyDedicated, allocation.Strategy())

	require.Len(t, dev.AllocateInfos, 1)
	require.Equal(t, khr_dedicated_allocation.MemoryDedicatedAllocateInfo{
		Buffer: buffer,
		NextOptions: common.NextOptions{
			Next: device.MemoryPriorityAllocateInfo{Priority: 0.5},
		},
	}, dev.AllocateInfos[0].Next)

	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestAllocator_PooledBlocksChainPriority(t *testing.T) {
	options := devicetest.DefaultOptions()
	options.Extensions = device.Extensions{MemoryPriority: true}
	dev, allocator := readyAllocator(t, options, alloc.CreateOptions{MemoryPriority: 0.75})

	buffer := createBuffer(t, dev, 1024)
	allocation, err := allocator.AllocateForBuffer("pooled", buffer, deviceLocal)
	require.NoError(t, err)

	require.Len(t, dev.AllocateInfos, 1)
	require.Equal(t, device.MemoryPriorityAllocateInfo{Priority: 0.75}, dev.AllocateInfos[0].Next)

	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestAllocator_NoMemoryType(t *testing.T) {
	dev, allocator := readyAllocator(t, devicetest.DefaultOptions(), alloc.CreateOptions{})

	buffer := createBuffer(t, dev, 1024)
	_, err := allocator.AllocateForBuffer("lazy", buffer, alloc.AllocationCreateInfo{
		RequiredFlags: core1_0.MemoryPropertyLazilyAllocated,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrFatal))
	require.True(t, errors.Is(err, device.ErrNoMemoryType))

	var fatal *memutils.FatalResourceError
	require.True(t, errors.As(err, &fatal))
	require.Empty(t, dev.AllocateInfos)
}

func TestAllocator_PoolExhausted(t *testing.T) {
	dev, allocator := readyAllocator(t, devicetest.DefaultOptions(), alloc.CreateOptions{MaxBlocksPerType: 1})

	var allocations []*alloc.Allocation
	for i := 0; i < 3; i++ {
		allocation, err := allocator.AllocateForBuffer("chunk", createBuffer(t, dev, 40*memutils.MiB), deviceLocal)
		require.NoError(t, err)
		allocations = append(allocations, allocation)
	}
	require.Equal(t, 1, dev.LiveAllocations())

	_, err := allocator.AllocateForBuffer("overflow", createBuffer(t, dev, 40*memutils.MiB), deviceLocal)
	require.Error(t, err)
	require.True(t, errors.Is(err, alloc.ErrPoolExhausted))
	require.True(t, errors.Is(err, memutils.ErrFatal))

	for _, allocation := range allocations {
		require.NoError(t, allocation.Free())
	}
	require.NoError(t, allocator.Destroy())
}

func TestAllocator_DriverFailureReleasesCounters(t *testing.T) {
	dev, allocator := readyAllocator(t, devicetest.DefaultOptions(), alloc.CreateOptions{})
	dev.FailAllocations = 1

	_, err := allocator.AllocateForBuffer("unlucky", createBuffer(t, dev, memutils.MiB), deviceLocal)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrFatal))
	require.Equal(t, 0, allocator.MemoryProperties().DeviceAllocationCount())
	require.Equal(t, 0, allocator.Statistics().BlockCount)

	allocation, err := allocator.AllocateForBuffer("lucky", createBuffer(t, dev, memutils.MiB), deviceLocal)
	require.NoError(t, err)
	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestAllocator_MaxMemoryAllocationCount(t *testing.T) {
	options := devicetest.DefaultOptions()
	options.Limits.MaxMemoryAllocationCount = 1
	dev, allocator := readyAllocator(t, options, alloc.CreateOptions{})

	forced := alloc.AllocationCreateInfo{RequiredFlags: core1_0.MemoryPropertyDeviceLocal, Dedicated: true}
	first, err := allocator.AllocateForBuffer("first", createBuffer(t, dev, 1024), forced)
	require.NoError(t, err)

	_, err = allocator.AllocateForBuffer("second", createBuffer(t, dev, 1024), forced)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrFatal))
	require.Len(t, dev.AllocateInfos, 1)

	require.NoError(t, first.Free())
	require.NoError(t, allocator.Destroy())
}

func TestAllocator_BindFailureFreesMemory(t *testing.T) {
	dev, allocator := readyAllocator(t, devicetest.DefaultOptions(), alloc.CreateOptions{})

	buffer := createBuffer(t, dev, 1024)
	allocation, err := allocator.AllocateForBuffer("bound", buffer, deviceLocal)
	require.NoError(t, err)

	_, err = allocator.AllocateForBuffer("rebound", buffer, deviceLocal)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrFatal))
	require.Equal(t, 1, allocator.Statistics().AllocationCount)

	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestAllocation_MapSharesBlockMapping(t *testing.T) {
	dev, allocator := readyAllocator(t, devicetest.DefaultOptions(), alloc.CreateOptions{})

	first, err := allocator.AllocateForBuffer("first", createBuffer(t, dev, 100), hostVisible)
	require.NoError(t, err)
	require.Equal(t, devicetest.MemoryTypeHostCoherent, first.MemoryTypeIndex())

	secondBuffer := createBuffer(t, dev, 100)
	second, err := allocator.AllocateForBuffer("second", secondBuffer, hostVisible)
	require.NoError(t, err)
	require.Equal(t, 256, second.Offset())
	require.Same(t, first.Memory(), second.Memory())

	_, err = first.Map()
	require.NoError(t, err)
	ptr, err := second.Map()
	require.NoError(t, err)
	require.Equal(t, 1, second.MapCount())

	data := unsafe.Slice((*byte)(ptr), 100)
	data[0] = 7
	data[99] = 9
	require.Equal(t, byte(7), secondBuffer.Memory.Bytes()[256])
	require.Equal(t, byte(9), secondBuffer.Memory.Bytes()[355])

	// Coherent memory never needs flushing
	require.NoError(t, second.Flush(0, -1))
	require.Empty(t, dev.Flushes)

	require.NoError(t, first.Unmap())
	require.True(t, secondBuffer.Memory.Mapped)
	require.NoError(t, second.Unmap())
	require.False(t, secondBuffer.Memory.Mapped)

	err = second.Unmap()
	require.True(t, errors.Is(err, memutils.ErrValidation))

	require.NoError(t, first.Free())
	require.NoError(t, second.Free())
	require.NoError(t, allocator.Destroy())
}

func TestAllocation_FlushNonCoherent(t *testing.T) {
	dev, allocator := readyAllocator(t, devicetest.DefaultOptions(), alloc.CreateOptions{})

	first, err := allocator.AllocateForBuffer("first", createBuffer(t, dev, 100), hostCached)
	require.NoError(t, err)
	second, err := allocator.AllocateForBuffer("second", createBuffer(t, dev, 100), hostCached)
	require.NoError(t, err)
	require.Equal(t, devicetest.MemoryTypeHostCached, second.MemoryTypeIndex())

	require.NoError(t, second.Flush(0, -1))
	require.NoError(t, second.Flush(10, 20))
	require.NoError(t, second.Invalidate(100, 64))

	require.Equal(t, []core1_0.MappedMemoryRange{
		{Memory: second.Memory(), Offset: 256, Size: 256},
		{Memory: second.Memory(), Offset: 256, Size: 64},
	}, dev.Flushes)
	require.Equal(t, []core1_0.MappedMemoryRange{
		{Memory: second.Memory(), Offset: 320, Size: 128},
	}, dev.Invalidates)

	err = second.Flush(200, 100)
	require.True(t, errors.Is(err, memutils.ErrValidation))

	require.NoError(t, first.Free())
	require.NoError(t, second.Free())
	require.NoError(t, allocator.Destroy())
}

func TestAllocation_MapRequiresHostVisible(t *testing.T) {
	dev, allocator := readyAllocator(t, devicetest.DefaultOptions(), alloc.CreateOptions{})

	allocation, err := allocator.AllocateForBuffer("gpu", createBuffer(t, dev, 100), deviceLocal)
	require.NoError(t, err)
	require.False(t, allocation.IsHostVisible())

	_, err = allocation.Map()
	require.True(t, errors.Is(err, memutils.ErrValidation))

	require.NoError(t, allocation.Free())
	err = allocation.Free()
	require.True(t, errors.Is(err, memutils.ErrValidation))
	require.NoError(t, allocator.Destroy())
}

func TestAllocation_FreeWhileMapped(t *testing.T) {
	dev, allocator := readyAllocator(t, devicetest.DefaultOptions(), alloc.CreateOptions{})

	allocation, err := allocator.AllocateForBuffer("mapped", createBuffer(t, dev, 100), hostVisible)
	require.NoError(t, err)
	_, err = allocation.Map()
	require.NoError(t, err)

	err = allocation.Free()
	require.True(t, errors.Is(err, memutils.ErrValidation))

	require.NoError(t, allocation.Unmap())
	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestAllocator_KeepsOneEmptyBlock(t *testing.T) {
	dev, allocator := readyAllocator(t, devicetest.DefaultOptions(), alloc.CreateOptions{})

	allocation, err := allocator.AllocateForBuffer("only", createBuffer(t, dev, 1024), deviceLocal)
	require.NoError(t, err)
	require.NoError(t, allocation.Free())

	require.Equal(t, 1, dev.LiveAllocations())
	stats := allocator.Statistics()
	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 0, stats.AllocationCount)

	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, dev.LiveAllocations())
}

func TestAllocator_DestroyReportsLeaks(t *testing.T) {
	dev, allocator := readyAllocator(t, devicetest.DefaultOptions(), alloc.CreateOptions{PooledAllocationCeiling: 4096})

	_, err := allocator.AllocateForBuffer("pooled leak", createBuffer(t, dev, 1024), deviceLocal)
	require.NoError(t, err)
	_, err = allocator.AllocateForBuffer("dedicated leak", createBuffer(t, dev, 8192), deviceLocal)
	require.NoError(t, err)

	require.Error(t, allocator.Destroy())
	require.Equal(t, 2, dev.LiveAllocations())
}

func TestAllocator_BuildStatsString(t *testing.T) {
	dev, allocator := readyAllocator(t, devicetest.DefaultOptions(), alloc.CreateOptions{PooledAllocationCeiling: 4096})

	pooled, err := allocator.AllocateForBuffer("vertex data", createBuffer(t, dev, 1024), deviceLocal)
	require.NoError(t, err)
	dedicated, err := allocator.AllocateForBuffer("big texture", createBuffer(t, dev, 8192), deviceLocal)
	require.NoError(t, err)

	stats := allocator.BuildStatsString(true)
	require.True(t, json.Valid([]byte(stats)), stats)
	require.Contains(t, stats, `"vertex data"`)
	require.Contains(t, stats, `"big texture"`)
	require.Contains(t, stats, `"DedicatedAllocations"`)
	require.Contains(t, stats, `"Suballocations"`)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(stats), &parsed))
	total := parsed["Total"].(map[string]any)
	require.Equal(t, float64(2), total["AllocationCount"])

	require.NoError(t, pooled.Free())
	require.NoError(t, dedicated.Free())
	require.NoError(t, allocator.Destroy())
}
