package device

import (
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/stockpile/memutils"
)

// ErrNoMemoryType is returned when no memory type satisfies the requested property flags
var ErrNoMemoryType = errors.New("no memory type satisfies the requested property flags")

// MemoryProperties caches the physical device's memory layout and keeps running per-heap counters of
// how much device memory has been handed out.
type MemoryProperties struct {
	// Number of real allocations that have been made from device memory
	blockCount [common.MaxMemoryHeaps]int32
	// Number of allocations handed to resources, pooled and dedicated
	allocationCount [common.MaxMemoryHeaps]int32
	blockBytes      [common.MaxMemoryHeaps]int64
	allocationBytes [common.MaxMemoryHeaps]int64

	memoryCount uint32

	deviceProperties *core1_0.PhysicalDeviceProperties
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
}

func NewMemoryProperties(device Device) (*MemoryProperties, error) {
	props := &MemoryProperties{
		deviceProperties: device.Properties(),
		memoryProperties: device.MemoryProperties(),
	}

	if props.deviceProperties == nil || props.deviceProperties.Limits == nil {
		return nil, errors.New("device did not report physical device limits")
	}
	if props.memoryProperties == nil || len(props.memoryProperties.MemoryTypes) == 0 {
		return nil, errors.New("device did not report any memory types")
	}

	err := memutils.CheckPow2(props.deviceProperties.Limits.BufferImageGranularity, "device bufferImageGranularity")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(props.deviceProperties.Limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	return props, nil
}

func (m *MemoryProperties) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *MemoryProperties) MemoryHeapCount() int {
	return len(m.memoryProperties.MemoryHeaps)
}

func (m *MemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memTypeIndex].HeapIndex
}

func (m *MemoryProperties) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

func (m *MemoryProperties) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return m.memoryProperties.MemoryHeaps[heapIndex]
}

func (m *MemoryProperties) DeviceProperties() *core1_0.PhysicalDeviceProperties {
	return m.deviceProperties
}

func (m *MemoryProperties) IsMemoryTypeHostVisible(memoryTypeIndex int) bool {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags&core1_0.MemoryPropertyHostVisible != 0
}

func (m *MemoryProperties) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

func (m *MemoryProperties) NonCoherentAtomSize() int {
	atomSize := m.deviceProperties.Limits.NonCoherentAtomSize
	if atomSize < 1 {
		return 1
	}
	return atomSize
}

func (m *MemoryProperties) BufferImageGranularity() int {
	granularity := m.deviceProperties.Limits.BufferImageGranularity
	if granularity < 1 {
		return 1
	}
	return granularity
}

// FindMemoryTypeIndex picks the memory type allowed by memoryTypeBits that has every required flag.
// Among those, the type missing the fewest preferred flags and carrying the fewest notPreferred flags
// wins.
func (m *MemoryProperties) FindMemoryTypeIndex(
	memoryTypeBits uint32,
	requiredFlags, preferredFlags, notPreferredFlags core1_0.MemoryPropertyFlags,
) (int, error) {
	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex := 0; memTypeIndex < m.MemoryTypeCount(); memTypeIndex++ {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			continue
		}

		flags := m.memoryProperties.MemoryTypes[memTypeIndex].PropertyFlags
		if requiredFlags&flags != requiredFlags {
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		presentNotPreferredFlags := notPreferredFlags & flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags)) + bits.OnesCount32(uint32(presentNotPreferredFlags))
		if cost == 0 {
			return memTypeIndex, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, errors.Wrapf(ErrNoMemoryType, "type bits %#x, required flags %v", memoryTypeBits, requiredFlags)
	}

	return bestMemoryTypeIndex, nil
}

// ReserveDeviceAllocation counts one more live VkDeviceMemory object against
// maxMemoryAllocationCount. It fails with VK_ERROR_TOO_MANY_OBJECTS when the limit is reached.
func (m *MemoryProperties) ReserveDeviceAllocation(memoryTypeIndex, size int) error {
	newCount := atomic.AddUint32(&m.memoryCount, 1)
	limit := m.deviceProperties.Limits.MaxMemoryAllocationCount
	if limit > 0 && int(newCount) > limit {
		atomic.AddUint32(&m.memoryCount, ^uint32(0))
		return core1_0.VKErrorTooManyObjects.ToError()
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	atomic.AddInt64(&m.blockBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.blockCount[heapIndex], 1)
	return nil
}

func (m *MemoryProperties) ReleaseDeviceAllocation(memoryTypeIndex, size int) {
	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

	newVal := atomic.AddInt64(&m.blockBytes[heapIndex], int64(-size))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count for heapIndex %d went negative", heapIndex))
	}

	atomic.AddUint32(&m.memoryCount, ^uint32(0))
}

func (m *MemoryProperties) AddAllocation(memoryTypeIndex int, size int) {
	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	atomic.AddInt64(&m.allocationBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.allocationCount[heapIndex], 1)
}

func (m *MemoryProperties) RemoveAllocation(memoryTypeIndex int, size int) {
	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

	newSizeVal := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.allocationCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count for heapIndex %d went negative", heapIndex))
	}
}

// DeviceAllocationCount is the number of live VkDeviceMemory objects
func (m *MemoryProperties) DeviceAllocationCount() int {
	return int(atomic.LoadUint32(&m.memoryCount))
}

// HeapStatistics fills stats with the counters of the heap at heapIndex
func (m *MemoryProperties) HeapStatistics(heapIndex int, stats *memutils.Statistics) {
	stats.BlockCount = int(atomic.LoadInt32(&m.blockCount[heapIndex]))
	stats.AllocationCount = int(atomic.LoadInt32(&m.allocationCount[heapIndex]))
	stats.BlockBytes = int(atomic.LoadInt64(&m.blockBytes[heapIndex]))
	stats.AllocationBytes = int(atomic.LoadInt64(&m.allocationBytes[heapIndex]))
}
