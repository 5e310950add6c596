package alloc

import (
	"context"
	"log/slog"
	"math"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/stockpile/device"
	"github.com/vkngwrapper/stockpile/memutils"
)

// Allocator hands out device memory for buffers and images. Requests no larger than the pooled
// allocation ceiling are carved from shared blocks; anything larger, or anything that asks for it,
// receives its own VkDeviceMemory.
type Allocator struct {
	logger     *slog.Logger
	device     device.Device
	memory     *device.MemoryProperties
	extensions device.Extensions
	useMutex   bool

	pooledAllocationCeiling int
	priority                float32

	blockLists     [common.MaxMemoryTypes]*memoryBlockList
	dedicatedLists [common.MaxMemoryTypes]dedicatedAllocationList
}

// New creates a new Allocator
//
// logger - Receives debug trace output and reports of leaked allocations
//
// dev - The device that memory will be allocated from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, dev device.Device, options CreateOptions) (*Allocator, error) {
	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	memory, err := device.NewMemoryProperties(dev)
	if err != nil {
		return nil, err
	}

	allocator := &Allocator{
		logger:     logger,
		device:     dev,
		memory:     memory,
		extensions: dev.Extensions(),
		useMutex:   useMutex,

		pooledAllocationCeiling: options.PooledAllocationCeiling,
		priority:                options.MemoryPriority,
	}

	if allocator.pooledAllocationCeiling <= 0 {
		allocator.pooledAllocationCeiling = DefaultPooledAllocationCeiling
	}
	if allocator.priority <= 0 {
		allocator.priority = defaultMemoryPriority
	}
	if allocator.priority > 1 {
		return nil, errors.Newf("memory priority must be in the range [0, 1], but was %f", options.MemoryPriority)
	}

	preferredLargeHeapBlockSize := options.PreferredBlockSize
	if preferredLargeHeapBlockSize <= 0 {
		preferredLargeHeapBlockSize = DefaultPreferredBlockSize
	}

	maxBlockCount := options.MaxBlocksPerType
	if maxBlockCount <= 0 {
		maxBlockCount = math.MaxInt
	}

	for typeIndex := 0; typeIndex < memory.MemoryTypeCount(); typeIndex++ {
		allocator.blockLists[typeIndex] = newMemoryBlockList(allocator, blockListOptions{
			useMutex:      useMutex,
			typeIndex:     typeIndex,
			blockSize:     allocator.calculatePreferredBlockSize(typeIndex, preferredLargeHeapBlockSize),
			maxBlockCount: maxBlockCount,
			priority:      allocator.priority,
		})
		allocator.dedicatedLists[typeIndex].Init(useMutex)
	}

	return allocator, nil
}

func (a *Allocator) calculatePreferredBlockSize(memTypeIndex int, preferredLargeHeapBlockSize int) int {
	heapIndex := a.memory.MemoryTypeIndexToHeapIndex(memTypeIndex)

	heapSize := a.memory.MemoryHeapProperties(heapIndex).Size
	rawSize := preferredLargeHeapBlockSize
	if heapSize <= smallHeapMaxSize {
		rawSize = heapSize / 8
	}

	return memutils.AlignUp(rawSize, 32)
}

// MemoryProperties exposes the device memory layout and the per-heap counters this allocator keeps
func (a *Allocator) MemoryProperties() *device.MemoryProperties {
	return a.memory
}

func (a *Allocator) PooledAllocationCeiling() int {
	return a.pooledAllocationCeiling
}

// ChooseStrategy is the routing rule used for every allocation that does not ask for dedicated
// memory explicitly
func (a *Allocator) ChooseStrategy(size int) Strategy {
	if size <= a.pooledAllocationCeiling {
		return StrategyPooled
	}
	return StrategyDedicated
}

// AllocateForBuffer allocates memory that satisfies the buffer's requirements and binds the buffer to it
func (a *Allocator) AllocateForBuffer(name string, buffer core1_0.Buffer, info AllocationCreateInfo) (*Allocation, error) {
	a.logger.Debug("Allocator::AllocateForBuffer")

	requirements := a.device.BufferMemoryRequirements(buffer)
	allocation, err := a.allocate(name, requirements, info, khr_dedicated_allocation.MemoryDedicatedAllocateInfo{Buffer: buffer})
	if err != nil {
		return nil, err
	}

	err = a.device.BindBufferMemory(buffer, allocation.Memory(), allocation.Offset())
	if err != nil {
		return nil, a.unwindFailedBind(name, allocation, err)
	}

	return allocation, nil
}

// AllocateForImage allocates memory that satisfies the image's requirements and binds the image to it
func (a *Allocator) AllocateForImage(name string, image core1_0.Image, info AllocationCreateInfo) (*Allocation, error) {
	a.logger.Debug("Allocator::AllocateForImage")

	requirements := a.device.ImageMemoryRequirements(image)
	allocation, err := a.allocate(name, requirements, info, khr_dedicated_allocation.MemoryDedicatedAllocateInfo{Image: image})
	if err != nil {
		return nil, err
	}

	err = a.device.BindImageMemory(image, allocation.Memory(), allocation.Offset())
	if err != nil {
		return nil, a.unwindFailedBind(name, allocation, err)
	}

	return allocation, nil
}

func (a *Allocator) unwindFailedBind(name string, allocation *Allocation, bindErr error) error {
	freeErr := a.free(allocation)
	if freeErr != nil {
		bindErr = errors.WithSecondaryError(bindErr, freeErr)
	}
	return memutils.NewFatalResourceError("bind memory for "+strconv.Quote(name), bindErr)
}

func (a *Allocator) allocate(
	name string,
	requirements core1_0.MemoryRequirements,
	info AllocationCreateInfo,
	dedicatedInfo khr_dedicated_allocation.MemoryDedicatedAllocateInfo,
) (*Allocation, error) {
	if requirements.Size <= 0 {
		return nil, memutils.ValidationErrorf("resource %q reported a memory requirement of %d bytes", name, requirements.Size)
	}

	memoryTypeIndex, err := a.memory.FindMemoryTypeIndex(
		requirements.MemoryTypeBits,
		info.RequiredFlags,
		info.PreferredFlags,
		info.NotPreferredFlags,
	)
	if err != nil {
		return nil, memutils.NewFatalResourceError("allocate memory for "+strconv.Quote(name), err)
	}

	alignment := max(requirements.Alignment, 1)
	if a.memory.IsMemoryTypeHostNonCoherent(memoryTypeIndex) {
		alignment = max(alignment, a.memory.NonCoherentAtomSize())
	}

	strategy := a.ChooseStrategy(requirements.Size)
	if info.Dedicated {
		strategy = StrategyDedicated
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Allocating",
		slog.String("name", name),
		slog.Int("size", requirements.Size),
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.String("strategy", strategy.String()),
	)

	allocation := &Allocation{
		name:      name,
		allocator: a,
	}

	if strategy == StrategyPooled {
		// Buffers and images may share a block, so keep neighbours on separate granularity pages
		alignment = max(alignment, a.memory.BufferImageGranularity())

		err = a.blockLists[memoryTypeIndex].Allocate(requirements.Size, alignment, info.Placement, allocation)
		if err != nil {
			return nil, memutils.NewFatalResourceError("allocate pooled memory for "+strconv.Quote(name), err)
		}
	} else {
		err = a.allocateDedicated(memoryTypeIndex, requirements.Size, dedicatedInfo, allocation)
		if err != nil {
			return nil, memutils.NewFatalResourceError("allocate dedicated memory for "+strconv.Quote(name), err)
		}
	}

	a.memory.AddAllocation(memoryTypeIndex, allocation.size)
	return allocation, nil
}

func (a *Allocator) allocateDedicated(
	memoryTypeIndex int,
	size int,
	dedicatedInfo khr_dedicated_allocation.MemoryDedicatedAllocateInfo,
	outAlloc *Allocation,
) error {
	allocInfo := core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: memoryTypeIndex,
		AllocationSize:  size,
	}

	switch {
	case a.extensions.DedicatedAllocation && a.extensions.MemoryPriority:
		dedicatedInfo.Next = device.MemoryPriorityAllocateInfo{Priority: a.priority}
		allocInfo.Next = dedicatedInfo
	case a.extensions.DedicatedAllocation:
		allocInfo.Next = dedicatedInfo
	case a.extensions.MemoryPriority:
		allocInfo.Next = device.MemoryPriorityAllocateInfo{Priority: a.priority}
	}

	memory, err := a.allocateDeviceMemory(allocInfo)
	if err != nil {
		return err
	}

	outAlloc.initDedicatedAllocation(memoryTypeIndex, memory, size)
	a.dedicatedLists[memoryTypeIndex].Register(outAlloc)
	return nil
}

// allocateDeviceMemory creates a VkDeviceMemory after checking it against maxMemoryAllocationCount
func (a *Allocator) allocateDeviceMemory(allocInfo core1_0.MemoryAllocateInfo) (*deviceMemory, error) {
	err := a.memory.ReserveDeviceAllocation(allocInfo.MemoryTypeIndex, allocInfo.AllocationSize)
	if err != nil {
		return nil, err
	}

	memory, err := a.device.AllocateMemory(allocInfo)
	if err != nil {
		a.memory.ReleaseDeviceAllocation(allocInfo.MemoryTypeIndex, allocInfo.AllocationSize)
		return nil, err
	}

	return newDeviceMemory(a.device, memory, a.useMutex), nil
}

func (a *Allocator) freeDeviceMemory(memoryTypeIndex int, size int, memory *deviceMemory) {
	memory.Free()
	a.memory.ReleaseDeviceAllocation(memoryTypeIndex, size)
}

func (a *Allocator) free(allocation *Allocation) error {
	switch allocation.strategy {
	case StrategyPooled:
		err := allocation.blockData.list.Free(allocation)
		if err != nil {
			return err
		}
	case StrategyDedicated:
		a.dedicatedLists[allocation.memoryTypeIndex].Unregister(allocation)
		a.freeDeviceMemory(allocation.memoryTypeIndex, allocation.size, allocation.memory)
	default:
		return errors.Newf("attempted to free an allocation with invalid strategy %d", allocation.strategy)
	}

	a.memory.RemoveAllocation(allocation.memoryTypeIndex, allocation.size)
	allocation.freed = true
	allocation.memory = nil
	return nil
}

// Statistics sums the counters of every heap
func (a *Allocator) Statistics() memutils.Statistics {
	var total memutils.Statistics
	for heapIndex := 0; heapIndex < a.memory.MemoryHeapCount(); heapIndex++ {
		var heapStats memutils.Statistics
		a.memory.HeapStatistics(heapIndex, &heapStats)
		total.AddStatistics(&heapStats)
	}

	return total
}

// DetailedStatistics walks every block and dedicated allocation of the given memory type
func (a *Allocator) DetailedStatistics(memoryTypeIndex int) memutils.DetailedStatistics {
	var stats memutils.DetailedStatistics
	stats.Clear()

	if memoryTypeIndex < 0 || memoryTypeIndex >= a.memory.MemoryTypeCount() {
		return stats
	}

	a.blockLists[memoryTypeIndex].AddDetailedStatistics(&stats)
	a.dedicatedLists[memoryTypeIndex].AddDetailedStatistics(&stats)
	return stats
}

// BuildStatsString produces a JSON document describing every heap, memory type, block and allocation
// owned by this allocator
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	totalStats := a.Statistics()
	totalObj := rootObj.Name("Total").Object()
	totalStats.PrintJson(totalObj)
	totalObj.End()

	heapsObj := rootObj.Name("MemoryHeaps").Object()
	for heapIndex := 0; heapIndex < a.memory.MemoryHeapCount(); heapIndex++ {
		heap := a.memory.MemoryHeapProperties(heapIndex)
		heapObj := heapsObj.Name("Heap " + strconv.Itoa(heapIndex)).Object()

		heapObj.Name("Size").Int(heap.Size)
		heapObj.Name("Flags").String(heap.Flags.String())

		var heapStats memutils.Statistics
		a.memory.HeapStatistics(heapIndex, &heapStats)
		statsObj := heapObj.Name("Stats").Object()
		heapStats.PrintJson(statsObj)
		statsObj.End()

		typesObj := heapObj.Name("MemoryTypes").Object()
		for typeIndex := 0; typeIndex < a.memory.MemoryTypeCount(); typeIndex++ {
			if a.memory.MemoryTypeIndexToHeapIndex(typeIndex) != heapIndex {
				continue
			}

			typeObj := typesObj.Name("Type " + strconv.Itoa(typeIndex)).Object()
			typeObj.Name("Flags").String(a.memory.MemoryTypeProperties(typeIndex).PropertyFlags.String())

			typeStats := a.DetailedStatistics(typeIndex)
			typeStatsObj := typeObj.Name("Stats").Object()
			typeStats.PrintJson(typeStatsObj)
			typeStatsObj.End()

			if detailedMap {
				poolObj := typeObj.Name("DefaultPool").Object()
				poolObj.Name("PreferredBlockSize").Int(a.blockLists[typeIndex].PreferredBlockSize())
				a.blockLists[typeIndex].PrintDetailedMap(poolObj)
				poolObj.End()

				a.dedicatedLists[typeIndex].BuildStatsString(typeObj)
			}

			typeObj.End()
		}
		typesObj.End()

		heapObj.End()
	}
	heapsObj.End()

	rootObj.End()

	return string(writer.Bytes())
}

// Destroy frees every block owned by the allocator. Allocations that were never freed are logged and
// cause Destroy to fail; their memory is left in place.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	var err error
	for typeIndex := 0; typeIndex < a.memory.MemoryTypeCount(); typeIndex++ {
		a.dedicatedLists[typeIndex].visit(func(alloc *Allocation) {
			logUnreleasedMemory(a.logger, alloc, 0)
		})
		if !a.dedicatedLists[typeIndex].IsEmpty() {
			err = errors.CombineErrors(err, errors.Newf("memory type %d still has dedicated allocations that were not freed", typeIndex))
		}

		blockErr := a.blockLists[typeIndex].Destroy()
		if blockErr != nil {
			err = errors.CombineErrors(err, blockErr)
		}
	}

	return err
}
