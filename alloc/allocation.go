package alloc

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/stockpile/memutils"
)

type cacheOperation uint32

const (
	cacheOperationFlush cacheOperation = iota
	cacheOperationInvalidate
)

type blockData struct {
	handle regionHandle
	block  *memoryBlock
	list   *memoryBlockList
}

type dedicatedLinks struct {
	next *Allocation
	prev *Allocation
}

// Allocation is a range of device memory bound to exactly one buffer or image. Its Strategy is
// fixed at creation: pooled allocations share a block with others, dedicated allocations own their
// VkDeviceMemory outright.
type Allocation struct {
	name            string
	strategy        Strategy
	alignment       int
	size            int
	memoryTypeIndex int
	mapCount        int
	freed           bool

	memory    *deviceMemory
	allocator *Allocator

	blockData blockData
	links     dedicatedLinks
}

func (a *Allocation) initBlockAllocation(list *memoryBlockList, block *memoryBlock, handle regionHandle, alignment, size int) {
	if a.strategy != 0 {
		panic("attempting to init an allocation that has already been initialized")
	}
	a.strategy = StrategyPooled
	a.alignment = alignment
	a.size = size
	a.memoryTypeIndex = list.opts.typeIndex
	a.memory = block.memory
	a.blockData = blockData{handle: handle, block: block, list: list}
}

func (a *Allocation) initDedicatedAllocation(memoryTypeIndex int, memory *deviceMemory, size int) {
	if a.strategy != 0 {
		panic("attempting to init an allocation that has already been initialized")
	}
	a.strategy = StrategyDedicated
	a.alignment = 1
	a.size = size
	a.memoryTypeIndex = memoryTypeIndex
	a.memory = memory
}

func (a *Allocation) Name() string         { return a.name }
func (a *Allocation) Strategy() Strategy   { return a.strategy }
func (a *Allocation) Size() int            { return a.size }
func (a *Allocation) Alignment() int       { return a.alignment }
func (a *Allocation) MemoryTypeIndex() int { return a.memoryTypeIndex }
func (a *Allocation) MapCount() int        { return a.mapCount }

// Memory is the VkDeviceMemory the allocation lives in, or nil once the allocation has been freed
func (a *Allocation) Memory() core1_0.DeviceMemory {
	if a.memory == nil {
		return nil
	}
	return a.memory.VulkanDeviceMemory()
}

func (a *Allocation) IsHostVisible() bool {
	return a.allocator.memory.IsMemoryTypeHostVisible(a.memoryTypeIndex)
}

// Offset is the allocation's position inside its VkDeviceMemory
func (a *Allocation) Offset() int {
	if a.strategy != StrategyPooled {
		return 0
	}

	offset, err := a.blockData.block.metadata.AllocationOffset(a.blockData.handle)
	if err != nil {
		panic(fmt.Sprintf("failed to locate offset for handle %d: %+v", a.blockData.handle, err))
	}

	return offset
}

// Map returns a pointer to the start of the allocation. Calls nest: each Map must be balanced by
// one Unmap.
func (a *Allocation) Map() (unsafe.Pointer, error) {
	a.allocator.logger.Debug("Allocation::Map")

	if a.freed {
		return nil, memutils.ValidationErrorf("attempted to map allocation %q after it was freed", a.name)
	}
	if !a.IsHostVisible() {
		return nil, memutils.ValidationErrorf("attempted to map allocation %q, which is not in host-visible memory", a.name)
	}

	ptr, err := a.memory.Map(1)
	if err != nil {
		return nil, err
	}
	a.mapCount++

	return unsafe.Add(ptr, a.Offset()), nil
}

func (a *Allocation) Unmap() error {
	a.allocator.logger.Debug("Allocation::Unmap")

	if a.mapCount == 0 {
		return memutils.ValidationErrorf("attempted to unmap allocation %q, which is not mapped", a.name)
	}

	err := a.memory.Unmap(1)
	if err != nil {
		return err
	}
	a.mapCount--
	return nil
}

// Flush makes host writes in [offset, offset+size) visible to the device. A size of -1 covers the
// rest of the allocation. This is a no-op for host-coherent memory.
func (a *Allocation) Flush(offset, size int) error {
	a.allocator.logger.Debug("Allocation::Flush")

	return a.flushOrInvalidate(offset, size, cacheOperationFlush)
}

// Invalidate makes device writes in [offset, offset+size) visible to the host. A size of -1 covers
// the rest of the allocation. This is a no-op for host-coherent memory.
func (a *Allocation) Invalidate(offset, size int) error {
	a.allocator.logger.Debug("Allocation::Invalidate")

	return a.flushOrInvalidate(offset, size, cacheOperationInvalidate)
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.strategy.String())
	json.Name("Size").Int(a.size)
	json.Name("MapCount").Int(a.mapCount)

	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}

func (a *Allocation) flushOrInvalidateRange(offset, size int, outRange *core1_0.MappedMemoryRange) (bool, error) {
	// A size of -1 indicates the rest of the allocation
	if size == 0 || size < memutils.WholeSize || !a.allocator.memory.IsMemoryTypeHostNonCoherent(a.memoryTypeIndex) {
		return false, nil
	}

	nonCoherentAtomSize := a.allocator.memory.NonCoherentAtomSize()
	allocationSize := a.size

	if offset > allocationSize {
		return false, memutils.ValidationErrorf("offset %d is past the end of the allocation, which is size %d", offset, allocationSize)
	}
	if size > 0 && (offset+size) > allocationSize {
		return false, memutils.ValidationErrorf("offset %d places the end of the range %d past the end of the allocation, which is size %d", offset, offset+size, allocationSize)
	}

	outRange.Memory = a.Memory()
	outRange.Offset = memutils.AlignDown(offset, nonCoherentAtomSize)

	switch a.strategy {
	case StrategyDedicated:
		outRange.Size = allocationSize - outRange.Offset
		if size > 0 {
			alignedSize := memutils.AlignUp(size+(offset-outRange.Offset), nonCoherentAtomSize)
			if alignedSize < outRange.Size {
				outRange.Size = alignedSize
			}
		}
		return true, nil
	case StrategyPooled:
		if size == memutils.WholeSize {
			size = allocationSize - offset
		}

		outRange.Size = memutils.AlignUp(size+(offset-outRange.Offset), nonCoherentAtomSize)

		// Adjust offset and size to the block
		allocationOffset := a.Offset()
		memutils.DebugAssert(allocationOffset%nonCoherentAtomSize == 0,
			"the allocation has an invalid offset %d for non-coherent memory, which has an alignment of %d", allocationOffset, nonCoherentAtomSize)

		outRange.Offset += allocationOffset

		restOfBlock := a.blockData.block.metadata.Size() - outRange.Offset
		if restOfBlock < outRange.Size {
			outRange.Size = restOfBlock
		}
		return true, nil
	}

	return false, errors.Newf("attempted to get the flush or invalidate range of an allocation with invalid strategy %d", a.strategy)
}

func (a *Allocation) flushOrInvalidate(offset, size int, operation cacheOperation) error {
	var memRange core1_0.MappedMemoryRange
	needed, err := a.flushOrInvalidateRange(offset, size, &memRange)
	if err != nil || !needed {
		return err
	}

	ranges := []core1_0.MappedMemoryRange{memRange}
	if operation == cacheOperationFlush {
		return a.allocator.device.FlushMappedMemoryRanges(ranges)
	}
	return a.allocator.device.InvalidateMappedMemoryRanges(ranges)
}

// Free returns the allocation's memory to the allocator. The allocation must not be mapped.
func (a *Allocation) Free() error {
	a.allocator.logger.Debug("Allocation::Free")

	if a.freed {
		return memutils.ValidationErrorf("allocation %q was already freed", a.name)
	}
	if a.mapCount > 0 {
		return memutils.ValidationErrorf("allocation %q is still mapped %d times", a.name, a.mapCount)
	}

	return a.allocator.free(a)
}
