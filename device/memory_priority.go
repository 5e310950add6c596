package device

import (
	"unsafe"

	"github.com/CannibalVox/cgoparam"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
)

const (
	MemoryPriorityExtensionName = "VK_EXT_memory_priority"

	structureTypeMemoryPriorityAllocateInfo uint32 = 1000238001
)

// memoryPriorityAllocateInfo has the layout of VkMemoryPriorityAllocateInfoEXT
type memoryPriorityAllocateInfo struct {
	sType    uint32
	pNext    unsafe.Pointer
	priority float32
}

// MemoryPriorityAllocateInfo chains a priority between 0 and 1 onto a memory allocation, hinting
// which allocations the driver should keep in device-local memory under pressure
//
// https://registry.khronos.org/vulkan/specs/1.3-extensions/man/html/VkMemoryPriorityAllocateInfoEXT.html
type MemoryPriorityAllocateInfo struct {
	Priority float32

	common.NextOptions
}

func (o MemoryPriorityAllocateInfo) PopulateCPointer(allocator *cgoparam.Allocator, preallocatedPointer unsafe.Pointer, next unsafe.Pointer) (unsafe.Pointer, error) {
	if o.Priority < 0 || o.Priority > 1 {
		return nil, errors.Newf("memory priority %v is outside of [0, 1]", o.Priority)
	}

	if preallocatedPointer == nil {
		preallocatedPointer = allocator.Malloc(int(unsafe.Sizeof(memoryPriorityAllocateInfo{})))
	}

	info := (*memoryPriorityAllocateInfo)(preallocatedPointer)
	info.sType = structureTypeMemoryPriorityAllocateInfo
	info.pNext = next
	info.priority = o.Priority

	return preallocatedPointer, nil
}
