package device

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/extensions/v2/khr_get_memory_requirements2"
)

// Extensions lists the optional device capabilities the allocator takes advantage of
type Extensions struct {
	// DedicatedAllocation allows chaining MemoryDedicatedAllocateInfo onto dedicated allocations
	DedicatedAllocation bool
	// MemoryPriority allows chaining MemoryPriorityAllocateInfo onto every allocation
	MemoryPriority bool
}

func DetectExtensions(device core1_0.Device) Extensions {
	var ext Extensions

	// Core 1.1 promoted khr_dedicated_allocation
	if core1_1.PromoteDevice(device) != nil {
		ext.DedicatedAllocation = true
	}

	// khr_dedicated_allocation depends on khr_get_memory_requirements2 when core 1.1 is not active
	if !ext.DedicatedAllocation &&
		device.IsDeviceExtensionActive(khr_get_memory_requirements2.ExtensionName) &&
		device.IsDeviceExtensionActive(khr_dedicated_allocation.ExtensionName) {
		ext.DedicatedAllocation = true
	}

	if device.IsDeviceExtensionActive(MemoryPriorityExtensionName) {
		ext.MemoryPriority = true
	}

	return ext
}
