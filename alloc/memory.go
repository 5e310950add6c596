package alloc

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/stockpile/device"
	"github.com/vkngwrapper/stockpile/internal/utils"
	"github.com/vkngwrapper/stockpile/memutils"
)

// deviceMemory is a single VkDeviceMemory shared by every allocation inside it. The whole object is
// mapped once and the mapping is reference counted.
type deviceMemory struct {
	mapReferences int
	mapData       unsafe.Pointer

	mapMutex utils.RWLocker
	device   device.Device
	memory   core1_0.DeviceMemory
}

func newDeviceMemory(dev device.Device, memory core1_0.DeviceMemory, useMutex bool) *deviceMemory {
	return &deviceMemory{
		mapMutex: utils.NewRWLocker(useMutex),
		device:   dev,
		memory:   memory,
	}
}

func (m *deviceMemory) VulkanDeviceMemory() core1_0.DeviceMemory {
	return m.memory
}

func (m *deviceMemory) References() int {
	m.mapMutex.RLock()
	defer m.mapMutex.RUnlock()

	return m.mapReferences
}

func (m *deviceMemory) MappedData() unsafe.Pointer {
	m.mapMutex.RLock()
	defer m.mapMutex.RUnlock()

	return m.mapData
}

func (m *deviceMemory) Map(references int) (unsafe.Pointer, error) {
	if references == 0 {
		return nil, nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		if m.mapData == nil {
			return nil, errors.New("the memory is showing existing mapping references, but no mapped data")
		}

		m.mapReferences += references
		return m.mapData, nil
	}

	mappedData, err := m.device.MapMemory(m.memory, 0, memutils.WholeSize)
	if err != nil {
		return nil, err
	}

	m.mapData = mappedData
	m.mapReferences = references
	return mappedData, nil
}

func (m *deviceMemory) Unmap(references int) error {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences < references {
		return errors.Newf("attempted to release %d mapping references, but the memory only has %d", references, m.mapReferences)
	}

	m.mapReferences -= references
	if m.mapReferences == 0 && m.mapData != nil {
		m.device.UnmapMemory(m.memory)
		m.mapData = nil
	}

	return nil
}

func (m *deviceMemory) Free() {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapData != nil {
		m.device.UnmapMemory(m.memory)
		m.mapData = nil
		m.mapReferences = 0
	}

	m.device.FreeMemory(m.memory)
}
