package device

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// VulkanOptions configures a Device backed by a real Vulkan logical device
type VulkanOptions struct {
	AllocationCallbacks *driver.AllocationCallbacks
	QueueFamilies       QueueFamilies
	// Queues and CommandPools are keyed by queue family index. SubmitImmediate needs an entry in both
	// for any family it is called with.
	Queues       map[int]core1_0.Queue
	CommandPools map[int]core1_0.CommandPool
}

// VulkanDevice implements Device on top of vkngwrapper
type VulkanDevice struct {
	device           core1_0.Device
	callbacks        *driver.AllocationCallbacks
	properties       *core1_0.PhysicalDeviceProperties
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
	extensions       Extensions
	families         QueueFamilies
	queues           map[int]core1_0.Queue
	pools            map[int]core1_0.CommandPool

	submitMutex sync.Mutex
}

var _ Device = &VulkanDevice{}

func NewVulkanDevice(device core1_0.Device, physicalDevice core1_0.PhysicalDevice, options VulkanOptions) (*VulkanDevice, error) {
	properties, err := physicalDevice.Properties()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read physical device properties")
	}

	return &VulkanDevice{
		device:           device,
		callbacks:        options.AllocationCallbacks,
		properties:       properties,
		memoryProperties: physicalDevice.MemoryProperties(),
		extensions:       DetectExtensions(device),
		families:         options.QueueFamilies,
		queues:           options.Queues,
		pools:            options.CommandPools,
	}, nil
}

func (d *VulkanDevice) Properties() *core1_0.PhysicalDeviceProperties {
	return d.properties
}

func (d *VulkanDevice) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return d.memoryProperties
}

func (d *VulkanDevice) QueueFamilies() QueueFamilies {
	return d.families
}

func (d *VulkanDevice) Extensions() Extensions {
	return d.extensions
}

func (d *VulkanDevice) CreateBuffer(info core1_0.BufferCreateInfo) (core1_0.Buffer, error) {
	buffer, res, err := d.device.CreateBuffer(d.callbacks, info)
	if err != nil {
		return nil, errors.Wrapf(err, "vkCreateBuffer returned %s", res)
	}
	return buffer, nil
}

func (d *VulkanDevice) DestroyBuffer(buffer core1_0.Buffer) {
	buffer.Destroy(d.callbacks)
}

func (d *VulkanDevice) BufferMemoryRequirements(buffer core1_0.Buffer) core1_0.MemoryRequirements {
	return *buffer.MemoryRequirements()
}

func (d *VulkanDevice) BindBufferMemory(buffer core1_0.Buffer, memory core1_0.DeviceMemory, offset int) error {
	res, err := buffer.BindBufferMemory(memory, offset)
	if err != nil {
		return errors.Wrapf(err, "vkBindBufferMemory returned %s", res)
	}
	return nil
}

func (d *VulkanDevice) CreateImage(info core1_0.ImageCreateInfo) (core1_0.Image, error) {
	image, res, err := d.device.CreateImage(d.callbacks, info)
	if err != nil {
		return nil, errors.Wrapf(err, "vkCreateImage returned %s", res)
	}
	return image, nil
}

func (d *VulkanDevice) DestroyImage(image core1_0.Image) {
	image.Destroy(d.callbacks)
}

func (d *VulkanDevice) ImageMemoryRequirements(image core1_0.Image) core1_0.MemoryRequirements {
	return *image.MemoryRequirements()
}

func (d *VulkanDevice) BindImageMemory(image core1_0.Image, memory core1_0.DeviceMemory, offset int) error {
	res, err := image.BindImageMemory(memory, offset)
	if err != nil {
		return errors.Wrapf(err, "vkBindImageMemory returned %s", res)
	}
	return nil
}

func (d *VulkanDevice) CreateImageView(info core1_0.ImageViewCreateInfo) (core1_0.ImageView, error) {
	view, res, err := d.device.CreateImageView(d.callbacks, info)
	if err != nil {
		return nil, errors.Wrapf(err, "vkCreateImageView returned %s", res)
	}
	return view, nil
}

func (d *VulkanDevice) DestroyImageView(view core1_0.ImageView) {
	view.Destroy(d.callbacks)
}

func (d *VulkanDevice) AllocateMemory(info core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, error) {
	memory, res, err := d.device.AllocateMemory(d.callbacks, info)
	if err != nil {
		return nil, errors.Wrapf(err, "vkAllocateMemory returned %s", res)
	}
	return memory, nil
}

func (d *VulkanDevice) FreeMemory(memory core1_0.DeviceMemory) {
	memory.Free(d.callbacks)
}

func (d *VulkanDevice) MapMemory(memory core1_0.DeviceMemory, offset, size int) (unsafe.Pointer, error) {
	ptr, res, err := memory.Map(offset, size, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "vkMapMemory returned %s", res)
	}
	return ptr, nil
}

func (d *VulkanDevice) UnmapMemory(memory core1_0.DeviceMemory) {
	memory.Unmap()
}

func (d *VulkanDevice) FlushMappedMemoryRanges(ranges []core1_0.MappedMemoryRange) error {
	res, err := d.device.FlushMappedMemoryRanges(ranges)
	if err != nil {
		return errors.Wrapf(err, "vkFlushMappedMemoryRanges returned %s", res)
	}
	return nil
}

func (d *VulkanDevice) InvalidateMappedMemoryRanges(ranges []core1_0.MappedMemoryRange) error {
	res, err := d.device.InvalidateMappedMemoryRanges(ranges)
	if err != nil {
		return errors.Wrapf(err, "vkInvalidateMappedMemoryRanges returned %s", res)
	}
	return nil
}

func (d *VulkanDevice) SubmitImmediate(queueFamily int, record func(cmd CommandRecorder) error) error {
	queue, hasQueue := d.queues[queueFamily]
	pool, hasPool := d.pools[queueFamily]
	if !hasQueue || !hasPool {
		return errors.Newf("no queue or command pool was provided for queue family %d", queueFamily)
	}

	// Command pools are externally synchronized
	d.submitMutex.Lock()
	defer d.submitMutex.Unlock()

	buffers, _, err := d.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        pool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return errors.Wrap(err, "failed to allocate immediate command buffer")
	}
	defer d.device.FreeCommandBuffers(buffers)

	cmd := buffers[0]
	_, err = cmd.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err != nil {
		return errors.Wrap(err, "failed to begin immediate command buffer")
	}

	err = record(WrapCommandBuffer(cmd, queueFamily))
	if err != nil {
		// A command buffer in the recording state can still be freed
		return err
	}

	_, err = cmd.End()
	if err != nil {
		return errors.Wrap(err, "failed to end immediate command buffer")
	}

	_, err = queue.Submit(nil, []core1_0.SubmitInfo{
		{
			CommandBuffers: buffers,
		},
	})
	if err != nil {
		return errors.Wrap(err, "failed to submit immediate command buffer")
	}

	_, err = queue.WaitIdle()
	return errors.Wrap(err, "failed waiting for immediate submission")
}

type commandRecorder struct {
	commandBuffer core1_0.CommandBuffer
	queueFamily   int
}

// WrapCommandBuffer adapts a command buffer that is already recording, allocated from a pool on the
// given queue family
func WrapCommandBuffer(commandBuffer core1_0.CommandBuffer, queueFamily int) CommandRecorder {
	return &commandRecorder{commandBuffer: commandBuffer, queueFamily: queueFamily}
}

func (r *commandRecorder) QueueFamily() int {
	return r.queueFamily
}

func (r *commandRecorder) CmdPipelineBarrier(
	srcStageMask, dstStageMask core1_0.PipelineStageFlags,
	bufferBarriers []core1_0.BufferMemoryBarrier,
	imageBarriers []core1_0.ImageMemoryBarrier,
) error {
	return r.commandBuffer.CmdPipelineBarrier(srcStageMask, dstStageMask, 0, nil, bufferBarriers, imageBarriers)
}

func (r *commandRecorder) CmdCopyBuffer(src, dst core1_0.Buffer, regions []core1_0.BufferCopy) error {
	return r.commandBuffer.CmdCopyBuffer(src, dst, regions)
}

func (r *commandRecorder) CmdCopyBufferToImage(src core1_0.Buffer, dst core1_0.Image, layout core1_0.ImageLayout, regions []core1_0.BufferImageCopy) error {
	return r.commandBuffer.CmdCopyBufferToImage(src, dst, layout, regions)
}
