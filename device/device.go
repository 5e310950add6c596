package device

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/core1_0"
)

// QueueFamilyIgnored is the owning queue family of a subresource that no family has claimed yet. It
// doubles as VK_QUEUE_FAMILY_IGNORED in barriers.
const QueueFamilyIgnored = -1

// QueueFamilies names the queue family indices the renderer submits to. Compute and Transfer may
// equal Graphics on hardware without dedicated families.
type QueueFamilies struct {
	Graphics int
	Compute  int
	Transfer int
}

//go:generate mockgen -destination mocks/mocks.go -package mocks . Device,CommandRecorder

// Device is the context every resource-creating object receives at construction. It exposes the
// subset of a Vulkan logical device that buffers, images, allocators and uploaders need.
type Device interface {
	Properties() *core1_0.PhysicalDeviceProperties
	MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties
	QueueFamilies() QueueFamilies
	Extensions() Extensions

	CreateBuffer(info core1_0.BufferCreateInfo) (core1_0.Buffer, error)
	DestroyBuffer(buffer core1_0.Buffer)
	BufferMemoryRequirements(buffer core1_0.Buffer) core1_0.MemoryRequirements
	BindBufferMemory(buffer core1_0.Buffer, memory core1_0.DeviceMemory, offset int) error

	CreateImage(info core1_0.ImageCreateInfo) (core1_0.Image, error)
	DestroyImage(image core1_0.Image)
	ImageMemoryRequirements(image core1_0.Image) core1_0.MemoryRequirements
	BindImageMemory(image core1_0.Image, memory core1_0.DeviceMemory, offset int) error

	CreateImageView(info core1_0.ImageViewCreateInfo) (core1_0.ImageView, error)
	DestroyImageView(view core1_0.ImageView)

	AllocateMemory(info core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, error)
	FreeMemory(memory core1_0.DeviceMemory)
	MapMemory(memory core1_0.DeviceMemory, offset, size int) (unsafe.Pointer, error)
	UnmapMemory(memory core1_0.DeviceMemory)
	FlushMappedMemoryRanges(ranges []core1_0.MappedMemoryRange) error
	InvalidateMappedMemoryRanges(ranges []core1_0.MappedMemoryRange) error

	// SubmitImmediate records a one-time command buffer on the given queue family, submits it and
	// waits for the queue to go idle before returning.
	SubmitImmediate(queueFamily int, record func(cmd CommandRecorder) error) error
}

// CommandRecorder is a command buffer in the recording state
type CommandRecorder interface {
	QueueFamily() int
	CmdPipelineBarrier(
		srcStageMask, dstStageMask core1_0.PipelineStageFlags,
		bufferBarriers []core1_0.BufferMemoryBarrier,
		imageBarriers []core1_0.ImageMemoryBarrier,
	) error
	CmdCopyBuffer(src, dst core1_0.Buffer, regions []core1_0.BufferCopy) error
	CmdCopyBufferToImage(src core1_0.Buffer, dst core1_0.Image, layout core1_0.ImageLayout, regions []core1_0.BufferImageCopy) error
}
