package resource

import (
	"context"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/stockpile/alloc"
	"github.com/vkngwrapper/stockpile/device"
	"github.com/vkngwrapper/stockpile/memutils"
)

type BufferCreateInfo struct {
	Name  string
	Usage core1_0.BufferUsageFlags
	// MemoryFlags must all be present on the memory type the buffer is placed in
	MemoryFlags core1_0.MemoryPropertyFlags
	// PreferredMemoryFlags break ties between memory types that carry every MemoryFlags bit
	PreferredMemoryFlags core1_0.MemoryPropertyFlags
	Size                 int
	// Dedicated forces the buffer into its own device memory allocation
	Dedicated bool
	// InitialData is copied into the buffer during creation. The buffer must be host-visible.
	InitialData []byte
}

// Buffer owns one VkBuffer and the memory bound to it
type Buffer struct {
	ctx        *Context
	name       string
	handle     core1_0.Buffer
	allocation *alloc.Allocation
	usage      core1_0.BufferUsageFlags
	size       int

	mapCount int
	mapped   []byte
	released bool
}

// CreateBuffer creates a buffer, allocates memory for it and, if InitialData is set, fills it
func CreateBuffer(ctx *Context, info BufferCreateInfo) (*Buffer, error) {
	ctx.logger.Debug("Buffer::Create")

	if info.Size <= 0 {
		return nil, memutils.ValidationErrorf("buffer %q has invalid size %d", info.Name, info.Size)
	}
	if len(info.InitialData) > info.Size {
		return nil, memutils.ValidationErrorf("buffer %q is %d bytes but %d bytes of initial data were provided", info.Name, info.Size, len(info.InitialData))
	}

	handle, err := ctx.device.CreateBuffer(core1_0.BufferCreateInfo{
		Size:        info.Size,
		Usage:       info.Usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, memutils.NewFatalResourceError("create buffer "+info.Name, err)
	}

	allocation, err := ctx.allocator.AllocateForBuffer(info.Name, handle, alloc.AllocationCreateInfo{
		RequiredFlags:  info.MemoryFlags,
		PreferredFlags: info.PreferredMemoryFlags,
		Dedicated:      info.Dedicated,
	})
	if err != nil {
		ctx.device.DestroyBuffer(handle)
		return nil, err
	}

	buffer := &Buffer{
		ctx:        ctx,
		name:       info.Name,
		handle:     handle,
		allocation: allocation,
		usage:      info.Usage,
		size:       info.Size,
	}
	ctx.counters.AddBuffer(allocation.Size())

	ctx.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created buffer",
		slog.String("name", info.Name),
		slog.Int("size", info.Size),
		slog.String("strategy", allocation.Strategy().String()),
	)

	if len(info.InitialData) > 0 {
		err = buffer.upload(info.InitialData)
		if err != nil {
			return nil, errors.CombineErrors(err, buffer.Release())
		}
	}

	return buffer, nil
}

func (b *Buffer) upload(data []byte) error {
	_, err := b.Map()
	if err != nil {
		return err
	}

	err = b.CopyInto(data, 0)
	if err == nil {
		err = b.Flush()
	}

	return errors.CombineErrors(err, b.Unmap())
}

func (b *Buffer) Name() string                    { return b.name }
func (b *Buffer) Handle() core1_0.Buffer          { return b.handle }
func (b *Buffer) Size() int                       { return b.size }
func (b *Buffer) Usage() core1_0.BufferUsageFlags { return b.usage }
func (b *Buffer) Allocation() *alloc.Allocation   { return b.allocation }
func (b *Buffer) MapCount() int                   { return b.mapCount }
func (b *Buffer) IsReleased() bool                { return b.released }

// Mapped is the buffer's host mapping, or nil if it is not mapped
func (b *Buffer) Mapped() []byte {
	return b.mapped
}

// Map returns the buffer's contents as a byte slice. Map calls nest and each must be balanced by
// one Unmap.
func (b *Buffer) Map() ([]byte, error) {
	if b.released {
		return nil, validationError(ErrReleased, "buffer %q cannot be mapped", b.name)
	}

	if b.mapCount == 0 {
		ptr, err := b.allocation.Map()
		if err != nil {
			return nil, err
		}
		b.mapped = unsafe.Slice((*byte)(ptr), b.size)
	}

	b.mapCount++
	return b.mapped, nil
}

func (b *Buffer) Unmap() error {
	if b.mapCount == 0 {
		return validationError(ErrNotMapped, "buffer %q cannot be unmapped", b.name)
	}

	if b.mapCount == 1 {
		err := b.allocation.Unmap()
		if err != nil {
			return err
		}
		b.mapped = nil
	}

	b.mapCount--
	return nil
}

// CopyInto writes data to the buffer's mapping at offset. The buffer must already be mapped.
func (b *Buffer) CopyInto(data []byte, offset int) error {
	if b.mapCount == 0 {
		return validationError(ErrNotMapped, "cannot copy %d bytes into buffer %q", len(data), b.name)
	}
	if offset < 0 || offset+len(data) > b.size {
		return memutils.ValidationErrorf("copying %d bytes at offset %d overruns buffer %q, which is %d bytes", len(data), offset, b.name, b.size)
	}

	copy(b.mapped[offset:], data)
	return nil
}

// Flush makes host writes visible to the device. It does nothing for host-coherent memory.
func (b *Buffer) Flush() error {
	return b.allocation.Flush(0, b.size)
}

// Invalidate makes device writes visible to the host. It does nothing for host-coherent memory.
func (b *Buffer) Invalidate() error {
	return b.allocation.Invalidate(0, b.size)
}

type bufferUse struct {
	usage  core1_0.BufferUsageFlags
	access core1_0.AccessFlags
	stages core1_0.PipelineStageFlags
}

var bufferUseTable = []bufferUse{
	{core1_0.BufferUsageVertexBuffer, core1_0.AccessVertexAttributeRead, core1_0.PipelineStageVertexInput},
	{core1_0.BufferUsageIndexBuffer, core1_0.AccessIndexRead, core1_0.PipelineStageVertexInput},
	{core1_0.BufferUsageUniformBuffer, core1_0.AccessUniformRead, shaderStages},
	{core1_0.BufferUsageStorageBuffer, core1_0.AccessShaderRead | core1_0.AccessShaderWrite, shaderStages},
	{core1_0.BufferUsageIndirectBuffer, core1_0.AccessIndirectCommandRead, core1_0.PipelineStageDrawIndirect},
	{core1_0.BufferUsageTransferSrc, core1_0.AccessTransferRead, core1_0.PipelineStageTransfer},
}

// consumerScope is every access the buffer's usage flags allow outside of being a copy destination
func (b *Buffer) consumerScope() layoutAccess {
	var scope layoutAccess
	for _, use := range bufferUseTable {
		if b.usage&use.usage != 0 {
			scope.access |= use.access
			scope.stages |= use.stages
		}
	}

	if scope.stages == 0 {
		scope.access = core1_0.AccessMemoryRead
		scope.stages = core1_0.PipelineStageAllCommands
	}
	return scope
}

func (b *Buffer) barrier(src, dst core1_0.AccessFlags, srcFamily, dstFamily int) core1_0.BufferMemoryBarrier {
	return core1_0.BufferMemoryBarrier{
		SrcAccessMask:       src,
		DstAccessMask:       dst,
		SrcQueueFamilyIndex: srcFamily,
		DstQueueFamilyIndex: dstFamily,
		Buffer:              b.handle,
		Offset:              0,
		Size:                b.size,
	}
}

// PrepareToUpload records a barrier that orders earlier reads of the buffer before a transfer write
func (b *Buffer) PrepareToUpload(cmd device.CommandRecorder) error {
	if b.released {
		return validationError(ErrReleased, "buffer %q cannot be uploaded to", b.name)
	}

	consumer := b.consumerScope()
	return b.recordBarrier(cmd, consumer.stages, core1_0.PipelineStageTransfer,
		b.barrier(consumer.access, core1_0.AccessTransferWrite, device.QueueFamilyIgnored, device.QueueFamilyIgnored))
}

// FinishUpload records a barrier that makes a transfer write visible to the buffer's consumers. When
// dstQueueFamily names a family other than the recording one, the barrier also releases ownership to it.
func (b *Buffer) FinishUpload(cmd device.CommandRecorder, dstQueueFamily int) error {
	if b.released {
		return validationError(ErrReleased, "buffer %q cannot be uploaded to", b.name)
	}

	srcFamily, dstFamily := ownershipTransfer(cmd.QueueFamily(), dstQueueFamily)
	consumer := b.consumerScope()
	return b.recordBarrier(cmd, core1_0.PipelineStageTransfer, consumer.stages,
		b.barrier(core1_0.AccessTransferWrite, consumer.access, srcFamily, dstFamily))
}

func (b *Buffer) recordBarrier(cmd device.CommandRecorder, srcStages, dstStages core1_0.PipelineStageFlags, barrier core1_0.BufferMemoryBarrier) error {
	err := cmd.CmdPipelineBarrier(srcStages, dstStages, []core1_0.BufferMemoryBarrier{barrier}, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to record barrier for buffer %q", b.name)
	}
	return nil
}

// Release destroys the buffer and frees its memory. The buffer must not be mapped.
func (b *Buffer) Release() error {
	b.ctx.logger.Debug("Buffer::Release")

	if b.released {
		return validationError(ErrReleased, "buffer %q was already released", b.name)
	}
	if b.mapCount > 0 {
		return validationError(ErrBufferMapped, "buffer %q is mapped %d times", b.name, b.mapCount)
	}

	b.ctx.device.DestroyBuffer(b.handle)
	b.handle = nil
	b.released = true

	size := b.allocation.Size()
	err := b.allocation.Free()
	if err != nil {
		return errors.Wrapf(err, "failed to free memory of buffer %q", b.name)
	}

	b.ctx.counters.RemoveBuffer(size)
	return nil
}

// ownershipTransfer returns the queue family indices for a barrier recorded on srcFamily that hands
// the resource to dstFamily. No transfer is expressed when either side is ignored or they match.
func ownershipTransfer(srcFamily, dstFamily int) (int, int) {
	if srcFamily == device.QueueFamilyIgnored || dstFamily == device.QueueFamilyIgnored || srcFamily == dstFamily {
		return device.QueueFamilyIgnored, device.QueueFamilyIgnored
	}
	return srcFamily, dstFamily
}
